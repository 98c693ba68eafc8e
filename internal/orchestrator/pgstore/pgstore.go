// Package pgstore persists orchestrator executions and event logs in
// Postgres.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/orchestrator"
	"github.com/animus-labs/dagflow/internal/orchestrator/query"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// appendAttempts bounds retries when concurrent writers race for the same
// event id.
const appendAttempts = 5

const (
	schemaQuery = `
CREATE TABLE IF NOT EXISTS dagflow_executions (
	run_id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	close_time TIMESTAMPTZ,
	search_attributes JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS dagflow_executions_listing_idx
	ON dagflow_executions (start_time DESC, run_id DESC);
CREATE TABLE IF NOT EXISTS dagflow_events (
	run_id TEXT NOT NULL REFERENCES dagflow_executions (run_id) ON DELETE CASCADE,
	event_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload JSONB,
	PRIMARY KEY (run_id, event_id)
);`

	insertExecutionQuery = `INSERT INTO dagflow_executions (run_id, workflow_id, start_time, search_attributes)
	VALUES ($1, $2, $3, $4)`

	insertEventQuery = `INSERT INTO dagflow_events (run_id, event_id, kind, occurred_at, payload)
	SELECT $1, COALESCE(MAX(event_id), 0) + 1, $2, $3, $4
	FROM dagflow_events WHERE run_id = $1
	RETURNING event_id`

	closeExecutionQuery = `UPDATE dagflow_executions
	SET close_time = $2,
	    search_attributes = search_attributes || jsonb_build_object('ExecutionStatus', $3::text)
	WHERE run_id = $1`

	selectExecutionQuery = `SELECT run_id, workflow_id, start_time, close_time, search_attributes
	FROM dagflow_executions WHERE run_id = $1`

	selectEventsQuery = `SELECT event_id, kind, occurred_at, payload
	FROM dagflow_events WHERE run_id = $1 ORDER BY event_id ASC`
)

type Store struct {
	db DB
}

func New(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaQuery); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, info orchestrator.ExecutionInfo) error {
	runID := strings.TrimSpace(info.RunID)
	if runID == "" {
		return errors.New("run id is required")
	}
	attrs, err := json.Marshal(nonNil(info.SearchAttributes))
	if err != nil {
		return fmt.Errorf("encode search attributes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionQuery, runID, info.WorkflowID, info.StartTime.UTC(), attrs); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s exists", orchestrator.ErrConflict, runID)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev orchestrator.Event) (orchestrator.Event, error) {
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	for attempt := 1; ; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, insertEventQuery, ev.RunID, string(ev.Kind), ev.Timestamp.UTC(), payload).Scan(&id)
		if err == nil {
			ev.ID = id
			return ev, nil
		}
		if isUniqueViolation(err) && attempt < appendAttempts {
			continue
		}
		if isForeignKeyViolation(err) {
			return orchestrator.Event{}, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, ev.RunID)
		}
		if isUniqueViolation(err) {
			return orchestrator.Event{}, fmt.Errorf("%w: event id race on %s", orchestrator.ErrConflict, ev.RunID)
		}
		return orchestrator.Event{}, fmt.Errorf("insert event: %w", err)
	}
}

func (s *Store) CloseExecution(ctx context.Context, runID string, status domain.ExecutionStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, closeExecutionQuery, runID, at.UTC(), string(status))
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, runID)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, runID string) (orchestrator.ExecutionInfo, error) {
	info, err := scanExecution(s.db.QueryRowContext(ctx, selectExecutionQuery, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orchestrator.ExecutionInfo{}, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, runID)
		}
		return orchestrator.ExecutionInfo{}, err
	}
	return info, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter query.Expr, after *orchestrator.Cursor, limit int) ([]orchestrator.ExecutionInfo, error) {
	args := []any{}
	where := "TRUE"
	if after != nil {
		args = append(args, after.StartTime.UTC(), after.RunID)
		where = "(start_time, run_id) < ($1, $2)"
	}
	cond, condArgs := query.SQL(filter, "search_attributes", len(args))
	args = append(args, condArgs...)
	stmt := `SELECT run_id, workflow_id, start_time, close_time, search_attributes
	FROM dagflow_executions
	WHERE ` + where + ` AND ` + cond + `
	ORDER BY start_time DESC, run_id DESC`
	if limit > 0 {
		args = append(args, limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	out := make([]orchestrator.ExecutionInfo, 0)
	for rows.Next() {
		info, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *Store) CountExecutions(ctx context.Context, filter query.Expr) (int64, error) {
	cond, args := query.SQL(filter, "search_attributes", 0)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dagflow_executions WHERE `+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

func (s *Store) Events(ctx context.Context, runID string) ([]orchestrator.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEventsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()
	out := make([]orchestrator.Event, 0)
	for rows.Next() {
		var (
			ev      orchestrator.Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RunID = runID
		ev.Kind = orchestrator.EventKind(kind)
		ev.Timestamp = ev.Timestamp.UTC()
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (orchestrator.ExecutionInfo, error) {
	var (
		info      orchestrator.ExecutionInfo
		closeTime sql.NullTime
		attrs     []byte
	)
	if err := row.Scan(&info.RunID, &info.WorkflowID, &info.StartTime, &closeTime, &attrs); err != nil {
		return orchestrator.ExecutionInfo{}, err
	}
	info.StartTime = info.StartTime.UTC()
	if closeTime.Valid {
		t := closeTime.Time.UTC()
		info.CloseTime = &t
	}
	info.SearchAttributes = map[string]string{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &info.SearchAttributes); err != nil {
			return orchestrator.ExecutionInfo{}, fmt.Errorf("decode search attributes: %w", err)
		}
	}
	return info, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
