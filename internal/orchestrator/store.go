package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/orchestrator/query"
)

// Cursor is a keyset position in the execution listing, which is ordered by
// start time descending, then run id descending.
type Cursor struct {
	StartTime time.Time `json:"t"`
	RunID     string    `json:"r"`
}

// Admits reports whether info sorts strictly after the cursor position.
func (c Cursor) Admits(info ExecutionInfo) bool {
	if !info.StartTime.Equal(c.StartTime) {
		return info.StartTime.Before(c.StartTime)
	}
	return info.RunID < c.RunID
}

func CursorOf(info ExecutionInfo) Cursor {
	return Cursor{StartTime: info.StartTime.UTC(), RunID: info.RunID}
}

func EncodeToken(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeToken parses a continuation token. An empty token yields nil.
func DecodeToken(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.RunID == "" || c.StartTime.IsZero() {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

// Store persists executions and their append-only event logs.
type Store interface {
	// CreateExecution records a new run. A duplicate run id is ErrConflict.
	CreateExecution(ctx context.Context, info ExecutionInfo) error
	// AppendEvent assigns the next event id of the run and stores ev.
	AppendEvent(ctx context.Context, ev Event) (Event, error)
	// CloseExecution stamps the close time and final status attribute.
	CloseExecution(ctx context.Context, runID string, status domain.ExecutionStatus, at time.Time) error
	GetExecution(ctx context.Context, runID string) (ExecutionInfo, error)
	// ListExecutions returns up to limit runs matching filter, after the
	// cursor when one is given.
	ListExecutions(ctx context.Context, filter query.Expr, after *Cursor, limit int) ([]ExecutionInfo, error)
	CountExecutions(ctx context.Context, filter query.Expr) (int64, error)
	// Events returns the run's log ordered by event id.
	Events(ctx context.Context, runID string) ([]Event, error)
}
