// Package auditlog appends tamper-evident audit rows for API actions such as
// starting a run or a denied request.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/dagflow/internal/platform/auth"
)

const schemaQuery = `
CREATE TABLE IF NOT EXISTS dagflow_audit_events (
	event_id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	request_id TEXT,
	ip TEXT,
	user_agent TEXT,
	payload JSONB NOT NULL,
	integrity_sha256 TEXT NOT NULL
)`

const insertQuery = `
INSERT INTO dagflow_audit_events (
	occurred_at, actor, action, resource_type, resource_id,
	request_id, ip, user_agent, payload, integrity_sha256
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	IP           net.IP
	UserAgent    string
	Payload      any
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e Event) Validate() error {
	switch {
	case e.OccurredAt.IsZero():
		return errors.New("OccurredAt is required")
	case strings.TrimSpace(e.Actor) == "":
		return errors.New("Actor is required")
	case strings.TrimSpace(e.Action) == "":
		return errors.New("Action is required")
	case strings.TrimSpace(e.ResourceType) == "":
		return errors.New("ResourceType is required")
	case strings.TrimSpace(e.ResourceID) == "":
		return errors.New("ResourceID is required")
	}
	return nil
}

func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.ExecContext(ctx, schemaQuery); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func Insert(ctx context.Context, db Execer, event Event) error {
	if db == nil {
		return errors.New("db is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, insertQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		nullString(event.RequestID),
		nullString(ipString(event.IP)),
		nullString(event.UserAgent),
		payloadJSON,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ComputeIntegritySHA256 hashes the canonical JSON form of the event.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	in := struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		IP           string          `json:"ip,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		IP:           ipString(event.IP),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Recorder writes audit rows on behalf of one service. A nil db disables it.
type Recorder struct {
	db      Execer
	service string
	logger  *slog.Logger
}

func NewRecorder(db Execer, service string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, service: service, logger: logger}
}

// Request records an action taken through r. Failures are logged, never
// returned, so auditing cannot fail the request.
func (rec *Recorder) Request(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	if rec == nil || rec.db == nil {
		return
	}
	actor := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		actor = identity.Subject
	}
	rec.insert(r, actor, action, resourceType, resourceID, payload)
}

// AuthDeny has the shape of auth.DenyFunc.
func (rec *Recorder) AuthDeny(r *http.Request, identity auth.Identity, status int, reason string, err error) {
	if rec == nil || rec.db == nil {
		return
	}
	actor := "anonymous"
	if strings.TrimSpace(identity.Subject) != "" {
		actor = identity.Subject
	}
	rec.insert(r, actor, "auth."+reason, "http", r.Method+" "+r.URL.Path, map[string]any{
		"status": status,
		"reason": reason,
		"error":  err.Error(),
		"roles":  identity.Roles,
	})
}

func (rec *Recorder) insert(r *http.Request, actor, action, resourceType, resourceID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = rec.service
	var ip net.IP
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}
	err := Insert(context.WithoutCancel(r.Context()), rec.db, Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           ip,
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil {
		rec.logger.Warn("audit insert failed", "action", action, "error", err)
	}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
