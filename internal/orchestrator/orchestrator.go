// Package orchestrator defines the durable workflow surface consumed by the
// rest of dagflow (start, list, fetch history, count) and a local engine that
// implements it on top of an append-only event store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/dagflow/internal/domain"
)

var (
	ErrNotFound     = errors.New("execution not found")
	ErrInvalidToken = errors.New("invalid continuation token")
	ErrConflict     = errors.New("conflicting write")
)

// EventKind names one entry of a run's event log.
type EventKind string

const (
	WorkflowExecutionStarted   EventKind = "WorkflowExecutionStarted"
	WorkflowExecutionCompleted EventKind = "WorkflowExecutionCompleted"
	WorkflowExecutionFailed    EventKind = "WorkflowExecutionFailed"
	WorkflowExecutionTimedOut  EventKind = "WorkflowExecutionTimedOut"
	ActivityTaskScheduled      EventKind = "ActivityTaskScheduled"
	ActivityTaskCompleted      EventKind = "ActivityTaskCompleted"
	ActivityTaskFailed         EventKind = "ActivityTaskFailed"
)

// Search attribute keys recorded for every execution.
const (
	AttrWorkflowID      = "WorkflowId"
	AttrWorkflowFile    = "WorkflowFile"
	AttrRunID           = "RunId"
	AttrExecutionStatus = "ExecutionStatus"
)

// Event is one immutable entry of a run's history. IDs increase by one per
// run, starting at 1.
type Event struct {
	ID        int64           `json:"eventId"`
	RunID     string          `json:"runId"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into target.
func (e Event) Decode(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %d (%s) has no payload", e.ID, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// ExecutionInfo is the list-view record of a run.
type ExecutionInfo struct {
	RunID            string            `json:"runId"`
	WorkflowID       string            `json:"workflowId"`
	StartTime        time.Time         `json:"startTime"`
	CloseTime        *time.Time        `json:"closeTime,omitempty"`
	SearchAttributes map[string]string `json:"searchAttributes"`
}

// WorkflowStartedPayload carries the graph snapshot a run executes.
type WorkflowStartedPayload struct {
	Graph        domain.Graph `json:"graph"`
	WorkflowFile string       `json:"workflowFile,omitempty"`
}

// WorkflowCompletedPayload is the final result of a successful run.
type WorkflowCompletedPayload struct {
	Result domain.NodeOutputs `json:"result"`
}

type WorkflowFailedPayload struct {
	Reason string `json:"reason"`
}

type ActivityScheduledPayload struct {
	NodeID  string `json:"nodeId"`
	Attempt int    `json:"attempt"`
}

// ActivityCompletedPayload is the node activity result as recorded.
type ActivityCompletedPayload = domain.NodeActivityOutput

type ActivityFailedPayload struct {
	NodeID  string `json:"nodeId"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
	Final   bool   `json:"final"`
}

// StartRequest starts one run of a graph.
type StartRequest struct {
	WorkflowID   string
	WorkflowFile string
	Graph        domain.Graph
}

// Client is the orchestrator surface. Continuation tokens are opaque; an
// empty next token means the listing is exhausted.
type Client interface {
	Start(ctx context.Context, req StartRequest) (string, error)
	ListExecutions(ctx context.Context, query, token string) ([]ExecutionInfo, string, error)
	FetchHistory(ctx context.Context, runID string) ([]Event, error)
	CountExecutions(ctx context.Context, query string) (int64, error)
}

// NewEvent marshals payload into an event of the given kind.
func NewEvent(runID string, kind EventKind, at time.Time, payload any) (Event, error) {
	ev := Event{RunID: runID, Kind: kind, Timestamp: at.UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// StatusOf maps a workflow lifecycle event kind to an execution status.
func StatusOf(kind EventKind) (domain.ExecutionStatus, bool) {
	switch kind {
	case WorkflowExecutionStarted:
		return domain.ExecutionStatusRunning, true
	case WorkflowExecutionCompleted:
		return domain.ExecutionStatusCompleted, true
	case WorkflowExecutionFailed:
		return domain.ExecutionStatusFailed, true
	case WorkflowExecutionTimedOut:
		return domain.ExecutionStatusTimedOut, true
	default:
		return "", false
	}
}
