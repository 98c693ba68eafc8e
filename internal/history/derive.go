package history

import (
	"fmt"
	"time"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/orchestrator"
)

// DeriveStatus returns the status of the latest lifecycle event. Events with
// equal timestamps are ordered by id. A log without lifecycle events is
// SCHEDULED.
func DeriveStatus(events []orchestrator.Event) domain.ExecutionStatus {
	latest, ok := latestLifecycle(events)
	if !ok {
		return domain.ExecutionStatusScheduled
	}
	status, _ := orchestrator.StatusOf(latest.Kind)
	return status
}

func latestLifecycle(events []orchestrator.Event) (orchestrator.Event, bool) {
	var (
		latest orchestrator.Event
		found  bool
	)
	for _, ev := range events {
		if _, ok := orchestrator.StatusOf(ev.Kind); !ok {
			continue
		}
		if !found || ev.Timestamp.After(latest.Timestamp) ||
			(ev.Timestamp.Equal(latest.Timestamp) && ev.ID > latest.ID) {
			latest, found = ev, true
		}
	}
	return latest, found
}

// DeriveOutputs returns the run's node outputs. A completed run yields its
// final result. Otherwise outputs are folded from the completed activities,
// keeping only nodes that produced at least one port.
func DeriveOutputs(events []orchestrator.Event) (domain.NodeOutputs, error) {
	if latest, ok := latestLifecycle(events); ok && latest.Kind == orchestrator.WorkflowExecutionCompleted {
		var payload orchestrator.WorkflowCompletedPayload
		if err := latest.Decode(&payload); err != nil {
			return nil, err
		}
		if payload.Result == nil {
			return domain.NodeOutputs{}, nil
		}
		return payload.Result, nil
	}

	out := domain.NodeOutputs{}
	for _, ev := range events {
		if ev.Kind != orchestrator.ActivityTaskCompleted {
			continue
		}
		var payload orchestrator.ActivityCompletedPayload
		if err := ev.Decode(&payload); err != nil {
			return nil, err
		}
		if payload.NodeID == "" {
			return nil, fmt.Errorf("event %d: activity result without node id", ev.ID)
		}
		if len(payload.Outputs) == 0 {
			continue
		}
		out[payload.NodeID] = payload.Outputs
	}
	return out, nil
}

// Snapshot returns the graph recorded when the run started.
func Snapshot(events []orchestrator.Event) (*domain.Graph, error) {
	for _, ev := range events {
		if ev.Kind != orchestrator.WorkflowExecutionStarted {
			continue
		}
		var payload orchestrator.WorkflowStartedPayload
		if err := ev.Decode(&payload); err != nil {
			return nil, err
		}
		g := payload.Graph.Clone()
		return &g, nil
	}
	return nil, nil
}

// OverlayNodeStatuses sets data.status on every node of g: FAILED when the
// node produced the error port, SUCCEEDED when it produced outputs, SKIPPED
// when the run has closed without reaching it, PENDING otherwise.
func OverlayNodeStatuses(g *domain.Graph, outputs domain.NodeOutputs, status domain.ExecutionStatus) {
	if g == nil {
		return
	}
	closed := status != domain.ExecutionStatusScheduled && status != domain.ExecutionStatusRunning
	for i := range g.Nodes {
		node := &g.Nodes[i]
		ports, ran := outputs[node.ID]
		_, failed := ports[domain.ErrorPort]
		switch {
		case failed:
			node.Data.Status = domain.NodeStatusFailed
		case ran:
			node.Data.Status = domain.NodeStatusSucceeded
		case closed:
			node.Data.Status = domain.NodeStatusSkipped
		default:
			node.Data.Status = domain.NodeStatusPending
		}
	}
}

func lastUpdate(events []orchestrator.Event, info orchestrator.ExecutionInfo) time.Time {
	at := info.StartTime
	if info.CloseTime != nil && info.CloseTime.After(at) {
		at = *info.CloseTime
	}
	for _, ev := range events {
		if ev.Timestamp.After(at) {
			at = ev.Timestamp
		}
	}
	return at.UTC()
}
