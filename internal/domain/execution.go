package domain

import "time"

type ExecutionStatus string

const (
	ExecutionStatusScheduled ExecutionStatus = "SCHEDULED"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusTimedOut  ExecutionStatus = "TIMED_OUT"
)

// NodeOutputs maps node id to that node's output ports.
type NodeOutputs map[string]map[string]PortData

// Execution is derived from a run's event log on demand and never stored.
type Execution struct {
	ID                    string          `json:"id"`
	WorkflowID            string          `json:"workflowId"`
	Status                ExecutionStatus `json:"status"`
	WorkflowSnapshot      *Graph          `json:"workflow_snapshot,omitempty"`
	NodeToOutputsMap      NodeOutputs     `json:"nodeToOutputsMap"`
	CreatedAtTimestampUTC time.Time       `json:"createdAtTimestampUtc"`
	UpdatesAtTimestampUTC time.Time       `json:"updatesAtTimestampUtc"`
}
