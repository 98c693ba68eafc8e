package domain

import "strings"

// ErrorPort is the reserved output port carrying a terminal node failure.
const ErrorPort = "$error"

type PortStatus string

const (
	PortStatusSuccess PortStatus = "SUCCESS"
	PortStatusFailed  PortStatus = "FAILED"
)

// ColumnSpec declares the content type of one column of a port table.
type ColumnSpec struct {
	ColumnName   string `json:"columnName"`
	DeclaredType string `json:"declaredType"`
}

// PortData references a materialized port output. Data is a location, never
// inline rows.
type PortData struct {
	Status      PortStatus   `json:"status"`
	ContentType string       `json:"contentType,omitempty"`
	TableSpec   []ColumnSpec `json:"tableSpec,omitempty"`
	Data        string       `json:"data,omitempty"`
	RowCount    int64        `json:"rowCount,omitempty"`
	Message     string       `json:"message,omitempty"`
}

func (p PortData) Failed() bool {
	return p.Status == PortStatusFailed
}

// NodeActivityInput is the payload of one node execution activity.
type NodeActivityInput struct {
	RunID  string              `json:"runId"`
	Node   Node                `json:"node"`
	Inputs map[string]PortData `json:"inputs"`
}

// NodeActivityOutput is the structured result of one node execution activity.
type NodeActivityOutput struct {
	NodeID  string              `json:"nodeId"`
	Outputs map[string]PortData `json:"outputs"`
}

// ErrorOutput builds the single-port output used for terminal failures.
func ErrorOutput(nodeID, message string) NodeActivityOutput {
	return NodeActivityOutput{
		NodeID: nodeID,
		Outputs: map[string]PortData{
			ErrorPort: {
				Status:      PortStatusFailed,
				ContentType: "text/plain",
				Message:     strings.TrimSpace(message),
			},
		},
	}
}

// Failed reports whether the output carries the reserved error port.
func (o NodeActivityOutput) Failed() bool {
	_, ok := o.Outputs[ErrorPort]
	return ok
}
