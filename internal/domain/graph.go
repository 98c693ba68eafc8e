package domain

// Graph is one immutable snapshot of a user-composed processing graph.
type Graph struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Active bool   `json:"active" yaml:"active"`
	Nodes  []Node `json:"nodes" yaml:"nodes"`
	Edges  []Edge `json:"edges" yaml:"edges"`
}

type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type string   `json:"type" yaml:"type"`
	Data NodeData `json:"data" yaml:"data"`
}

type NodeData struct {
	NodeModel        string         `json:"nodeModel" yaml:"nodeModel"`
	Properties       map[string]any `json:"properties" yaml:"properties"`
	PropertiesSchema map[string]any `json:"propertiesSchema,omitempty" yaml:"propertiesSchema,omitempty"`
	Status           NodeStatus     `json:"status,omitempty" yaml:"status,omitempty"`
}

// Edge connects sourceHandle (an output port of Source) to targetHandle
// (an input port of Target).
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle" yaml:"sourceHandle"`
	TargetHandle string `json:"targetHandle" yaml:"targetHandle"`
}

// NodeStatus is the per-node overlay shown on a reconstructed execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusSucceeded NodeStatus = "SUCCEEDED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusSkipped   NodeStatus = "SKIPPED"
)

// Clone returns a copy whose slices and node data maps can be mutated
// without touching the receiver.
func (g Graph) Clone() Graph {
	out := g
	out.Nodes = make([]Node, len(g.Nodes))
	for i, node := range g.Nodes {
		out.Nodes[i] = node
		out.Nodes[i].Data.Properties = cloneMap(node.Data.Properties)
		out.Nodes[i].Data.PropertiesSchema = cloneMap(node.Data.PropertiesSchema)
	}
	out.Edges = append([]Edge(nil), g.Edges...)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
