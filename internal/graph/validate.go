package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/dagflow/internal/domain"
)

var ErrCycle = errors.New("graph contains a cycle")

// ValidationError aggregates graph validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "graph validation failed"
	}
	return "graph validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Validate checks node id uniqueness, edge endpoints and handles, and
// acyclicity. Acyclicity is enforced here so that no run can be started
// for a graph whose scheduling would deadlock.
func (m *Model) Validate() error {
	issues := &ValidationError{}

	ids := make(map[string]struct{}, len(m.graph.Nodes))
	for i, node := range m.graph.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("node[%d] id is required", i))
			continue
		}
		if _, exists := ids[id]; exists {
			issues.Add(fmt.Sprintf("duplicate node id %q", id))
		}
		ids[id] = struct{}{}
		if strings.TrimSpace(node.Data.NodeModel) == "" {
			issues.Add(fmt.Sprintf("node[%s] nodeModel is required", id))
		}
	}

	adj := make(map[string][]string, len(ids))
	inbound := make(map[string]string)
	for i, edge := range m.graph.Edges {
		label := edge.ID
		if strings.TrimSpace(label) == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if _, ok := ids[edge.Source]; !ok {
			issues.Add(fmt.Sprintf("edge[%s] source %q not found", label, edge.Source))
			continue
		}
		if _, ok := ids[edge.Target]; !ok {
			issues.Add(fmt.Sprintf("edge[%s] target %q not found", label, edge.Target))
			continue
		}
		if strings.TrimSpace(edge.SourceHandle) == "" || strings.TrimSpace(edge.TargetHandle) == "" {
			issues.Add(fmt.Sprintf("edge[%s] must specify sourceHandle and targetHandle", label))
			continue
		}
		slot := edge.Target + "/" + edge.TargetHandle
		if prev, taken := inbound[slot]; taken {
			issues.Add(fmt.Sprintf("edge[%s] input %q of %q already fed by edge[%s]", label, edge.TargetHandle, edge.Target, prev))
			continue
		}
		inbound[slot] = label
		adj[edge.Source] = append(adj[edge.Source], edge.Target)
	}

	if hasCycle(adj, ids) {
		issues.Add(ErrCycle.Error())
	}
	return issues.OrNil()
}

func hasCycle(adj map[string][]string, nodes map[string]struct{}) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	names := make([]string, 0, len(nodes))
	for node := range nodes {
		names = append(names, node)
	}
	sort.Strings(names)

	state := make(map[string]int, len(nodes))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for _, node := range names {
		if state[node] == unvisited && visit(node) {
			return true
		}
	}
	return false
}

// InputsOf maps each target handle of a node to the edge feeding it.
func (m *Model) InputsOf(id string) map[string]domain.Edge {
	parents := m.ParentsOf(id)
	out := make(map[string]domain.Edge, len(parents))
	for _, edge := range parents {
		out[edge.TargetHandle] = edge
	}
	return out
}
