// Package graph holds the immutable model of a graph snapshot and its
// derived adjacency.
package graph

import (
	"sort"
	"sync"

	"github.com/animus-labs/dagflow/internal/domain"
)

// Model wraps one graph snapshot. Derived indices are computed on first use
// and cached for the lifetime of the Model. A Model is safe for concurrent
// use and never mutated after construction.
type Model struct {
	graph domain.Graph

	once     sync.Once
	byID     map[string]domain.Node
	parents  map[string][]domain.Edge
	children map[string][]domain.Edge
	roots    []domain.Node
}

func New(g domain.Graph) *Model {
	return &Model{graph: g.Clone()}
}

// Graph returns a copy of the snapshot.
func (m *Model) Graph() domain.Graph {
	return m.graph.Clone()
}

func (m *Model) index() {
	m.once.Do(func() {
		m.byID = make(map[string]domain.Node, len(m.graph.Nodes))
		for _, node := range m.graph.Nodes {
			if _, dup := m.byID[node.ID]; dup {
				continue
			}
			m.byID[node.ID] = node
		}
		m.parents = make(map[string][]domain.Edge)
		m.children = make(map[string][]domain.Edge)
		for _, edge := range m.graph.Edges {
			m.parents[edge.Target] = append(m.parents[edge.Target], edge)
			m.children[edge.Source] = append(m.children[edge.Source], edge)
		}
		for _, node := range m.graph.Nodes {
			if _, hasParent := m.parents[node.ID]; !hasParent {
				m.roots = append(m.roots, node)
			}
		}
	})
}

// Nodes returns the nodes in declaration order.
func (m *Model) Nodes() []domain.Node {
	return append([]domain.Node(nil), m.graph.Nodes...)
}

func (m *Model) Node(id string) (domain.Node, bool) {
	m.index()
	node, ok := m.byID[id]
	return node, ok
}

// ParentsOf returns the incoming edges of a node.
func (m *Model) ParentsOf(id string) []domain.Edge {
	m.index()
	return append([]domain.Edge(nil), m.parents[id]...)
}

// ChildrenOf returns the outgoing edges of a node.
func (m *Model) ChildrenOf(id string) []domain.Edge {
	m.index()
	return append([]domain.Edge(nil), m.children[id]...)
}

// Roots returns the nodes without incoming edges, in declaration order.
func (m *Model) Roots() []domain.Node {
	m.index()
	return append([]domain.Node(nil), m.roots...)
}

// Levels groups node ids into dependency layers: every node appears in a
// later layer than all of its parents. Ids within a layer are sorted. The
// result is only meaningful for a graph that passed Validate.
func (m *Model) Levels() ([][]string, error) {
	m.index()
	inDegree := make(map[string]int, len(m.byID))
	for id := range m.byID {
		inDegree[id] = 0
	}
	for _, edge := range m.graph.Edges {
		if _, ok := m.byID[edge.Target]; ok {
			inDegree[edge.Target]++
		}
	}

	ready := make([]string, 0, len(inDegree))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var levels [][]string
	visited := 0
	for len(ready) > 0 {
		levels = append(levels, ready)
		visited += len(ready)
		next := make([]string, 0)
		for _, id := range ready {
			for _, edge := range m.children[id] {
				if _, ok := inDegree[edge.Target]; !ok {
					continue
				}
				inDegree[edge.Target]--
				if inDegree[edge.Target] == 0 {
					next = append(next, edge.Target)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}
	if visited != len(m.byID) {
		return nil, ErrCycle
	}
	return levels, nil
}
