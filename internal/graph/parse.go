package graph

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/dagflow/internal/domain"
)

// Parse decodes a graph file. YAML is accepted, and therefore JSON as well.
// Unknown fields are rejected.
func Parse(raw []byte) (domain.Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var g domain.Graph
	if err := dec.Decode(&g); err != nil {
		return domain.Graph{}, fmt.Errorf("decode graph: %w", err)
	}
	return g, nil
}
