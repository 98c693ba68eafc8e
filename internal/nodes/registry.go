// Package nodes defines the transform contract and the immutable registry the
// dispatcher resolves node models against.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/animus-labs/dagflow/internal/domain"
)

var (
	ErrUnknownModel   = errors.New("unknown node model")
	ErrDuplicateModel = errors.New("duplicate node model")
)

// PortSpec declares one named port and the content type of its table.
type PortSpec struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
}

// Descriptor is what a transform declares about itself.
type Descriptor struct {
	Model            string         `json:"model"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Inputs           []PortSpec     `json:"inputs"`
	Outputs          []PortSpec     `json:"outputs"`
	PropertiesSchema map[string]any `json:"propertiesSchema,omitempty"`
	UISchema         map[string]any `json:"uiSchema,omitempty"`
}

func (d Descriptor) HasOutput(port string) bool {
	for _, p := range d.Outputs {
		if p.Name == port {
			return true
		}
	}
	return false
}

// Transform is one node implementation. Run pulls rows from env inputs and
// writes rows to env outputs. A returned *Failure states whether the failure
// may be retried; any other error is treated as retriable.
type Transform interface {
	Descriptor() Descriptor
	Run(ctx context.Context, env *Env) error
}

type entry struct {
	transform Transform
	desc      Descriptor
	schema    *openapi3.Schema
}

// Registry maps model identifiers to transforms. It is built once and never
// mutated, so it can be shared across concurrent activities.
type Registry struct {
	entries map[string]entry
	models  []string
}

// NewRegistry registers every transform, compiling property schemas up front.
func NewRegistry(transforms ...Transform) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry, len(transforms))}
	for _, t := range transforms {
		if t == nil {
			return nil, errors.New("nil transform")
		}
		desc := t.Descriptor()
		model := strings.TrimSpace(desc.Model)
		if model == "" {
			return nil, fmt.Errorf("transform %T: model is required", t)
		}
		if _, exists := r.entries[model]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, model)
		}
		if err := checkPorts(desc); err != nil {
			return nil, fmt.Errorf("transform %s: %w", model, err)
		}
		schema, err := compileSchema(desc.PropertiesSchema)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", model, err)
		}
		r.entries[model] = entry{transform: t, desc: desc, schema: schema}
		r.models = append(r.models, model)
	}
	sort.Strings(r.models)
	return r, nil
}

func checkPorts(desc Descriptor) error {
	for _, group := range [][]PortSpec{desc.Inputs, desc.Outputs} {
		seen := make(map[string]struct{}, len(group))
		for _, p := range group {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				return errors.New("port name is required")
			}
			if name == domain.ErrorPort {
				return fmt.Errorf("port name %s is reserved", domain.ErrorPort)
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("duplicate port %s", name)
			}
			seen[name] = struct{}{}
		}
	}
	return nil
}

func (r *Registry) Lookup(model string) (Transform, bool) {
	e, ok := r.entries[model]
	return e.transform, ok
}

func (r *Registry) Descriptor(model string) (Descriptor, bool) {
	e, ok := r.entries[model]
	return e.desc, ok
}

// Descriptors returns every registered descriptor ordered by model.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.models))
	for _, model := range r.models {
		out = append(out, r.entries[model].desc)
	}
	return out
}

// ValidateProperties checks props against the schema registered for model.
func (r *Registry) ValidateProperties(model string, props map[string]any) error {
	e, ok := r.entries[model]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return validate(model, e.schema, props)
}

// ValidateNode checks a node's properties against the registered schema and,
// when the node carries one, its own declared schema.
func (r *Registry) ValidateNode(node domain.Node) error {
	model := node.Data.NodeModel
	if err := r.ValidateProperties(model, node.Data.Properties); err != nil {
		return err
	}
	if len(node.Data.PropertiesSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(node.Data.PropertiesSchema)
	if err != nil {
		return &SchemaError{Model: model, Issues: []string{err.Error()}}
	}
	return validate(model, schema, node.Data.Properties)
}
