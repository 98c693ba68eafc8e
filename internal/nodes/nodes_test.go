package nodes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/animus-labs/dagflow/internal/domain"
)

type fakeTransform struct {
	desc Descriptor
}

func (f fakeTransform) Descriptor() Descriptor { return f.desc }

func (f fakeTransform) Run(context.Context, *Env) error { return nil }

func limitSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"limit"},
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "minimum": 1},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	cases := []struct {
		name    string
		descs   []Descriptor
		wantErr error
	}{
		{name: "ok", descs: []Descriptor{{Model: "b"}, {Model: "a"}}},
		{name: "duplicate", descs: []Descriptor{{Model: "a"}, {Model: "a"}}, wantErr: ErrDuplicateModel},
		{name: "missing model", descs: []Descriptor{{Model: " "}}},
		{name: "reserved port", descs: []Descriptor{{Model: "a", Outputs: []PortSpec{{Name: domain.ErrorPort}}}}},
		{name: "duplicate port", descs: []Descriptor{{Model: "a", Inputs: []PortSpec{{Name: "in"}, {Name: "in"}}}}},
		{name: "bad schema", descs: []Descriptor{{Model: "a", PropertiesSchema: map[string]any{"type": "nonsense"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transforms := make([]Transform, 0, len(tc.descs))
			for _, d := range tc.descs {
				transforms = append(transforms, fakeTransform{desc: d})
			}
			reg, err := NewRegistry(transforms...)
			if tc.name == "ok" {
				if err != nil {
					t.Fatalf("new registry: %v", err)
				}
				descs := reg.Descriptors()
				if len(descs) != 2 || descs[0].Model != "a" || descs[1].Model != "b" {
					t.Fatalf("unexpected descriptors: %+v", descs)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateProperties(t *testing.T) {
	reg, err := NewRegistry(fakeTransform{desc: Descriptor{Model: "limit", PropertiesSchema: limitSchema()}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.ValidateProperties("limit", map[string]any{"limit": 5}); err != nil {
		t.Fatalf("valid properties rejected: %v", err)
	}

	err = reg.ValidateProperties("limit", map[string]any{})
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) || len(schemaErr.Issues) == 0 {
		t.Fatalf("expected schema error, got %v", err)
	}
	if err := reg.ValidateProperties("limit", map[string]any{"limit": 0}); err == nil {
		t.Fatalf("expected minimum violation")
	}
	if err := reg.ValidateProperties("nope", nil); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestValidateNodeUsesNodeSchema(t *testing.T) {
	reg, err := NewRegistry(fakeTransform{desc: Descriptor{Model: "free"}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	node := domain.Node{ID: "n", Data: domain.NodeData{
		NodeModel:        "free",
		Properties:       map[string]any{"limit": "ten"},
		PropertiesSchema: limitSchema(),
	}}
	var schemaErr *SchemaError
	if err := reg.ValidateNode(node); !errors.As(err, &schemaErr) {
		t.Fatalf("expected schema error, got %v", err)
	}
	node.Data.Properties = map[string]any{"limit": 3}
	if err := reg.ValidateNode(node); err != nil {
		t.Fatalf("validate node: %v", err)
	}
}

func TestFailure(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("wrapped: %w", RetriableError("fetch", cause))
	f, ok := AsFailure(err)
	if !ok || !f.Retriable() {
		t.Fatalf("expected retriable failure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("failure should unwrap to its cause")
	}
	if f.Error() != "fetch: connection reset" {
		t.Fatalf("unexpected message %q", f.Error())
	}
	if term := Terminalf("bad %s", "config"); term.Retriable() || term.Error() != "bad config" {
		t.Fatalf("unexpected terminal failure %v", term)
	}
	if _, ok := AsFailure(cause); ok {
		t.Fatalf("plain errors are not failures")
	}
}

func TestEnvOutputs(t *testing.T) {
	dir := t.TempDir()
	env := NewEnv(EnvConfig{
		Node:       domain.Node{ID: "n", Data: domain.NodeData{Properties: map[string]any{"limit": 2}}},
		Descriptor: Descriptor{Model: "m", Outputs: []PortSpec{{Name: "out"}, {Name: "extra"}}},
		OutputPath: func(port string) string { return filepath.Join(dir, "output."+port+".rows") },
	})
	if _, err := env.Output("undeclared"); !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("expected ErrUnknownPort, got %v", err)
	}
	w1, err := env.Output("out")
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	w2, err := env.Output("out")
	if err != nil || w1 != w2 {
		t.Fatalf("expected the same writer for repeated calls")
	}
	if err := env.OpenOutputs(); err != nil {
		t.Fatalf("open outputs: %v", err)
	}
	if len(env.Writers()) != 2 {
		t.Fatalf("expected 2 writers, got %d", len(env.Writers()))
	}
	if _, err := env.Input("in"); !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}

	var props struct {
		Limit int `json:"limit"`
	}
	if err := env.DecodeProperties(&props); err != nil || props.Limit != 2 {
		t.Fatalf("decode properties: %v %+v", err, props)
	}

	if err := env.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := env.Output("out"); !errors.Is(err, ErrEnvClosed) {
		t.Fatalf("expected ErrEnvClosed, got %v", err)
	}
}
