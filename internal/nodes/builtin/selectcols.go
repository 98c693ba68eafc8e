package builtin

import (
	"context"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Select projects rows onto a column list, optionally renaming columns.
// Columns missing from a row are left out of that row.
type Select struct{}

type selectProps struct {
	Columns []string          `json:"columns"`
	Rename  map[string]string `json:"rename"`
}

func (Select) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:   "select.columns",
		Title:   "Select columns",
		Inputs:  []nodes.PortSpec{port(portIn)},
		Outputs: []nodes.PortSpec{port(portOut)},
		PropertiesSchema: map[string]any{
			"type":     "object",
			"required": []any{"columns"},
			"properties": map[string]any{
				"columns": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string", "minLength": 1},
				},
				"rename": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func (Select) Run(ctx context.Context, env *nodes.Env) error {
	var props selectProps
	if err := env.DecodeProperties(&props); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(props.Columns))
	for _, name := range props.Columns {
		target := name
		if renamed, ok := props.Rename[name]; ok && renamed != "" {
			target = renamed
		}
		if _, dup := seen[target]; dup {
			return nodes.Terminalf("column %s selected twice", target)
		}
		seen[target] = struct{}{}
	}

	in, err := env.Input(portIn)
	if err != nil {
		return nodes.TerminalError("select", err)
	}
	out, err := env.Output(portOut)
	if err != nil {
		return err
	}
	return each(ctx, in, func(rec rowcodec.Record) error {
		next := make(rowcodec.Record, 0, len(props.Columns))
		for _, name := range props.Columns {
			val, ok := rec.Get(name)
			if !ok {
				continue
			}
			target := name
			if renamed, ok := props.Rename[name]; ok && renamed != "" {
				target = renamed
			}
			next = append(next, rowcodec.Field{Name: target, Value: val})
		}
		return out.Write(next)
	})
}
