package builtin

import (
	"context"
	"fmt"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/nodes/expr"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Filter keeps the rows for which its expression is true. Other rows go to
// the rejected port.
type Filter struct{}

type filterProps struct {
	Expression string `json:"expression"`
}

func (Filter) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:   "filter.expression",
		Title:   "Filter rows",
		Inputs:  []nodes.PortSpec{port(portIn)},
		Outputs: []nodes.PortSpec{port(portOut), port(portRejected)},
		PropertiesSchema: map[string]any{
			"type":     "object",
			"required": []any{"expression"},
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "minLength": 1},
			},
		},
		UISchema: map[string]any{
			"expression": map[string]any{"ui:widget": "code"},
		},
	}
}

func (Filter) Run(ctx context.Context, env *nodes.Env) error {
	var props filterProps
	if err := env.DecodeProperties(&props); err != nil {
		return err
	}
	predicate, err := expr.Parse(props.Expression)
	if err != nil {
		return nodes.TerminalError("invalid expression", err)
	}
	in, err := env.Input(portIn)
	if err != nil {
		return nodes.TerminalError("filter", err)
	}
	kept, err := env.Output(portOut)
	if err != nil {
		return err
	}
	rejected, err := env.Output(portRejected)
	if err != nil {
		return err
	}
	return each(ctx, in, func(rec rowcodec.Record) error {
		ok, err := predicate.Bool(rec)
		if err != nil {
			return nodes.TerminalError(fmt.Sprintf("row %d", in.RowNumber()), err)
		}
		if ok {
			return kept.Write(rec)
		}
		return rejected.Write(rec)
	})
}
