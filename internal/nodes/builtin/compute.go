package builtin

import (
	"context"
	"fmt"
	"sort"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/nodes/expr"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Compute adds or replaces columns with expression results.
type Compute struct{}

type computeProps struct {
	Columns map[string]string `json:"columns"`
}

func (Compute) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:   "compute.expression",
		Title:   "Compute columns",
		Inputs:  []nodes.PortSpec{port(portIn)},
		Outputs: []nodes.PortSpec{port(portOut)},
		PropertiesSchema: map[string]any{
			"type":     "object",
			"required": []any{"columns"},
			"properties": map[string]any{
				"columns": map[string]any{
					"type":                 "object",
					"minProperties":        1,
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
		},
	}
}

type computedColumn struct {
	name string
	expr *expr.Expression
}

func (Compute) Run(ctx context.Context, env *nodes.Env) error {
	var props computeProps
	if err := env.DecodeProperties(&props); err != nil {
		return err
	}
	names := make([]string, 0, len(props.Columns))
	for name := range props.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	columns := make([]computedColumn, 0, len(names))
	for _, name := range names {
		e, err := expr.Parse(props.Columns[name])
		if err != nil {
			return nodes.TerminalError("column "+name, err)
		}
		columns = append(columns, computedColumn{name: name, expr: e})
	}

	in, err := env.Input(portIn)
	if err != nil {
		return nodes.TerminalError("compute", err)
	}
	out, err := env.Output(portOut)
	if err != nil {
		return err
	}
	return each(ctx, in, func(rec rowcodec.Record) error {
		next := rec
		// Expressions see the incoming row, not columns computed alongside them.
		for _, col := range columns {
			val, err := col.expr.Value(rec)
			if err != nil {
				return nodes.TerminalError(fmt.Sprintf("row %d column %s", in.RowNumber(), col.name), err)
			}
			next = next.With(col.name, val)
		}
		return out.Write(next)
	})
}
