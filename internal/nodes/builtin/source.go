package builtin

import (
	"context"
	"fmt"
	"sort"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Static emits the rows listed in its properties.
type Static struct{}

type staticProps struct {
	Rows []map[string]any `json:"rows"`
}

func (Static) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:   "source.static",
		Title:   "Static rows",
		Outputs: []nodes.PortSpec{port(portOut)},
		PropertiesSchema: map[string]any{
			"type":     "object",
			"required": []any{"rows"},
			"properties": map[string]any{
				"rows": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "object"},
				},
			},
		},
		UISchema: map[string]any{
			"rows": map[string]any{"ui:widget": "table"},
		},
	}
}

func (Static) Run(ctx context.Context, env *nodes.Env) error {
	var props staticProps
	if err := env.DecodeProperties(&props); err != nil {
		return err
	}
	out, err := env.Output(portOut)
	if err != nil {
		return err
	}
	for i, row := range props.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		sort.Strings(names)
		rec := make(rowcodec.Record, 0, len(row))
		for _, name := range names {
			val, err := literal(row[name])
			if err != nil {
				return nodes.TerminalError(fmt.Sprintf("rows[%d].%s", i, name), err)
			}
			rec = append(rec, rowcodec.Field{Name: name, Value: val})
		}
		if err := out.Write(rec); err != nil {
			return nodes.TerminalError(fmt.Sprintf("rows[%d]", i), err)
		}
	}
	return nil
}
