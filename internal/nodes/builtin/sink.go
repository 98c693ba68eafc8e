package builtin

import (
	"context"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Collect is a terminal node that republishes its input unchanged.
type Collect struct{}

func (Collect) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:            "sink.collect",
		Title:            "Collect",
		Inputs:           []nodes.PortSpec{port(portIn)},
		Outputs:          []nodes.PortSpec{port(portOut)},
		PropertiesSchema: map[string]any{"type": "object"},
	}
}

func (Collect) Run(ctx context.Context, env *nodes.Env) error {
	in, err := env.Input(portIn)
	if err != nil {
		return nodes.TerminalError("collect", err)
	}
	out, err := env.Output(portOut)
	if err != nil {
		return err
	}
	return each(ctx, in, func(rec rowcodec.Record) error {
		return out.Write(rec)
	})
}
