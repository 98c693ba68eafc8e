// Package builtin holds the transforms every dagflow process registers.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/rowcodec"
	"github.com/animus-labs/dagflow/internal/table"
)

const (
	portIn       = "in"
	portOut      = "out"
	portRejected = "rejected"
	portLeft     = "left"
	portRight    = "right"
)

// All returns one instance of every built-in transform.
func All() []nodes.Transform {
	return []nodes.Transform{
		Static{},
		Filter{},
		Compute{},
		Select{},
		Join{},
		Aggregate{},
		Collect{},
	}
}

// Registry builds a registry of the built-ins plus any extra transforms.
func Registry(extra ...nodes.Transform) (*nodes.Registry, error) {
	return nodes.NewRegistry(append(All(), extra...)...)
}

func port(name string) nodes.PortSpec {
	return nodes.PortSpec{Name: name, ContentType: table.ContentType}
}

// each pulls rows from r until it is drained, stopping at the first error.
func each(ctx context.Context, r *table.Reader, fn func(rowcodec.Record) error) error {
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.Record()); err != nil {
			return err
		}
	}
	return r.Err()
}

// literal converts a decoded property value to a cell value. Whole numbers
// become int64 and other numbers float64.
func literal(v any) (rowcodec.Value, error) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return rowcodec.Int64(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return rowcodec.Value{}, fmt.Errorf("number %s: %w", n, err)
		}
		return rowcodec.Float64(f), nil
	}
	return rowcodec.ValueOf(v)
}
