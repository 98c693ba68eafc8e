package builtin

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Join is an inner equi-join of its left and right inputs. The right input is
// held in memory; left rows stream through. Right columns whose names clash
// with left columns are prefixed.
type Join struct{}

type joinProps struct {
	LeftKey     string `json:"leftKey"`
	RightKey    string `json:"rightKey"`
	RightPrefix string `json:"rightPrefix"`
}

func (Join) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:   "join.inner",
		Title:   "Inner join",
		Inputs:  []nodes.PortSpec{port(portLeft), port(portRight)},
		Outputs: []nodes.PortSpec{port(portOut)},
		PropertiesSchema: map[string]any{
			"type":     "object",
			"required": []any{"leftKey", "rightKey"},
			"properties": map[string]any{
				"leftKey":     map[string]any{"type": "string", "minLength": 1},
				"rightKey":    map[string]any{"type": "string", "minLength": 1},
				"rightPrefix": map[string]any{"type": "string", "default": "right_"},
			},
		},
	}
}

func (Join) Run(ctx context.Context, env *nodes.Env) error {
	var props joinProps
	if err := env.DecodeProperties(&props); err != nil {
		return err
	}
	if props.RightPrefix == "" {
		props.RightPrefix = "right_"
	}
	left, err := env.Input(portLeft)
	if err != nil {
		return nodes.TerminalError("join", err)
	}
	right, err := env.Input(portRight)
	if err != nil {
		return nodes.TerminalError("join", err)
	}
	out, err := env.Output(portOut)
	if err != nil {
		return err
	}

	index := make(map[string][]rowcodec.Record)
	if err := each(ctx, right, func(rec rowcodec.Record) error {
		val, ok := rec.Get(props.RightKey)
		if !ok {
			return nil
		}
		key, ok := joinKey(val)
		if !ok {
			return nil
		}
		index[key] = append(index[key], rec)
		return nil
	}); err != nil {
		return err
	}

	return each(ctx, left, func(rec rowcodec.Record) error {
		val, ok := rec.Get(props.LeftKey)
		if !ok {
			return nil
		}
		key, ok := joinKey(val)
		if !ok {
			return nil
		}
		for _, match := range index[key] {
			merged := append(rowcodec.Record(nil), rec...)
			for _, field := range match {
				name := field.Name
				if _, clash := merged.Get(name); clash {
					name = props.RightPrefix + name
				}
				merged = merged.With(name, field.Value)
			}
			if err := out.Write(merged); err != nil {
				return err
			}
		}
		return nil
	})
}

// joinKey normalizes a key so that numeric widths compare equal. Null keys
// never match.
func joinKey(v rowcodec.Value) (string, bool) {
	if n, ok := v.Number(); ok {
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64), true
	}
	if s, ok := v.Str(); ok {
		return "s:" + s, true
	}
	if b, ok := v.Boolean(); ok {
		return "b:" + strconv.FormatBool(b), true
	}
	if v.Interface() == nil {
		return "", false
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return "", false
	}
	return "j:" + string(raw), true
}
