package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/dagflow/internal/nodes"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// Aggregate groups rows by key columns and folds the other columns. Groups
// are emitted in first-seen order.
type Aggregate struct{}

type aggregation struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	As     string `json:"as"`
}

type aggregateProps struct {
	GroupBy      []string      `json:"groupBy"`
	Aggregations []aggregation `json:"aggregations"`
}

func (Aggregate) Descriptor() nodes.Descriptor {
	return nodes.Descriptor{
		Model:   "aggregate.group",
		Title:   "Group and aggregate",
		Inputs:  []nodes.PortSpec{port(portIn)},
		Outputs: []nodes.PortSpec{port(portOut)},
		PropertiesSchema: map[string]any{
			"type":     "object",
			"required": []any{"aggregations"},
			"properties": map[string]any{
				"groupBy": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"aggregations": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type":     "object",
						"required": []any{"op"},
						"properties": map[string]any{
							"column": map[string]any{"type": "string"},
							"op": map[string]any{
								"type": "string",
								"enum": []any{"count", "sum", "min", "max", "avg"},
							},
							"as": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
	}
}

func (a aggregation) output() string {
	if a.As != "" {
		return a.As
	}
	if a.Column == "" {
		return a.Op
	}
	return a.Op + "_" + a.Column
}

type accumulator struct {
	count   int64
	seen    int64
	allInts bool
	sumI    int64
	minI    int64
	maxI    int64
	sumF    float64
	minF    float64
	maxF    float64
}

func (acc *accumulator) add(v rowcodec.Value) bool {
	if i, ok := v.Int(); ok {
		if acc.seen == 0 || i < acc.minI {
			acc.minI = i
		}
		if acc.seen == 0 || i > acc.maxI {
			acc.maxI = i
		}
		acc.sumI += i
		acc.observe(float64(i))
		return true
	}
	if f, ok := v.Float(); ok {
		acc.allInts = false
		acc.observe(f)
		return true
	}
	return false
}

func (acc *accumulator) observe(f float64) {
	if acc.seen == 0 || f < acc.minF {
		acc.minF = f
	}
	if acc.seen == 0 || f > acc.maxF {
		acc.maxF = f
	}
	acc.sumF += f
	acc.seen++
}

func (acc *accumulator) result(op string) rowcodec.Value {
	switch op {
	case "count":
		return rowcodec.Int64(acc.count)
	case "avg":
		if acc.seen == 0 {
			return rowcodec.JSON(nil)
		}
		return rowcodec.Float64(acc.sumF / float64(acc.seen))
	}
	if acc.seen == 0 {
		if op == "sum" {
			return rowcodec.Int64(0)
		}
		return rowcodec.JSON(nil)
	}
	if acc.allInts {
		switch op {
		case "min":
			return rowcodec.Int64(acc.minI)
		case "max":
			return rowcodec.Int64(acc.maxI)
		}
		return rowcodec.Int64(acc.sumI)
	}
	switch op {
	case "min":
		return rowcodec.Float64(acc.minF)
	case "max":
		return rowcodec.Float64(acc.maxF)
	}
	return rowcodec.Float64(acc.sumF)
}

type group struct {
	keys rowcodec.Record
	accs []*accumulator
}

func (Aggregate) Run(ctx context.Context, env *nodes.Env) error {
	var props aggregateProps
	if err := env.DecodeProperties(&props); err != nil {
		return err
	}
	for _, agg := range props.Aggregations {
		if agg.Op != "count" && agg.Column == "" {
			return nodes.Terminalf("aggregation %s requires a column", agg.Op)
		}
	}
	in, err := env.Input(portIn)
	if err != nil {
		return nodes.TerminalError("aggregate", err)
	}
	out, err := env.Output(portOut)
	if err != nil {
		return err
	}

	groups := make(map[string]*group)
	var order []string
	err = each(ctx, in, func(rec rowcodec.Record) error {
		keys := make(rowcodec.Record, 0, len(props.GroupBy))
		parts := make([]string, 0, len(props.GroupBy))
		for _, name := range props.GroupBy {
			val, ok := rec.Get(name)
			if !ok {
				val = rowcodec.JSON(nil)
			}
			keys = append(keys, rowcodec.Field{Name: name, Value: val})
			part, ok := joinKey(val)
			if !ok {
				part = "null"
			}
			parts = append(parts, part)
		}
		id := strings.Join(parts, "\x00")
		g, ok := groups[id]
		if !ok {
			g = &group{keys: keys, accs: make([]*accumulator, len(props.Aggregations))}
			for i := range g.accs {
				g.accs[i] = &accumulator{allInts: true}
			}
			groups[id] = g
			order = append(order, id)
		}
		for i, agg := range props.Aggregations {
			acc := g.accs[i]
			if agg.Op == "count" {
				if agg.Column == "" {
					acc.count++
				} else if val, ok := rec.Get(agg.Column); ok && val.Interface() != nil {
					acc.count++
				}
				continue
			}
			val, ok := rec.Get(agg.Column)
			if !ok || val.Interface() == nil {
				continue
			}
			if !acc.add(val) {
				return nodes.Terminalf("row %d: column %s is %s, not numeric", in.RowNumber(), agg.Column, val.Type())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range order {
		g := groups[id]
		rec := append(rowcodec.Record(nil), g.keys...)
		for i, agg := range props.Aggregations {
			rec = rec.With(agg.output(), g.accs[i].result(agg.Op))
		}
		if err := out.Write(rec); err != nil {
			return fmt.Errorf("write group: %w", err)
		}
	}
	return nil
}
