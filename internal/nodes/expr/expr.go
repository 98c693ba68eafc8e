// Package expr evaluates HCL expressions against a single row. The row is
// exposed as the object variable "row", so columns are addressed as
// row.amount or row["unit price"].
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/animus-labs/dagflow/internal/rowcodec"
)

var ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

var functions = map[string]function.Function{
	"abs":        stdlib.AbsoluteFunc,
	"ceil":       stdlib.CeilFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"floor":      stdlib.FloorFunc,
	"format":     stdlib.FormatFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"lower":      stdlib.LowerFunc,
	"max":        stdlib.MaxFunc,
	"min":        stdlib.MinFunc,
	"strlen":     stdlib.StrlenFunc,
	"substr":     stdlib.SubstrFunc,
	"upper":      stdlib.UpperFunc,
}

// Expression is a parsed, reusable expression. It holds no per-row state.
type Expression struct {
	src  string
	expr hclsyntax.Expression
}

func Parse(src string) (*Expression, error) {
	parsed, diags := hclsyntax.ParseExpression([]byte(src), "expression", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse expression %q: %s", src, diags.Error())
	}
	return &Expression{src: src, expr: parsed}, nil
}

func (e *Expression) Source() string { return e.src }

// Columns lists, sorted, the row columns the expression references directly.
func (e *Expression) Columns() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, traversal := range e.expr.Variables() {
		if traversal.RootName() != "row" || len(traversal) < 2 {
			continue
		}
		var name string
		switch step := traversal[1].(type) {
		case hcl.TraverseAttr:
			name = step.Name
		case hcl.TraverseIndex:
			if step.Key.Type() == cty.String {
				name = step.Key.AsString()
			}
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Eval evaluates the expression with rec bound to "row".
func (e *Expression) Eval(rec rowcodec.Record) (cty.Value, error) {
	row, err := recordToCty(rec)
	if err != nil {
		return cty.NilVal, err
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"row": row},
		Functions: functions,
	}
	val, diags := e.expr.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("evaluate %q: %s", e.src, diags.Error())
	}
	return val, nil
}

// Bool evaluates a predicate. Null results are false.
func (e *Expression) Bool(rec rowcodec.Record) (bool, error) {
	val, err := e.Eval(rec)
	if err != nil {
		return false, err
	}
	if val.IsNull() {
		return false, nil
	}
	if val.Type() != cty.Bool {
		return false, fmt.Errorf("%w: %q yielded %s", ErrNotBoolean, e.src, val.Type().FriendlyName())
	}
	return val.True(), nil
}

// Value evaluates the expression and converts the result to a cell value.
func (e *Expression) Value(rec rowcodec.Record) (rowcodec.Value, error) {
	val, err := e.Eval(rec)
	if err != nil {
		return rowcodec.Value{}, err
	}
	return FromCty(val)
}

func recordToCty(rec rowcodec.Record) (cty.Value, error) {
	if len(rec) == 0 {
		return cty.EmptyObjectVal, nil
	}
	attrs := make(map[string]cty.Value, len(rec))
	for _, field := range rec {
		val, err := ToCty(field.Value)
		if err != nil {
			return cty.NilVal, fmt.Errorf("column %s: %w", field.Name, err)
		}
		attrs[field.Name] = val
	}
	return cty.ObjectVal(attrs), nil
}

// ToCty converts a cell value to its cty counterpart.
func ToCty(v rowcodec.Value) (cty.Value, error) {
	switch v.Type() {
	case rowcodec.TypeString:
		s, _ := v.Str()
		return cty.StringVal(s), nil
	case rowcodec.TypeInt32, rowcodec.TypeInt64:
		i, _ := v.Int()
		return cty.NumberIntVal(i), nil
	case rowcodec.TypeFloat32, rowcodec.TypeFloat64:
		f, _ := v.Float()
		return numberVal(f), nil
	case rowcodec.TypeBoolean:
		b, _ := v.Boolean()
		return cty.BoolVal(b), nil
	case rowcodec.TypeJSON:
		return nativeToCty(v.Interface())
	default:
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
}

// numberVal maps NaN, which cty numbers cannot hold, to a null number.
func numberVal(f float64) cty.Value {
	if math.IsNaN(f) {
		return cty.NullVal(cty.Number)
	}
	return cty.NumberFloatVal(f)
}

func nativeToCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case float64:
		return numberVal(t), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		items := make([]cty.Value, 0, len(t))
		for _, item := range t {
			val, err := nativeToCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			items = append(items, val)
		}
		return cty.TupleVal(items), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for key, item := range t {
			val, err := nativeToCty(item)
			if err != nil {
				return cty.NilVal, fmt.Errorf("in attribute %q: %w", key, err)
			}
			attrs[key] = val
		}
		return cty.ObjectVal(attrs), nil
	}
	// Typed Go values are reduced to their generic JSON form first.
	raw, err := json.Marshal(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("normalize %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return cty.NilVal, fmt.Errorf("normalize %T: %w", v, err)
	}
	return nativeToCty(generic)
}

// FromCty converts an evaluated cty value to a cell value. Whole numbers that
// fit in 64 bits become int64, other numbers float64, and collections JSON.
func FromCty(v cty.Value) (rowcodec.Value, error) {
	if v.IsNull() {
		return rowcodec.JSON(nil), nil
	}
	if !v.IsKnown() {
		return rowcodec.Value{}, errors.New("expression result is unknown")
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return rowcodec.String(v.AsString()), nil
	case ty == cty.Bool:
		return rowcodec.Bool(v.True()), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return rowcodec.Int64(i), nil
			}
		}
		f, _ := bf.Float64()
		return rowcodec.Float64(f), nil
	default:
		native, err := ctyToNative(v)
		if err != nil {
			return rowcodec.Value{}, err
		}
		return rowcodec.JSON(native), nil
	}
}

func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", ty.FriendlyName())
	}
}
