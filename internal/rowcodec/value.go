// Package rowcodec maps rows between their typed in-memory form and the
// self-describing wire form exchanged between node transforms.
//
// A wire cell carries its column name, a content-type tag and the textual
// byte form of the value. The tag, not the bytes, carries numeric width.
package rowcodec

import (
	"fmt"
	"reflect"
)

// ContentType tags the encoding of a cell value.
type ContentType string

const (
	TypeString  ContentType = "string"
	TypeInt32   ContentType = "int32"
	TypeInt64   ContentType = "int64"
	TypeFloat32 ContentType = "float32"
	TypeFloat64 ContentType = "float64"
	TypeBoolean ContentType = "boolean"
	TypeJSON    ContentType = "json"
)

func (c ContentType) Valid() bool {
	switch c {
	case TypeString, TypeInt32, TypeInt64, TypeFloat32, TypeFloat64, TypeBoolean, TypeJSON:
		return true
	default:
		return false
	}
}

// Value is a tagged union holding exactly one supported cell value.
type Value struct {
	kind ContentType
	s    string
	i    int64
	f    float64
	b    bool
	j    any
}

func String(v string) Value   { return Value{kind: TypeString, s: v} }
func Int32(v int32) Value     { return Value{kind: TypeInt32, i: int64(v)} }
func Int64(v int64) Value     { return Value{kind: TypeInt64, i: v} }
func Float32(v float32) Value { return Value{kind: TypeFloat32, f: float64(v)} }
func Float64(v float64) Value { return Value{kind: TypeFloat64, f: v} }
func Bool(v bool) Value       { return Value{kind: TypeBoolean, b: v} }

// JSON wraps a generic structure (maps, slices, scalars or nil).
func JSON(v any) Value { return Value{kind: TypeJSON, j: v} }

func (v Value) Type() ContentType { return v.kind }

func (v Value) IsZero() bool { return v.kind == "" }

func (v Value) Str() (string, bool) { return v.s, v.kind == TypeString }

func (v Value) Int() (int64, bool) {
	return v.i, v.kind == TypeInt32 || v.kind == TypeInt64
}

func (v Value) Float() (float64, bool) {
	return v.f, v.kind == TypeFloat32 || v.kind == TypeFloat64
}

func (v Value) Boolean() (bool, bool) { return v.b, v.kind == TypeBoolean }

// Number returns any numeric variant widened to float64.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case TypeInt32, TypeInt64:
		return float64(v.i), true
	case TypeFloat32, TypeFloat64:
		return v.f, true
	default:
		return 0, false
	}
}

// Interface returns the dynamically typed Go value, keeping numeric width:
// int32, int64, float32 and float64 come back as exactly those types.
func (v Value) Interface() any {
	switch v.kind {
	case TypeString:
		return v.s
	case TypeInt32:
		return int32(v.i)
	case TypeInt64:
		return v.i
	case TypeFloat32:
		return float32(v.f)
	case TypeFloat64:
		return v.f
	case TypeBoolean:
		return v.b
	case TypeJSON:
		return v.j
	default:
		return nil
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.kind, v.Interface())
}

// ValueOf selects the variant for a runtime Go value. Fixed-width integers map
// to int32 or int64, floats to float32 or float64, slices, arrays and
// string-keyed maps to JSON. Anything else is rejected.
func ValueOf(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return JSON(nil), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int8:
		return Int32(int32(t)), nil
	case int16:
		return Int32(int32(t)), nil
	case int32:
		return Int32(t), nil
	case uint8:
		return Int32(int32(t)), nil
	case uint16:
		return Int32(int32(t)), nil
	case int:
		return Int64(int64(t)), nil
	case int64:
		return Int64(t), nil
	case uint32:
		return Int64(int64(t)), nil
	case float32:
		return Float32(t), nil
	case float64:
		return Float64(t), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Value{}, errUnsupported
		}
		return JSON(v), nil
	case reflect.Array:
		return JSON(v), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, errUnsupported
		}
		return JSON(v), nil
	default:
		return Value{}, errUnsupported
	}
}
