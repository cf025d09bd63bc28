package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type held by a Value.
type Kind int

// Value kinds.
const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindInts
	KindFloats
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInts:
		return "ints"
	case KindFloats:
		return "floats"
	default:
		return "invalid"
	}
}

// Value is a typed layer configuration value. Exactly one field matching
// Kind is meaningful.
type Value struct {
	Kind   Kind
	Int    int64
	Float  float64
	Str    string
	Bool   bool
	Ints   []int64
	Floats []float64
}

// IntValue wraps an integer.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue wraps a float.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// BoolValue wraps a bool.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// IntsValue wraps an integer list.
func IntsValue(v ...int64) Value { return Value{Kind: KindInts, Ints: v} }

// FloatsValue wraps a float list.
func FloatsValue(v ...float64) Value { return Value{Kind: KindFloats, Floats: v} }

// Equal reports whether two values have the same kind and contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindInts:
		if len(v.Ints) != len(o.Ints) {
			return false
		}
		for i := range v.Ints {
			if v.Ints[i] != o.Ints[i] {
				return false
			}
		}
		return true
	case KindFloats:
		if len(v.Floats) != len(o.Floats) {
			return false
		}
		for i := range v.Floats {
			if v.Floats[i] != o.Floats[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	out := v
	if v.Ints != nil {
		out.Ints = append([]int64(nil), v.Ints...)
	}
	if v.Floats != nil {
		out.Floats = append([]float64(nil), v.Floats...)
	}
	return out
}

// String formats the value for logs.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInts:
		parts := make([]string, len(v.Ints))
		for i, x := range v.Ints {
			parts[i] = strconv.FormatInt(x, 10)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindFloats:
		parts := make([]string, len(v.Floats))
		for i, x := range v.Floats {
			parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}

// Param is one key/value configuration entry of a layer.
type Param struct {
	Key   string
	Value Value
}
