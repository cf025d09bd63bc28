// Package graph describes layer graphs and computes their execution order.
//
// A Definition is plain data: the ordered layer specs of a network plus its
// declared external inputs and outputs. Sort orders the layers so every
// tensor is produced before it is consumed; ties are broken by declaration
// order, so identical definitions always execute identically.
package graph

import (
	"fmt"

	"github.com/born-ml/caffe/internal/errdefs"
)

// Input is an external tensor fed by the caller.
type Input struct {
	Name  string
	Shape []int
}

// BlobData holds pre-trained values for one layer parameter.
type BlobData struct {
	Shape []int
	Data  []float32
}

// LayerSpec declares one layer instance.
type LayerSpec struct {
	Name    string   // Unique within the graph
	Type    string   // Registered layer type, e.g. "InnerProduct"
	Inputs  []string // Consumed tensor names, in order
	Outputs []string // Produced tensor names, in order
	Params  []Param  // Configuration, in declaration order

	// LossWeight scales each output's contribution to the net loss.
	// Empty means the layer type's default.
	LossWeight []float64

	// Blobs carries pre-trained parameter values, in Params() order.
	Blobs []BlobData
}

// Definition is a full network description.
type Definition struct {
	Name    string
	Inputs  []Input
	Outputs []string // Declared network outputs; empty means every unconsumed tensor
	Layers  []LayerSpec
}

// Param returns the value stored under key.
func (s *LayerSpec) Param(key string) (Value, bool) {
	for i := range s.Params {
		if s.Params[i].Key == key {
			return s.Params[i].Value, true
		}
	}
	return Value{}, false
}

// SetParam replaces the value under key, appending it if absent.
func (s *LayerSpec) SetParam(key string, v Value) {
	for i := range s.Params {
		if s.Params[i].Key == key {
			s.Params[i].Value = v
			return
		}
	}
	s.Params = append(s.Params, Param{Key: key, Value: v})
}

func (s *LayerSpec) kindError(key string, want Kind, got Value) error {
	return &errdefs.ConfigError{
		Layer:   s.Name,
		Param:   key,
		Details: fmt.Sprintf("expected %s, got %s %s", want, got.Kind, got),
	}
}

// IntParam returns the integer under key, or def when absent.
func (s *LayerSpec) IntParam(key string, def int) (int, error) {
	v, ok := s.Param(key)
	if !ok {
		return def, nil
	}
	if v.Kind != KindInt {
		return 0, s.kindError(key, KindInt, v)
	}
	return int(v.Int), nil
}

// FloatParam returns the float under key, or def when absent.
// Integer values are accepted and converted.
func (s *LayerSpec) FloatParam(key string, def float64) (float64, error) {
	v, ok := s.Param(key)
	if !ok {
		return def, nil
	}
	switch v.Kind {
	case KindFloat:
		return v.Float, nil
	case KindInt:
		return float64(v.Int), nil
	default:
		return 0, s.kindError(key, KindFloat, v)
	}
}

// BoolParam returns the bool under key, or def when absent.
func (s *LayerSpec) BoolParam(key string, def bool) (bool, error) {
	v, ok := s.Param(key)
	if !ok {
		return def, nil
	}
	if v.Kind != KindBool {
		return false, s.kindError(key, KindBool, v)
	}
	return v.Bool, nil
}

// StringParam returns the string under key, or def when absent.
func (s *LayerSpec) StringParam(key, def string) (string, error) {
	v, ok := s.Param(key)
	if !ok {
		return def, nil
	}
	if v.Kind != KindString {
		return "", s.kindError(key, KindString, v)
	}
	return v.Str, nil
}

// IntsParam returns the integer list under key, or nil when absent.
// A single integer is accepted as a one-element list.
func (s *LayerSpec) IntsParam(key string) ([]int, error) {
	v, ok := s.Param(key)
	if !ok {
		return nil, nil
	}
	switch v.Kind {
	case KindInts:
		out := make([]int, len(v.Ints))
		for i, x := range v.Ints {
			out[i] = int(x)
		}
		return out, nil
	case KindInt:
		return []int{int(v.Int)}, nil
	default:
		return nil, s.kindError(key, KindInts, v)
	}
}

// Clone returns a deep copy of the spec.
func (s *LayerSpec) Clone() LayerSpec {
	out := LayerSpec{
		Name:       s.Name,
		Type:       s.Type,
		Inputs:     append([]string(nil), s.Inputs...),
		Outputs:    append([]string(nil), s.Outputs...),
		LossWeight: append([]float64(nil), s.LossWeight...),
	}
	if s.Params != nil {
		out.Params = make([]Param, len(s.Params))
		for i, p := range s.Params {
			out.Params[i] = Param{Key: p.Key, Value: p.Value.Clone()}
		}
	}
	if s.Blobs != nil {
		out.Blobs = make([]BlobData, len(s.Blobs))
		for i, b := range s.Blobs {
			out.Blobs[i] = BlobData{
				Shape: append([]int(nil), b.Shape...),
				Data:  append([]float32(nil), b.Data...),
			}
		}
	}
	return out
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() Definition {
	out := Definition{
		Name:    d.Name,
		Outputs: append([]string(nil), d.Outputs...),
	}
	if d.Inputs != nil {
		out.Inputs = make([]Input, len(d.Inputs))
		for i, in := range d.Inputs {
			out.Inputs[i] = Input{Name: in.Name, Shape: append([]int(nil), in.Shape...)}
		}
	}
	if d.Layers != nil {
		out.Layers = make([]LayerSpec, len(d.Layers))
		for i := range d.Layers {
			out.Layers[i] = d.Layers[i].Clone()
		}
	}
	return out
}

// Layer returns the spec named name.
func (d *Definition) Layer(name string) (*LayerSpec, bool) {
	for i := range d.Layers {
		if d.Layers[i].Name == name {
			return &d.Layers[i], true
		}
	}
	return nil, false
}
