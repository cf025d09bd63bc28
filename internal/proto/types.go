// Package proto defines the serializable net schema and its binary and text
// encodings.
//
// Key messages:
//   - NetParameter: a named net with inputs, outputs and layers
//   - LayerParameter: one layer with its wiring, params and weights
//   - ParamEntry: one typed configuration value
//   - BlobProto: a shaped float32 array (trained weights)
//
// Binary files use the protocol buffer wire format with the field numbers
// listed on each type. Text files are YAML.
//
// Example usage:
//
//	np, err := proto.ReadFile("lenet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	def, err := np.ToDefinition()
package proto

import (
	"fmt"

	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
)

// NetParameter is a serialized net.
//
//	1 name, 3 input, 4 output, 100 layer
type NetParameter struct {
	Name   string           `yaml:"name"`
	Input  []InputParameter `yaml:"input,omitempty"`
	Output []string         `yaml:"output,omitempty"`
	Layer  []LayerParameter `yaml:"layer"`
}

// InputParameter declares an external input.
//
//	1 name, 2 shape (packed)
type InputParameter struct {
	Name  string  `yaml:"name"`
	Shape []int64 `yaml:"shape,flow"`
}

// LayerParameter is a serialized layer.
//
//	1 name, 2 type, 3 bottom, 4 top, 5 loss_weight (packed double),
//	6 param, 7 blobs
type LayerParameter struct {
	Name       string       `yaml:"name"`
	Type       string       `yaml:"type"`
	Bottom     []string     `yaml:"bottom,omitempty,flow"`
	Top        []string     `yaml:"top,omitempty,flow"`
	LossWeight []float64    `yaml:"loss_weight,omitempty,flow"`
	Param      []ParamEntry `yaml:"param,omitempty"`
	Blobs      []BlobProto  `yaml:"blobs,omitempty"`
}

// ParamEntry is one typed configuration value. Type names the populated
// field: int, float, string, bool, ints or floats.
//
//	1 key, 2 type (enum), 3 int (sint64), 4 float (double), 5 string,
//	6 bool, 7 ints (packed sint64), 8 floats (packed double)
type ParamEntry struct {
	Key    string    `yaml:"key"`
	Type   string    `yaml:"type,omitempty"`
	Int    *int64    `yaml:"int,omitempty"`
	Float  *float64  `yaml:"float,omitempty"`
	String *string   `yaml:"string,omitempty"`
	Bool   *bool     `yaml:"bool,omitempty"`
	Ints   []int64   `yaml:"ints,omitempty,flow"`
	Floats []float64 `yaml:"floats,omitempty,flow"`
}

// BlobProto is a shaped float32 array.
//
//	1 shape (packed), 2 data (packed float)
type BlobProto struct {
	Shape []int64   `yaml:"shape,flow"`
	Data  []float32 `yaml:"data,flow"`
}

// Param type names, indexed by graph.Kind.
var kindNames = map[graph.Kind]string{
	graph.KindInt:    "int",
	graph.KindFloat:  "float",
	graph.KindString: "string",
	graph.KindBool:   "bool",
	graph.KindInts:   "ints",
	graph.KindFloats: "floats",
}

func kindByName(name string) (graph.Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return graph.KindInvalid, false
}

// NewParamEntry serializes a typed value.
func NewParamEntry(p graph.Param) ParamEntry {
	e := ParamEntry{Key: p.Key, Type: kindNames[p.Value.Kind]}
	v := p.Value
	switch v.Kind {
	case graph.KindInt:
		e.Int = &v.Int
	case graph.KindFloat:
		e.Float = &v.Float
	case graph.KindString:
		e.String = &v.Str
	case graph.KindBool:
		e.Bool = &v.Bool
	case graph.KindInts:
		e.Ints = append([]int64{}, v.Ints...)
	case graph.KindFloats:
		e.Floats = append([]float64{}, v.Floats...)
	}
	return e
}

// kind returns the declared type, or infers it from the populated field.
func (e *ParamEntry) kind() (graph.Kind, error) {
	if e.Type != "" {
		k, ok := kindByName(e.Type)
		if !ok {
			return graph.KindInvalid, fmt.Errorf("param %q: unknown type %q", e.Key, e.Type)
		}
		return k, nil
	}
	switch {
	case e.Int != nil:
		return graph.KindInt, nil
	case e.Float != nil:
		return graph.KindFloat, nil
	case e.String != nil:
		return graph.KindString, nil
	case e.Bool != nil:
		return graph.KindBool, nil
	case e.Ints != nil:
		return graph.KindInts, nil
	case e.Floats != nil:
		return graph.KindFloats, nil
	default:
		return graph.KindInvalid, fmt.Errorf("param %q has no value", e.Key)
	}
}

// Param converts the entry back to a typed value.
func (e *ParamEntry) Param() (graph.Param, error) {
	k, err := e.kind()
	if err != nil {
		return graph.Param{}, err
	}
	v := graph.Value{Kind: k}
	missing := false
	switch k {
	case graph.KindInt:
		missing = e.Int == nil
		if !missing {
			v.Int = *e.Int
		}
	case graph.KindFloat:
		missing = e.Float == nil
		if !missing {
			v.Float = *e.Float
		}
	case graph.KindString:
		missing = e.String == nil
		if !missing {
			v.Str = *e.String
		}
	case graph.KindBool:
		missing = e.Bool == nil
		if !missing {
			v.Bool = *e.Bool
		}
	case graph.KindInts:
		v.Ints = append([]int64{}, e.Ints...)
	case graph.KindFloats:
		v.Floats = append([]float64{}, e.Floats...)
	}
	if missing {
		return graph.Param{}, fmt.Errorf("param %q: type %s but no value", e.Key, e.Type)
	}
	return graph.Param{Key: e.Key, Value: v}, nil
}

// FromDefinition serializes def. Pre-trained blobs are kept only with
// includeWeights.
func FromDefinition(def *graph.Definition, includeWeights bool) *NetParameter {
	np := &NetParameter{
		Name:   def.Name,
		Output: append([]string(nil), def.Outputs...),
	}
	for _, in := range def.Inputs {
		np.Input = append(np.Input, InputParameter{Name: in.Name, Shape: toInt64s(in.Shape)})
	}
	np.Layer = make([]LayerParameter, 0, len(def.Layers))
	for i := range def.Layers {
		np.Layer = append(np.Layer, fromLayerSpec(&def.Layers[i], includeWeights))
	}
	return np
}

func fromLayerSpec(s *graph.LayerSpec, includeWeights bool) LayerParameter {
	lp := LayerParameter{
		Name:       s.Name,
		Type:       s.Type,
		Bottom:     append([]string(nil), s.Inputs...),
		Top:        append([]string(nil), s.Outputs...),
		LossWeight: append([]float64(nil), s.LossWeight...),
	}
	for _, p := range s.Params {
		lp.Param = append(lp.Param, NewParamEntry(p))
	}
	if includeWeights {
		for _, b := range s.Blobs {
			lp.Blobs = append(lp.Blobs, BlobProto{Shape: toInt64s(b.Shape), Data: append([]float32(nil), b.Data...)})
		}
	}
	return lp
}

// ToDefinition converts the message back to a graph definition.
// Malformed params are reported as ConfigErrors.
func (np *NetParameter) ToDefinition() (graph.Definition, error) {
	def := graph.Definition{
		Name:    np.Name,
		Outputs: append([]string(nil), np.Output...),
	}
	for _, in := range np.Input {
		def.Inputs = append(def.Inputs, graph.Input{Name: in.Name, Shape: toInts(in.Shape)})
	}
	for i := range np.Layer {
		lp := &np.Layer[i]
		s := graph.LayerSpec{
			Name:       lp.Name,
			Type:       lp.Type,
			Inputs:     append([]string(nil), lp.Bottom...),
			Outputs:    append([]string(nil), lp.Top...),
			LossWeight: append([]float64(nil), lp.LossWeight...),
		}
		for j := range lp.Param {
			p, err := lp.Param[j].Param()
			if err != nil {
				return graph.Definition{}, &errdefs.ConfigError{Layer: lp.Name, Param: lp.Param[j].Key, Details: err.Error()}
			}
			s.Params = append(s.Params, p)
		}
		for _, b := range lp.Blobs {
			s.Blobs = append(s.Blobs, graph.BlobData{Shape: toInts(b.Shape), Data: append([]float32(nil), b.Data...)})
		}
		def.Layers = append(def.Layers, s)
	}
	return def, nil
}

func toInt64s(xs []int) []int64 {
	if xs == nil {
		return nil
	}
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}

func toInts(xs []int64) []int {
	if xs == nil {
		return nil
	}
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x)
	}
	return out
}
