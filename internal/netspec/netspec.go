// Package netspec builds graph definitions layer by layer.
//
// A NetSpec is an append-only arena. Each added layer yields a Top handle
// (a layer index plus a tensor name) which later layers use as an input.
// Handles are plain values, so a spec never holds references into itself.
//
// Example:
//
//	ns := netspec.New("mlp")
//	data := ns.Input("data", []int{4, 10})
//	fc1 := ns.AddLayer("fc1", "InnerProduct", []string{data.String()}, params.Int("num_output", 3))
//	ns.AddLayer("loss", "EuclideanLoss", []string{fc1.String()})
//	def := ns.Compile()
package netspec

import (
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/proto"
)

// LossWeightKey is the param key AddLayer moves into LayerSpec.LossWeight.
const LossWeightKey = "loss_weight"

// InputLayer is the Top.Layer index of external inputs.
const InputLayer = -1

// Top is a handle to a tensor produced by a NetSpec.
type Top struct {
	Layer int    // Index of the producing layer, InputLayer for external inputs
	Name  string // Tensor name
}

// String returns the tensor name.
func (t Top) String() string {
	return t.Name
}

// NetSpec accumulates a net definition.
type NetSpec struct {
	name    string
	inputs  []graph.Input
	outputs []string
	layers  []graph.LayerSpec
}

// New creates an empty spec.
func New(name string) *NetSpec {
	return &NetSpec{name: name}
}

// Name returns the net name.
func (ns *NetSpec) Name() string {
	return ns.name
}

// Len returns the number of layers added so far.
func (ns *NetSpec) Len() int {
	return len(ns.layers)
}

// Input declares an external input.
func (ns *NetSpec) Input(name string, shape []int) Top {
	ns.inputs = append(ns.inputs, graph.Input{Name: name, Shape: append([]int(nil), shape...)})
	return Top{Layer: InputLayer, Name: name}
}

// AddLayer appends a single-output layer whose output tensor is named after
// the layer.
func (ns *NetSpec) AddLayer(name, typ string, inputs []string, params ...graph.Param) Top {
	return ns.AddLayerN(name, typ, inputs, []string{name}, params...)[0]
}

// AddLayerN appends a layer with the given output tensor names and returns
// one handle per output.
func (ns *NetSpec) AddLayerN(name, typ string, inputs, outputs []string, params ...graph.Param) []Top {
	spec := graph.LayerSpec{
		Name:    name,
		Type:    typ,
		Inputs:  append([]string(nil), inputs...),
		Outputs: append([]string(nil), outputs...),
	}
	for _, p := range params {
		if p.Key == LossWeightKey {
			spec.LossWeight = lossWeights(p.Value)
			continue
		}
		spec.Params = append(spec.Params, graph.Param{Key: p.Key, Value: p.Value.Clone()})
	}
	idx := len(ns.layers)
	ns.layers = append(ns.layers, spec)

	tops := make([]Top, len(outputs))
	for i, out := range outputs {
		tops[i] = Top{Layer: idx, Name: out}
	}
	return tops
}

func lossWeights(v graph.Value) []float64 {
	switch v.Kind {
	case graph.KindFloat:
		return []float64{v.Float}
	case graph.KindInt:
		return []float64{float64(v.Int)}
	case graph.KindFloats:
		return append([]float64(nil), v.Floats...)
	case graph.KindInts:
		out := make([]float64, len(v.Ints))
		for i, x := range v.Ints {
			out[i] = float64(x)
		}
		return out
	}
	return nil
}

// Output declares net outputs. Without declared outputs every tensor that
// no layer consumes is an output.
func (ns *NetSpec) Output(tops ...Top) {
	for _, t := range tops {
		ns.outputs = append(ns.outputs, t.Name)
	}
}

// SetBlobs attaches pre-trained parameter values to the layer behind t.
func (ns *NetSpec) SetBlobs(t Top, blobs ...graph.BlobData) error {
	if t.Layer < 0 || t.Layer >= len(ns.layers) {
		return errors.Errorf("netspec %q: no layer at index %d", ns.name, t.Layer)
	}
	spec := &ns.layers[t.Layer]
	spec.Blobs = spec.Blobs[:0]
	for _, b := range blobs {
		spec.Blobs = append(spec.Blobs, graph.BlobData{
			Shape: append([]int(nil), b.Shape...),
			Data:  append([]float32(nil), b.Data...),
		})
	}
	return nil
}

// Compile returns the accumulated definition. It performs no validation;
// dangling inputs and cycles are reported when the definition is loaded.
func (ns *NetSpec) Compile() graph.Definition {
	def := graph.Definition{
		Name:    ns.name,
		Inputs:  ns.inputs,
		Outputs: ns.outputs,
		Layers:  ns.layers,
	}
	return def.Clone()
}

// ToSerializable converts the net spec to its wire message, including any
// attached blobs.
func (ns *NetSpec) ToSerializable() *proto.NetParameter {
	def := ns.Compile()
	return proto.FromDefinition(&def, true)
}

// FromSerializable rebuilds a spec from its wire message.
func FromSerializable(np *proto.NetParameter) (*NetSpec, error) {
	def, err := np.ToDefinition()
	if err != nil {
		return nil, errors.Wrapf(err, "netspec %q", np.Name)
	}
	return FromDefinition(&def), nil
}

// FromDefinition rebuilds a spec from a definition.
func FromDefinition(def *graph.Definition) *NetSpec {
	c := def.Clone()
	return &NetSpec{
		name:    c.Name,
		inputs:  c.Inputs,
		outputs: c.Outputs,
		layers:  c.Layers,
	}
}
