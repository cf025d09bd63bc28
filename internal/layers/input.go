package layers

import (
	"fmt"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// Input declares externally fed tensors. Its "shape" param gives the shape
// of every output; "shape_<k>" overrides output k. Forward leaves the
// outputs untouched so values set by the caller survive.
type Input struct {
	base
	shapes []tensor.Shape
}

func newInput(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &Input{base: newBase(spec, ctx)}
	shared, err := spec.IntsParam("shape")
	if err != nil {
		return nil, err
	}
	for k := range spec.Outputs {
		dims, err := spec.IntsParam(fmt.Sprintf("shape_%d", k))
		if err != nil {
			return nil, err
		}
		if dims == nil {
			dims = shared
		}
		if dims == nil {
			return nil, l.configErr("shape", "no shape for output %q", spec.Outputs[k])
		}
		s := tensor.Shape(dims)
		if err := s.Validate(); err != nil {
			return nil, l.configErr("shape", "output %q: %v", spec.Outputs[k], err)
		}
		l.shapes = append(l.shapes, s)
	}
	return l, nil
}

// SetUp requires no inputs and at least one output.
func (l *Input) SetUp(bottom []*tensor.Blob) error {
	return l.checkArity(bottom, 0, 0, 1, -1)
}

// Reshape returns the configured shapes.
func (l *Input) Reshape(_ []*tensor.Blob) ([]tensor.Shape, error) {
	out := make([]tensor.Shape, len(l.shapes))
	for i, s := range l.shapes {
		out[i] = s.Clone()
	}
	return out, nil
}

// Forward is a no-op.
func (l *Input) Forward(_, _ []*tensor.Blob) error { return nil }

// Backward is a no-op.
func (l *Input) Backward(_ []*tensor.Blob, _ []bool, _ []*tensor.Blob) error { return nil }

// Split copies one input to several outputs and sums their gradients.
type Split struct {
	base
}

func newSplit(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	return &Split{base: newBase(spec, ctx)}, nil
}

// SetUp requires one input.
func (l *Split) SetUp(bottom []*tensor.Blob) error {
	return l.checkArity(bottom, 1, 1, 1, -1)
}

// Reshape gives every output the input shape.
func (l *Split) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	out := make([]tensor.Shape, len(l.spec.Outputs))
	for i := range out {
		out[i] = shapeOf(bottom[0])
	}
	return out, nil
}

// Forward copies the input into every output.
func (l *Split) Forward(bottom, top []*tensor.Blob) error {
	src := bottom[0].Data()
	for _, t := range top {
		copy(t.MutableData(), src)
	}
	return nil
}

// Backward sums the output gradients.
func (l *Split) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	diff := bottom[0].MutableDiff()
	copy(diff, top[0].Diff())
	for _, t := range top[1:] {
		for i, v := range t.Diff() {
			diff[i] += v
		}
	}
	return nil
}
