package layers

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/parallel"
	"github.com/born-ml/caffe/internal/tensor"
)

// registerActivations adds the element-wise activation kinds.
func (r *Registry) registerActivations() {
	r.Register("ReLU", newReLU)
	r.Register("Sigmoid", newSigmoid)
	r.Register("TanH", newTanH)
}

// elementwise is an activation applied independently to every element.
// forward maps x to y; backward maps (x, y, dy) to dx.
type elementwise struct {
	base
	forward  func(x float32) float32
	backward func(x, y, dy float32) float32
}

// SetUp requires one input and one output.
func (l *elementwise) SetUp(bottom []*tensor.Blob) error {
	return l.checkArity(bottom, 1, 1, 1, 1)
}

// Reshape keeps the input shape.
func (l *elementwise) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	return []tensor.Shape{shapeOf(bottom[0])}, nil
}

// Forward applies the activation.
func (l *elementwise) Forward(bottom, top []*tensor.Blob) error {
	x := bottom[0].Data()
	y := top[0].MutableData()
	parallel.Range(len(x), func(start, end int) {
		for i := start; i < end; i++ {
			y[i] = l.forward(x[i])
		}
	}, l.ctx.Parallel)
	return nil
}

// Backward applies the activation derivative.
func (l *elementwise) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	x := bottom[0].Data()
	y := top[0].Data()
	dy := top[0].Diff()
	dx := bottom[0].MutableDiff()
	parallel.Range(len(x), func(start, end int) {
		for i := start; i < end; i++ {
			dx[i] = l.backward(x[i], y[i], dy[i])
		}
	}, l.ctx.Parallel)
	return nil
}

// newReLU creates max(x, 0) + negative_slope * min(x, 0).
func newReLU(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	slope64, err := spec.FloatParam("negative_slope", 0)
	if err != nil {
		return nil, err
	}
	slope := float32(slope64)
	return &elementwise{
		base: newBase(spec, ctx),
		forward: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		backward: func(x, _, dy float32) float32 {
			if x > 0 {
				return dy
			}
			return slope * dy
		},
	}, nil
}

// newSigmoid creates 1 / (1 + exp(-x)).
func newSigmoid(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	return &elementwise{
		base: newBase(spec, ctx),
		forward: func(x float32) float32 {
			return 0.5*math32.Tanh(0.5*x) + 0.5
		},
		backward: func(_, y, dy float32) float32 {
			return dy * y * (1 - y)
		},
	}, nil
}

// newTanH creates tanh(x).
func newTanH(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	return &elementwise{
		base:    newBase(spec, ctx),
		forward: math32.Tanh,
		backward: func(_, y, dy float32) float32 {
			return dy * (1 - y*y)
		},
	}, nil
}
