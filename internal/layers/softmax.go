package layers

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/parallel"
	"github.com/born-ml/caffe/internal/tensor"
)

// Softmax normalises exponentials along axis (default 1).
type Softmax struct {
	base
	axis int
}

func newSoftmax(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	axis, err := spec.IntParam("axis", 1)
	if err != nil {
		return nil, err
	}
	return &Softmax{base: newBase(spec, ctx), axis: axis}, nil
}

// SetUp checks the axis against the input.
func (l *Softmax) SetUp(bottom []*tensor.Blob) error {
	if err := l.checkArity(bottom, 1, 1, 1, 1); err != nil {
		return err
	}
	if _, err := bottom[0].Shape().CanonicalAxis(l.axis); err != nil {
		return l.configErr("axis", "%v", err)
	}
	return nil
}

// Reshape keeps the input shape.
func (l *Softmax) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	return []tensor.Shape{shapeOf(bottom[0])}, nil
}

// softmaxDims splits shape around axis into outer x channels x inner.
func softmaxDims(shape tensor.Shape, axis int) (outer, channels, inner int, err error) {
	a, err := shape.CanonicalAxis(axis)
	if err != nil {
		return 0, 0, 0, err
	}
	return shape.CountRange(0, a), shape[a], shape.CountRange(a+1, len(shape)), nil
}

// softmaxInto writes the softmax of x along the channel axis into y.
func softmaxInto(x, y []float32, outer, channels, inner int, cfg parallel.Config) {
	parallel.ForBatch(outer, inner, func(o, in int) {
		off := o*channels*inner + in
		maxV := x[off]
		for c := 1; c < channels; c++ {
			maxV = math32.Max(maxV, x[off+c*inner])
		}
		var sum float32
		for c := range channels {
			e := math32.Exp(x[off+c*inner] - maxV)
			y[off+c*inner] = e
			sum += e
		}
		for c := range channels {
			y[off+c*inner] /= sum
		}
	}, cfg)
}

// Forward computes the softmax.
func (l *Softmax) Forward(bottom, top []*tensor.Blob) error {
	outer, channels, inner, err := softmaxDims(bottom[0].Shape(), l.axis)
	if err != nil {
		return l.configErr("axis", "%v", err)
	}
	softmaxInto(bottom[0].Data(), top[0].MutableData(), outer, channels, inner, l.ctx.Parallel)
	return nil
}

// Backward computes dx = y * (dy - sum(dy * y)) along the axis.
func (l *Softmax) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	outer, channels, inner, err := softmaxDims(top[0].Shape(), l.axis)
	if err != nil {
		return l.configErr("axis", "%v", err)
	}
	y := top[0].Data()
	dy := top[0].Diff()
	dx := bottom[0].MutableDiff()
	parallel.ForBatch(outer, inner, func(o, in int) {
		off := o*channels*inner + in
		var dot float32
		for c := range channels {
			i := off + c*inner
			dot += dy[i] * y[i]
		}
		for c := range channels {
			i := off + c*inner
			dx[i] = y[i] * (dy[i] - dot)
		}
	}, l.ctx.Parallel)
	return nil
}
