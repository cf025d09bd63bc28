package layers

import (
	"math/rand/v2"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// Dropout zeroes a random dropout_ratio (default 0.5) of its input during
// TRAIN and scales the survivors by 1 / (1 - ratio). In TEST it passes the
// input through unchanged.
type Dropout struct {
	base
	ratio float32
	rand  *rand.Rand
	mask  []bool
}

func newDropout(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &Dropout{base: newBase(spec, ctx)}
	ratio, err := spec.FloatParam("dropout_ratio", 0.5)
	if err != nil {
		return nil, err
	}
	if ratio < 0 || ratio >= 1 {
		return nil, l.configErr("dropout_ratio", "must be in [0, 1), got %g", ratio)
	}
	l.ratio = float32(ratio)
	if l.rand, err = l.rng(); err != nil {
		return nil, err
	}
	return l, nil
}

// SetUp requires one input.
func (l *Dropout) SetUp(bottom []*tensor.Blob) error {
	return l.checkArity(bottom, 1, 1, 1, 1)
}

// Reshape keeps the input shape.
func (l *Dropout) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	return []tensor.Shape{shapeOf(bottom[0])}, nil
}

func (l *Dropout) training() bool {
	return l.ctx.Phase == Train && l.ratio > 0
}

// Forward samples a new mask in TRAIN and applies it.
func (l *Dropout) Forward(bottom, top []*tensor.Blob) error {
	x := bottom[0].Data()
	y := top[0].MutableData()
	if !l.training() {
		copy(y, x)
		return nil
	}

	if cap(l.mask) < len(x) {
		l.mask = make([]bool, len(x))
	}
	l.mask = l.mask[:len(x)]
	scale := 1 / (1 - l.ratio)
	for i, v := range x {
		l.mask[i] = l.rand.Float32() >= l.ratio
		if l.mask[i] {
			y[i] = v * scale
		} else {
			y[i] = 0
		}
	}
	return nil
}

// Backward routes gradients through the kept elements.
func (l *Dropout) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	dy := top[0].Diff()
	dx := bottom[0].MutableDiff()
	if !l.training() {
		copy(dx, dy)
		return nil
	}
	scale := 1 / (1 - l.ratio)
	for i, g := range dy {
		if l.mask[i] {
			dx[i] = g * scale
		} else {
			dx[i] = 0
		}
	}
	return nil
}
