package layers

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// registerLosses adds the loss kinds.
func (r *Registry) registerLosses() {
	r.Register("EuclideanLoss", newEuclideanLoss)
	r.Register("SoftmaxWithLoss", newSoftmaxWithLoss)
}

// minProb keeps log() finite for zero probabilities.
const minProb = 1.1754944e-38

// lossBase is shared by the loss kinds: a scalar output weighted 1 by default.
type lossBase struct {
	base
}

// IsLoss reports true.
func (l *lossBase) IsLoss() bool { return true }

func scalarShape() []tensor.Shape {
	return []tensor.Shape{{}}
}

// EuclideanLoss computes sum((a - b)^2) / (2 * num), num being the first
// dimension of a. With a single input, b is taken to be zero.
type EuclideanLoss struct {
	lossBase
	residual []float32
}

func newEuclideanLoss(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	return &EuclideanLoss{lossBase: lossBase{newBase(spec, ctx)}}, nil
}

// SetUp requires one or two inputs of equal size.
func (l *EuclideanLoss) SetUp(bottom []*tensor.Blob) error {
	if err := l.checkArity(bottom, 1, 2, 1, 1); err != nil {
		return err
	}
	if len(bottom) == 2 && bottom[0].Count() != bottom[1].Count() {
		return l.shapeErr(bottom[1].Name(), shapeOf(bottom[0]), shapeOf(bottom[1]), "inputs must have the same number of elements")
	}
	return nil
}

// Reshape returns a scalar.
func (l *EuclideanLoss) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	if len(bottom) == 2 && bottom[0].Count() != bottom[1].Count() {
		return nil, l.shapeErr(bottom[1].Name(), shapeOf(bottom[0]), shapeOf(bottom[1]), "inputs must have the same number of elements")
	}
	return scalarShape(), nil
}

func num(b *tensor.Blob) int {
	if b.NumAxes() == 0 {
		return 1
	}
	return b.Shape()[0]
}

// Forward computes the loss and keeps the residual for Backward.
func (l *EuclideanLoss) Forward(bottom, top []*tensor.Blob) error {
	a := bottom[0].Data()
	if cap(l.residual) < len(a) {
		l.residual = make([]float32, len(a))
	}
	l.residual = l.residual[:len(a)]

	var sum float32
	for i, v := range a {
		d := v
		if len(bottom) == 2 {
			d -= bottom[1].Data()[i]
		}
		l.residual[i] = d
		sum += d * d
	}
	top[0].MutableData()[0] = sum / float32(num(bottom[0])) / 2
	return nil
}

// Backward scales the residual by the output gradient.
func (l *EuclideanLoss) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	scale := top[0].Diff()[0] / float32(num(bottom[0]))
	for i, b := range bottom {
		if !propagateDown[i] {
			continue
		}
		sign := float32(1)
		if i == 1 {
			sign = -1
		}
		dx := b.MutableDiff()
		for j, r := range l.residual {
			dx[j] = sign * scale * r
		}
	}
	return nil
}

// Normalization modes of SoftmaxWithLoss.
const (
	normValid     = "valid"      // divide by the number of non-ignored labels
	normBatchSize = "batch_size" // divide by outer count
	normFull      = "full"       // divide by outer x inner
	normNone      = "none"
)

// SoftmaxWithLoss computes the multinomial logistic loss of the softmax of
// its first input against integer class labels in its second input.
//
// Params: axis (default 1), ignore_label (optional), normalization
// ("valid", "batch_size", "full" or "none"; default "valid").
type SoftmaxWithLoss struct {
	lossBase
	axis          int
	ignoreLabel   int
	hasIgnore     bool
	normalization string
	prob          []float32
}

func newSoftmaxWithLoss(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &SoftmaxWithLoss{lossBase: lossBase{newBase(spec, ctx)}}
	var err error
	if l.axis, err = spec.IntParam("axis", 1); err != nil {
		return nil, err
	}
	if _, l.hasIgnore = spec.Param("ignore_label"); l.hasIgnore {
		if l.ignoreLabel, err = spec.IntParam("ignore_label", 0); err != nil {
			return nil, err
		}
	}
	if l.normalization, err = spec.StringParam("normalization", normValid); err != nil {
		return nil, err
	}
	switch l.normalization {
	case normValid, normBatchSize, normFull, normNone:
	default:
		return nil, l.configErr("normalization", "unknown mode %q", l.normalization)
	}
	return l, nil
}

// SetUp requires scores and labels with one label per prediction.
func (l *SoftmaxWithLoss) SetUp(bottom []*tensor.Blob) error {
	if err := l.checkArity(bottom, 2, 2, 1, 1); err != nil {
		return err
	}
	_, err := l.Reshape(bottom)
	return err
}

// Reshape checks the label count and returns a scalar.
func (l *SoftmaxWithLoss) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	outer, _, inner, err := softmaxDims(bottom[0].Shape(), l.axis)
	if err != nil {
		return nil, l.configErr("axis", "%v", err)
	}
	if bottom[1].Count() != outer*inner {
		return nil, l.shapeErr(bottom[1].Name(), tensor.Shape{outer, inner}, shapeOf(bottom[1]),
			"expected %d labels for %d predictions", outer*inner, outer*inner)
	}
	return scalarShape(), nil
}

func (l *SoftmaxWithLoss) normalizer(outer, inner, valid int) float32 {
	var n int
	switch l.normalization {
	case normFull:
		n = outer * inner
	case normBatchSize:
		n = outer
	case normNone:
		n = 1
	default:
		n = valid
	}
	return float32(max(n, 1))
}

// Forward computes the probabilities and the averaged negative log
// likelihood.
func (l *SoftmaxWithLoss) Forward(bottom, top []*tensor.Blob) error {
	outer, channels, inner, err := softmaxDims(bottom[0].Shape(), l.axis)
	if err != nil {
		return l.configErr("axis", "%v", err)
	}
	if cap(l.prob) < bottom[0].Count() {
		l.prob = make([]float32, bottom[0].Count())
	}
	l.prob = l.prob[:bottom[0].Count()]
	softmaxInto(bottom[0].Data(), l.prob, outer, channels, inner, l.ctx.Parallel)

	labels := bottom[1].Data()
	var loss float32
	valid := 0
	for o := range outer {
		for in := range inner {
			label := int(labels[o*inner+in])
			if l.hasIgnore && label == l.ignoreLabel {
				continue
			}
			if label < 0 || label >= channels {
				return errors.Errorf("layer %q: label %d out of range [0, %d)", l.Name(), label, channels)
			}
			p := l.prob[(o*channels+label)*inner+in]
			loss -= math32.Log(math32.Max(p, minProb))
			valid++
		}
	}
	top[0].MutableData()[0] = loss / l.normalizer(outer, inner, valid)
	return nil
}

// Backward computes (prob - onehot(label)) scaled by the output gradient.
func (l *SoftmaxWithLoss) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if propagateDown[1] {
		return l.configErr("bottom", "cannot backpropagate to label input %q", bottom[1].Name())
	}
	if !propagateDown[0] {
		return nil
	}
	outer, channels, inner, err := softmaxDims(bottom[0].Shape(), l.axis)
	if err != nil {
		return l.configErr("axis", "%v", err)
	}

	dx := bottom[0].MutableDiff()
	copy(dx, l.prob)
	labels := bottom[1].Data()
	valid := 0
	for o := range outer {
		for in := range inner {
			label := int(labels[o*inner+in])
			if l.hasIgnore && label == l.ignoreLabel {
				for c := range channels {
					dx[(o*channels+c)*inner+in] = 0
				}
				continue
			}
			dx[(o*channels+label)*inner+in]--
			valid++
		}
	}

	scale := top[0].Diff()[0] / l.normalizer(outer, inner, valid)
	for i := range dx {
		dx[i] *= scale
	}
	return nil
}
