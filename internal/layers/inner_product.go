package layers

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// InnerProduct is a fully connected layer. Dimensions from axis onwards are
// flattened into K inputs per sample; the output replaces them with a single
// axis of num_output units.
//
// Params: num_output (required), bias_term (default true), transpose
// (weights stored K x N instead of N x K), axis (default 1),
// weight_filler (default "xavier"), bias_filler (default constant 0).
type InnerProduct struct {
	base
	numOutput int
	biasTerm  bool
	transpose bool
	axis      int

	k int // flattened input size, fixed by SetUp
}

func newInnerProduct(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &InnerProduct{base: newBase(spec, ctx)}
	var err error
	if l.numOutput, err = spec.IntParam("num_output", 0); err != nil {
		return nil, err
	}
	if l.numOutput <= 0 {
		return nil, l.configErr("num_output", "must be positive, got %d", l.numOutput)
	}
	if l.biasTerm, err = spec.BoolParam("bias_term", true); err != nil {
		return nil, err
	}
	if l.transpose, err = spec.BoolParam("transpose", false); err != nil {
		return nil, err
	}
	if l.axis, err = spec.IntParam("axis", 1); err != nil {
		return nil, err
	}
	return l, nil
}

// SetUp fixes K from the input shape and allocates weights (and bias).
func (l *InnerProduct) SetUp(bottom []*tensor.Blob) error {
	if err := l.checkArity(bottom, 1, 1, 1, 1); err != nil {
		return err
	}
	axis, err := bottom[0].Shape().CanonicalAxis(l.axis)
	if err != nil {
		return l.configErr("axis", "%v", err)
	}
	k := bottom[0].CountFrom(axis)

	if l.params != nil {
		if k != l.k {
			return l.shapeErr(bottom[0].Name(), nil, shapeOf(bottom[0]), "input size %d incompatible with %d weights per output", k, l.k)
		}
		return nil
	}
	l.k = k

	weightShape := tensor.Shape{l.numOutput, k}
	if l.transpose {
		weightShape = tensor.Shape{k, l.numOutput}
	}
	rng, err := l.rng()
	if err != nil {
		return err
	}
	wf, err := l.fillerFromSpec("weight_filler", "xavier", 0)
	if err != nil {
		return err
	}
	weights := l.newParam(0, weightShape)
	wf.fill(weights, k, rng)
	l.params = append(l.params, weights)

	if l.biasTerm {
		bf, err := l.fillerFromSpec("bias_filler", "constant", 0)
		if err != nil {
			return err
		}
		bias := l.newParam(1, tensor.Shape{l.numOutput})
		bf.fill(bias, 1, rng)
		l.params = append(l.params, bias)
	}

	l.ctx.Logger.V(2).Info("inner product set up", "layer", l.Name(), "k", k, "n", l.numOutput)
	return nil
}

// Reshape keeps the leading axes and replaces the rest with num_output.
func (l *InnerProduct) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	in := bottom[0].Shape()
	axis, err := in.CanonicalAxis(l.axis)
	if err != nil {
		return nil, l.configErr("axis", "%v", err)
	}
	if k := in.CountRange(axis, len(in)); k != l.k {
		return nil, l.shapeErr(bottom[0].Name(), nil, in.Clone(), "input size %d incompatible with %d weights per output", k, l.k)
	}
	out := make(tensor.Shape, axis+1)
	copy(out, in[:axis])
	out[axis] = l.numOutput
	return []tensor.Shape{out}, nil
}

func (l *InnerProduct) m(bottom *tensor.Blob) int {
	return bottom.Count() / l.k
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// weights returns W as the N x K (or K x N) matrix and the transpose flag
// that turns it into K x N for X * W.
func (l *InnerProduct) weights(data []float32) (blas32.General, blas.Transpose) {
	if l.transpose {
		return general(l.k, l.numOutput, data), blas.NoTrans
	}
	return general(l.numOutput, l.k, data), blas.Trans
}

// Forward computes top = bottom * W^T + bias.
func (l *InnerProduct) Forward(bottom, top []*tensor.Blob) error {
	m := l.m(bottom[0])
	x := general(m, l.k, bottom[0].Data())
	y := general(m, l.numOutput, top[0].MutableData())
	w, tw := l.weights(l.params[0].Data())

	blas32.Gemm(blas.NoTrans, tw, 1, x, w, 0, y)

	if l.biasTerm {
		bias := l.params[1].Data()
		for i := range m {
			row := y.Data[i*l.numOutput : (i+1)*l.numOutput]
			for j, b := range bias {
				row[j] += b
			}
		}
	}
	return nil
}

// Backward accumulates weight and bias gradients and computes the input
// gradient.
func (l *InnerProduct) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	m := l.m(bottom[0])
	dy := general(m, l.numOutput, top[0].Diff())
	x := general(m, l.k, bottom[0].Data())

	if l.transpose {
		// dW (K x N) += X^T * dY
		dw := general(l.k, l.numOutput, l.params[0].MutableDiff())
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, x, dy, 1, dw)
	} else {
		// dW (N x K) += dY^T * X
		dw := general(l.numOutput, l.k, l.params[0].MutableDiff())
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, dy, x, 1, dw)
	}

	if l.biasTerm {
		db := l.params[1].MutableDiff()
		for i := range m {
			for j, v := range dy.Data[i*l.numOutput : (i+1)*l.numOutput] {
				db[j] += v
			}
		}
	}

	if propagateDown[0] {
		dx := general(m, l.k, bottom[0].MutableDiff())
		w := l.params[0].Data()
		if l.transpose {
			// dX = dY * W^T, W is K x N
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, dy, general(l.k, l.numOutput, w), 0, dx)
		} else {
			// dX = dY * W, W is N x K
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dy, general(l.numOutput, l.k, w), 0, dx)
		}
	}
	return nil
}
