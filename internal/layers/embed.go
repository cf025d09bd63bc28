package layers

import (
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// Embed looks up rows of a learned input_dim x num_output table for each
// integer index in its input. The output shape is the input shape with
// num_output appended.
//
// Params: input_dim, num_output (both required), bias_term (default true),
// weight_filler (default "xavier"), bias_filler (default constant 0).
type Embed struct {
	base
	inputDim  int
	numOutput int
	biasTerm  bool
}

func newEmbed(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &Embed{base: newBase(spec, ctx)}
	var err error
	if l.inputDim, err = spec.IntParam("input_dim", 0); err != nil {
		return nil, err
	}
	if l.inputDim <= 0 {
		return nil, l.configErr("input_dim", "must be positive, got %d", l.inputDim)
	}
	if l.numOutput, err = spec.IntParam("num_output", 0); err != nil {
		return nil, err
	}
	if l.numOutput <= 0 {
		return nil, l.configErr("num_output", "must be positive, got %d", l.numOutput)
	}
	if l.biasTerm, err = spec.BoolParam("bias_term", true); err != nil {
		return nil, err
	}
	return l, nil
}

// SetUp allocates the table (and bias).
func (l *Embed) SetUp(bottom []*tensor.Blob) error {
	if err := l.checkArity(bottom, 1, 1, 1, 1); err != nil {
		return err
	}
	if l.params != nil {
		return nil
	}
	rng, err := l.rng()
	if err != nil {
		return err
	}
	wf, err := l.fillerFromSpec("weight_filler", "xavier", 0)
	if err != nil {
		return err
	}
	table := l.newParam(0, tensor.Shape{l.inputDim, l.numOutput})
	wf.fill(table, l.inputDim, rng)
	l.params = append(l.params, table)

	if l.biasTerm {
		bf, err := l.fillerFromSpec("bias_filler", "constant", 0)
		if err != nil {
			return err
		}
		bias := l.newParam(1, tensor.Shape{l.numOutput})
		bf.fill(bias, 1, rng)
		l.params = append(l.params, bias)
	}
	return nil
}

// Reshape appends num_output to the input shape.
func (l *Embed) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	out := append(shapeOf(bottom[0]), l.numOutput)
	return []tensor.Shape{out}, nil
}

func (l *Embed) index(v float32) (int, error) {
	idx := int(v)
	if float32(idx) != v || idx < 0 || idx >= l.inputDim {
		return 0, errors.Errorf("layer %q: index %g out of range [0, %d)", l.Name(), v, l.inputDim)
	}
	return idx, nil
}

// Forward copies the selected rows.
func (l *Embed) Forward(bottom, top []*tensor.Blob) error {
	table := l.params[0].Data()
	y := top[0].MutableData()
	for n, v := range bottom[0].Data() {
		idx, err := l.index(v)
		if err != nil {
			return err
		}
		row := y[n*l.numOutput : (n+1)*l.numOutput]
		copy(row, table[idx*l.numOutput:(idx+1)*l.numOutput])
		if l.biasTerm {
			for j, b := range l.params[1].Data() {
				row[j] += b
			}
		}
	}
	return nil
}

// Backward accumulates into the selected rows. Indices have no gradient.
func (l *Embed) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if propagateDown[0] {
		return l.configErr("bottom", "cannot backpropagate to index input %q", bottom[0].Name())
	}
	dtable := l.params[0].MutableDiff()
	dy := top[0].Diff()
	for n, v := range bottom[0].Data() {
		idx, err := l.index(v)
		if err != nil {
			return err
		}
		src := dy[n*l.numOutput : (n+1)*l.numOutput]
		dst := dtable[idx*l.numOutput : (idx+1)*l.numOutput]
		for j, g := range src {
			dst[j] += g
		}
		if l.biasTerm {
			db := l.params[1].MutableDiff()
			for j, g := range src {
				db[j] += g
			}
		}
	}
	return nil
}
