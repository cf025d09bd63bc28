package layers

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/parallel"
	"github.com/born-ml/caffe/internal/tensor"
)

// Normalize2 L2-normalises each sample and multiplies by a learned scale.
//
// With across_spatial (default true) one norm is taken over the whole sample;
// otherwise one norm per spatial position, across channels. The scale is a
// single value when channel_shared (default true), else one per channel.
// eps (default 1e-10) keeps the norm away from zero. The scale starts at
// scale_filler_value (default 1).
type Normalize2 struct {
	base
	acrossSpatial bool
	channelShared bool
	eps           float32

	norm []float32 // per sample, or per sample and position
}

func newNormalize2(spec *graph.LayerSpec, ctx *Context) (Layer, error) {
	l := &Normalize2{base: newBase(spec, ctx)}
	var err error
	if l.acrossSpatial, err = spec.BoolParam("across_spatial", true); err != nil {
		return nil, err
	}
	if l.channelShared, err = spec.BoolParam("channel_shared", true); err != nil {
		return nil, err
	}
	eps, err := spec.FloatParam("eps", 1e-10)
	if err != nil {
		return nil, err
	}
	l.eps = float32(eps)
	return l, nil
}

// SetUp requires an input with at least two axes and allocates the scale.
func (l *Normalize2) SetUp(bottom []*tensor.Blob) error {
	if err := l.checkArity(bottom, 1, 1, 1, 1); err != nil {
		return err
	}
	if bottom[0].NumAxes() < 2 {
		return l.shapeErr(bottom[0].Name(), nil, shapeOf(bottom[0]), "input must have at least 2 axes")
	}
	channels := bottom[0].Shape()[1]

	if l.params == nil {
		shape := tensor.Shape{}
		if !l.channelShared {
			shape = tensor.Shape{channels}
		}
		rng, err := l.rng()
		if err != nil {
			return err
		}
		f, err := l.fillerFromSpec("scale_filler", "constant", 1)
		if err != nil {
			return err
		}
		scale := l.newParam(0, shape)
		f.fill(scale, channels, rng)
		l.params = []*tensor.Blob{scale}
	}

	want := 1
	if !l.channelShared {
		want = channels
	}
	if got := l.params[0].Count(); got != want {
		return l.shapeErr(l.params[0].Name(), tensor.Shape{want}, shapeOf(l.params[0]), "scale size inconsistent with channel_shared=%t", l.channelShared)
	}
	return nil
}

// Reshape keeps the input shape.
func (l *Normalize2) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	if bottom[0].NumAxes() < 2 {
		return nil, l.shapeErr(bottom[0].Name(), nil, shapeOf(bottom[0]), "input must have at least 2 axes")
	}
	return []tensor.Shape{shapeOf(bottom[0])}, nil
}

func (l *Normalize2) dims(b *tensor.Blob) (num, channels, spatial int) {
	s := b.Shape()
	return s[0], s[1], s.CountRange(2, len(s))
}

func (l *Normalize2) scaleAt(scale []float32, c int) float32 {
	if l.channelShared {
		return scale[0]
	}
	return scale[c]
}

// Forward computes top = scale * x / ||x||.
func (l *Normalize2) Forward(bottom, top []*tensor.Blob) error {
	num, channels, spatial := l.dims(bottom[0])
	dim := channels * spatial
	x := bottom[0].Data()
	y := top[0].MutableData()
	scale := l.params[0].Data()

	normsPerSample := spatial
	if l.acrossSpatial {
		normsPerSample = 1
	}
	if cap(l.norm) < num*normsPerSample {
		l.norm = make([]float32, num*normsPerSample)
	}
	l.norm = l.norm[:num*normsPerSample]

	parallel.For(num, func(n int) {
		xs := x[n*dim : (n+1)*dim]
		ys := y[n*dim : (n+1)*dim]
		norms := l.norm[n*normsPerSample : (n+1)*normsPerSample]

		if l.acrossSpatial {
			var sum float32
			for _, v := range xs {
				sum += v * v
			}
			norms[0] = math32.Sqrt(sum + l.eps)
			for i, v := range xs {
				ys[i] = v / norms[0]
			}
		} else {
			for p := range spatial {
				sum := l.eps
				for c := range channels {
					v := xs[c*spatial+p]
					sum += v * v
				}
				norms[p] = math32.Sqrt(sum)
			}
			for i, v := range xs {
				ys[i] = v / norms[i%spatial]
			}
		}

		for i := range ys {
			ys[i] *= l.scaleAt(scale, i/spatial)
		}
	}, l.ctx.Parallel)
	return nil
}

// Backward computes the input gradient and accumulates the scale gradient.
//
// For y = s * x / N with N = sqrt(sum(x^2) + eps) over a normalisation group:
//
//	dx = s * dy / N - x * sum(s * dy * x) / N^3
//	ds = sum(dy * x / N)
func (l *Normalize2) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	num, channels, spatial := l.dims(bottom[0])
	dim := channels * spatial
	x := bottom[0].Data()
	dy := top[0].Diff()
	scale := l.params[0].Data()
	dscale := l.params[0].MutableDiff()

	var dx []float32
	if propagateDown[0] {
		dx = bottom[0].MutableDiff()
	}

	normsPerSample := spatial
	if l.acrossSpatial {
		normsPerSample = 1
	}
	groupOf := func(i int) int {
		if l.acrossSpatial {
			return 0
		}
		return i % spatial
	}

	// Scale gradients are accumulated sequentially; samples share them.
	for n := range num {
		xs := x[n*dim : (n+1)*dim]
		dys := dy[n*dim : (n+1)*dim]
		norms := l.norm[n*normsPerSample : (n+1)*normsPerSample]

		for i := range xs {
			g := dys[i] * xs[i] / norms[groupOf(i)]
			if l.channelShared {
				dscale[0] += g
			} else {
				dscale[i/spatial] += g
			}
		}

		if dx == nil {
			continue
		}
		dots := make([]float32, normsPerSample)
		for i := range xs {
			dots[groupOf(i)] += l.scaleAt(scale, i/spatial) * dys[i] * xs[i]
		}
		dxs := dx[n*dim : (n+1)*dim]
		for i := range xs {
			g := groupOf(i)
			nrm := norms[g]
			dxs[i] = l.scaleAt(scale, i/spatial)*dys[i]/nrm - xs[i]*dots[g]/(nrm*nrm*nrm)
		}
	}
	return nil
}
