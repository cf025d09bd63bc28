package layers

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/tensor"
)

// base holds what every layer kind shares.
type base struct {
	spec   graph.LayerSpec
	ctx    *Context
	params []*tensor.Blob
}

func newBase(spec *graph.LayerSpec, ctx *Context) base {
	return base{spec: spec.Clone(), ctx: ctx}
}

// Name returns the layer name.
func (b *base) Name() string { return b.spec.Name }

// Type returns the layer type tag.
func (b *base) Type() string { return b.spec.Type }

// Params returns the learnable parameters.
func (b *base) Params() []*tensor.Blob { return b.params }

func (b *base) configErr(param, format string, args ...any) error {
	return &errdefs.ConfigError{Layer: b.spec.Name, Param: param, Details: fmt.Sprintf(format, args...)}
}

func (b *base) shapeErr(blob string, expected, got tensor.Shape, format string, args ...any) error {
	return &errdefs.ShapeError{
		Layer:    b.spec.Name,
		Blob:     blob,
		Expected: expected,
		Got:      got,
		Details:  fmt.Sprintf(format, args...),
	}
}

// checkArity validates the number of inputs and outputs. A negative bound
// means "any".
func (b *base) checkArity(bottom []*tensor.Blob, minIn, maxIn, minOut, maxOut int) error {
	if n := len(bottom); n < minIn || (maxIn >= 0 && n > maxIn) {
		return b.configErr("bottom", "expects %s inputs, got %d", bounds(minIn, maxIn), n)
	}
	if n := len(b.spec.Outputs); n < minOut || (maxOut >= 0 && n > maxOut) {
		return b.configErr("top", "expects %s outputs, got %d", bounds(minOut, maxOut), n)
	}
	return nil
}

func bounds(lo, hi int) string {
	switch {
	case lo == hi:
		return fmt.Sprint(lo)
	case hi < 0:
		return fmt.Sprintf("at least %d", lo)
	default:
		return fmt.Sprintf("%d to %d", lo, hi)
	}
}

// newParam allocates a fixed-count parameter blob named after the layer.
func (b *base) newParam(i int, shape tensor.Shape) *tensor.Blob {
	blob := tensor.NewHostBlob(fmt.Sprintf("%s_param_%d", b.spec.Name, i), shape)
	blob.SetFixed(true)
	return blob
}

// rng returns the layer's random source. The "seed" param fixes it;
// otherwise it is derived from the layer name, so repeated loads of the
// same definition start from the same values.
func (b *base) rng() (*rand.Rand, error) {
	seed, err := b.spec.IntParam("seed", -1)
	if err != nil {
		return nil, err
	}
	s := uint64(seed)
	if seed < 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(b.spec.Name))
		s = h.Sum64()
	}
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15)), nil
}

// filler initialises parameter values.
type filler struct {
	kind     string
	value    float32
	min, max float32
	mean     float32
	std      float32
}

// fillerFromSpec reads the filler configured under prefix (e.g.
// "weight_filler"): the type from prefix itself and its settings from
// prefix_value, prefix_min, prefix_max, prefix_mean and prefix_std.
func (b *base) fillerFromSpec(prefix, defKind string, defValue float64) (filler, error) {
	kind, err := b.spec.StringParam(prefix, defKind)
	if err != nil {
		return filler{}, err
	}
	f := filler{kind: kind}

	read := func(key string, def float64, dst *float32) {
		if err != nil {
			return
		}
		var v float64
		v, err = b.spec.FloatParam(prefix+"_"+key, def)
		*dst = float32(v)
	}
	read("value", defValue, &f.value)
	read("min", 0, &f.min)
	read("max", 1, &f.max)
	read("mean", 0, &f.mean)
	read("std", 1, &f.std)
	if err != nil {
		return filler{}, err
	}

	switch kind {
	case "constant", "uniform", "gaussian", "xavier", "msra":
	default:
		return filler{}, b.configErr(prefix, "unknown filler %q", kind)
	}
	return f, nil
}

// fill writes initial values into blob. fanIn is the number of inputs per
// output unit, used by the xavier and msra fillers.
func (f filler) fill(blob *tensor.Blob, fanIn int, rng *rand.Rand) {
	data := blob.MutableData()
	switch f.kind {
	case "constant":
		for i := range data {
			data[i] = f.value
		}
	case "uniform":
		for i := range data {
			data[i] = f.min + (f.max-f.min)*rng.Float32()
		}
	case "gaussian":
		for i := range data {
			data[i] = f.mean + f.std*float32(rng.NormFloat64())
		}
	case "xavier":
		scale := math32.Sqrt(3 / float32(max(fanIn, 1)))
		for i := range data {
			data[i] = (2*rng.Float32() - 1) * scale
		}
	case "msra":
		std := math32.Sqrt(2 / float32(max(fanIn, 1)))
		for i := range data {
			data[i] = std * float32(rng.NormFloat64())
		}
	}
}

func shapeOf(b *tensor.Blob) tensor.Shape {
	return b.Shape().Clone()
}
