package layers

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/parallel"
	"github.com/born-ml/caffe/internal/tensor"
)

func testContext(phase Phase) *Context {
	ctx := DefaultContext()
	ctx.Phase = phase
	ctx.Parallel = parallel.Sequential()
	return ctx
}

func spec(name, typ string, nIn, nOut int, params ...graph.Param) *graph.LayerSpec {
	s := &graph.LayerSpec{Name: name, Type: typ, Params: params}
	for i := range nIn {
		s.Inputs = append(s.Inputs, name+"_in"+string(rune('0'+i)))
	}
	for i := range nOut {
		s.Outputs = append(s.Outputs, name+"_out"+string(rune('0'+i)))
	}
	return s
}

func p(key string, v graph.Value) graph.Param {
	return graph.Param{Key: key, Value: v}
}

func blob(t *testing.T, name string, shape tensor.Shape, values ...float32) *tensor.Blob {
	t.Helper()
	b, err := tensor.FromSlice(name, values, shape)
	require.NoError(t, err)
	return b
}

// randomBlob fills a blob with values in ±[0.1, 1.1], away from activation kinks.
func randomBlob(name string, shape tensor.Shape, rng *rand.Rand) *tensor.Blob {
	b := tensor.NewHostBlob(name, shape)
	data := b.MutableData()
	for i := range data {
		v := 0.1 + rng.Float32()
		if rng.IntN(2) == 0 {
			v = -v
		}
		data[i] = v
	}
	return b
}

// setUp runs SetUp and Reshape and allocates the outputs.
func setUp(t *testing.T, l Layer, bottom []*tensor.Blob) []*tensor.Blob {
	t.Helper()
	require.NoError(t, l.SetUp(bottom))
	shapes, err := l.Reshape(bottom)
	require.NoError(t, err)
	top := make([]*tensor.Blob, len(shapes))
	for i, s := range shapes {
		top[i] = tensor.NewHostBlob("top", s)
	}
	return top
}

func create(t *testing.T, s *graph.LayerSpec, phase Phase) Layer {
	t.Helper()
	l, err := NewRegistry().Create(s, testContext(phase))
	require.NoError(t, err)
	return l
}

// checkGradient compares Backward against central differences of
// f = sum(top * g) for a fixed random g.
func checkGradient(t *testing.T, l Layer, bottom []*tensor.Blob, propagate []bool) {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	top := setUp(t, l, bottom)
	require.NoError(t, l.Forward(bottom, top))

	weights := make([][]float32, len(top))
	for i, tb := range top {
		weights[i] = make([]float32, tb.Count())
		for j := range weights[i] {
			weights[i][j] = rng.Float32()*2 - 1
		}
	}
	objective := func() float32 {
		require.NoError(t, l.Forward(bottom, top))
		var f float32
		for i, tb := range top {
			for j, v := range tb.Data() {
				f += v * weights[i][j]
			}
		}
		return f
	}

	for i, tb := range top {
		copy(tb.MutableDiff(), weights[i])
	}
	for _, b := range bottom {
		b.ZeroGrad()
	}
	for _, prm := range l.Params() {
		prm.ZeroGrad()
	}
	require.NoError(t, l.Backward(top, propagate, bottom))

	const step = 1e-2
	check := func(label string, b *tensor.Blob) {
		analytic := append([]float32(nil), b.Diff()...)
		for j := range analytic {
			data := b.MutableData()
			orig := data[j]
			data[j] = orig + step
			plus := objective()
			b.MutableData()[j] = orig - step
			minus := objective()
			b.MutableData()[j] = orig
			numeric := (plus - minus) / (2 * step)
			scale := math32.Max(1, math32.Max(math32.Abs(numeric), math32.Abs(analytic[j])))
			assert.InDelta(t, numeric, analytic[j], float64(2e-2*scale), "%s[%d]", label, j)
		}
	}

	for i, b := range bottom {
		if propagate[i] {
			check("bottom "+b.Name(), b)
		}
	}
	for _, prm := range l.Params() {
		check("param "+prm.Name(), prm)
	}
}

func TestRegistryTypeList(t *testing.T) {
	types := NewRegistry().TypeList()
	assert.Equal(t, []string{
		"DetectionOutput", "Dropout", "Embed", "EuclideanLoss", "InnerProduct", "Input",
		"Normalize2", "ReLU", "Sigmoid", "Softmax", "SoftmaxWithLoss",
		"Split", "TanH",
	}, types)
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := NewRegistry().Create(&graph.LayerSpec{Name: "conv1", Type: "Convolution"}, nil)
	var cfg *errdefs.ConfigError
	require.True(t, errors.As(err, &cfg))
	assert.Equal(t, "conv1", cfg.Layer)
	assert.Equal(t, "type", cfg.Param)
}

func TestRegistryCustomLayer(t *testing.T) {
	r := NewRegistry()
	r.Register("Identity", func(s *graph.LayerSpec, ctx *Context) (Layer, error) {
		return newSplit(s, ctx)
	})
	assert.Contains(t, r.TypeList(), "Identity")
	l, err := r.Create(&graph.LayerSpec{Name: "id", Type: "Identity", Outputs: []string{"y"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "id", l.Name())
}

func TestInputLayer(t *testing.T) {
	s := spec("data", "Input", 0, 2, p("shape", graph.IntsValue(4, 10)), p("shape_1", graph.IntsValue(4)))
	l := create(t, s, Train)
	top := setUp(t, l, nil)
	require.Len(t, top, 2)
	assert.Equal(t, tensor.Shape{4, 10}, top[0].Shape())
	assert.Equal(t, tensor.Shape{4}, top[1].Shape())

	_, err := NewRegistry().Create(spec("bad", "Input", 0, 1), nil)
	var cfg *errdefs.ConfigError
	require.True(t, errors.As(err, &cfg))
}

func TestInnerProductForward(t *testing.T) {
	s := spec("fc", "InnerProduct", 1, 1,
		p("num_output", graph.IntValue(2)),
		p("weight_filler", graph.StringValue("constant")),
		p("weight_filler_value", graph.FloatValue(1)),
		p("bias_filler", graph.StringValue("constant")),
		p("bias_filler_value", graph.FloatValue(0.5)),
	)
	l := create(t, s, Train)
	x := blob(t, "x", tensor.Shape{2, 3}, 1, 2, 3, 4, 5, 6)
	top := setUp(t, l, []*tensor.Blob{x})

	require.Len(t, l.Params(), 2)
	assert.Equal(t, tensor.Shape{2, 3}, l.Params()[0].Shape())
	assert.Equal(t, tensor.Shape{2}, l.Params()[1].Shape())
	assert.Equal(t, tensor.Shape{2, 2}, top[0].Shape())

	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
	assert.Equal(t, []float32{6.5, 6.5, 15.5, 15.5}, top[0].Data())
}

func TestInnerProductAxisFlattening(t *testing.T) {
	s := spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(5)))
	l := create(t, s, Train)
	x := tensor.NewHostBlob("x", tensor.Shape{2, 3, 4})
	top := setUp(t, l, []*tensor.Blob{x})
	assert.Equal(t, tensor.Shape{2, 5}, top[0].Shape())
	assert.Equal(t, tensor.Shape{5, 12}, l.Params()[0].Shape())

	s = spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(5)), p("axis", graph.IntValue(2)))
	l = create(t, s, Train)
	top = setUp(t, l, []*tensor.Blob{x})
	assert.Equal(t, tensor.Shape{2, 3, 5}, top[0].Shape())
}

func TestInnerProductReshapeRejectsNewInputSize(t *testing.T) {
	s := spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(3)))
	l := create(t, s, Train)
	setUp(t, l, []*tensor.Blob{tensor.NewHostBlob("x", tensor.Shape{4, 10})})

	// A new batch size is fine.
	shapes, err := l.Reshape([]*tensor.Blob{tensor.NewHostBlob("x", tensor.Shape{8, 10})})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{8, 3}, shapes[0])

	_, err = l.Reshape([]*tensor.Blob{tensor.NewHostBlob("x", tensor.Shape{4, 11})})
	var shapeErr *errdefs.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "fc", shapeErr.Layer)
}

func TestInnerProductRequiresNumOutput(t *testing.T) {
	_, err := NewRegistry().Create(spec("fc", "InnerProduct", 1, 1), nil)
	var cfg *errdefs.ConfigError
	require.True(t, errors.As(err, &cfg))
	assert.Equal(t, "num_output", cfg.Param)
}

func TestSetUpAllocatesParamsOnce(t *testing.T) {
	s := spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(3)))
	l := create(t, s, Train)
	x := tensor.NewHostBlob("x", tensor.Shape{2, 4})
	require.NoError(t, l.SetUp([]*tensor.Blob{x}))
	w := l.Params()[0]
	w.MutableData()[0] = 42

	require.NoError(t, l.SetUp([]*tensor.Blob{x}))
	assert.Same(t, w, l.Params()[0])
	assert.Equal(t, float32(42), l.Params()[0].Data()[0])
}

func TestReshapeIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cases := []struct {
		spec   *graph.LayerSpec
		bottom []*tensor.Blob
	}{
		{spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(3))), []*tensor.Blob{randomBlob("x", tensor.Shape{4, 10}, rng)}},
		{spec("relu", "ReLU", 1, 1), []*tensor.Blob{randomBlob("x", tensor.Shape{2, 3}, rng)}},
		{spec("prob", "Softmax", 1, 1), []*tensor.Blob{randomBlob("x", tensor.Shape{2, 3}, rng)}},
		{spec("norm", "Normalize2", 1, 1), []*tensor.Blob{randomBlob("x", tensor.Shape{2, 3, 2, 2}, rng)}},
		{spec("loss", "EuclideanLoss", 2, 1), []*tensor.Blob{randomBlob("a", tensor.Shape{4, 2}, rng), randomBlob("b", tensor.Shape{4, 2}, rng)}},
		{spec("emb", "Embed", 1, 1, p("input_dim", graph.IntValue(5)), p("num_output", graph.IntValue(3))), []*tensor.Blob{tensor.NewHostBlob("ids", tensor.Shape{2, 4})}},
	}

	for _, tc := range cases {
		t.Run(tc.spec.Type, func(t *testing.T) {
			l := create(t, tc.spec, Train)
			require.NoError(t, l.SetUp(tc.bottom))
			first, err := l.Reshape(tc.bottom)
			require.NoError(t, err)
			second, err := l.Reshape(tc.bottom)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestActivationsForward(t *testing.T) {
	x := blob(t, "x", tensor.Shape{4}, -2, -0.5, 0.5, 2)

	tests := []struct {
		spec *graph.LayerSpec
		want []float32
	}{
		{spec("relu", "ReLU", 1, 1), []float32{0, 0, 0.5, 2}},
		{spec("leaky", "ReLU", 1, 1, p("negative_slope", graph.FloatValue(0.1))), []float32{-0.2, -0.05, 0.5, 2}},
		{spec("sig", "Sigmoid", 1, 1), []float32{0.11920292, 0.37754068, 0.62245935, 0.880797}},
		{spec("tanh", "TanH", 1, 1), []float32{-0.9640276, -0.46211717, 0.46211717, 0.9640276}},
	}
	for _, tt := range tests {
		t.Run(tt.spec.Name, func(t *testing.T) {
			l := create(t, tt.spec, Train)
			top := setUp(t, l, []*tensor.Blob{x})
			require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
			assert.InDeltaSlice(t, tt.want, top[0].Data(), 1e-5)
		})
	}
	assert.Equal(t, []float32{-2, -0.5, 0.5, 2}, x.Data(), "inputs are not modified")
}

func TestSoftmaxForward(t *testing.T) {
	l := create(t, spec("prob", "Softmax", 1, 1), Train)
	x := blob(t, "x", tensor.Shape{2, 3}, 1, 2, 3, 1, 1, 1)
	top := setUp(t, l, []*tensor.Blob{x})
	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))

	assert.InDeltaSlice(t, []float32{0.09003057, 0.24472847, 0.66524096, 1.0 / 3, 1.0 / 3, 1.0 / 3}, top[0].Data(), 1e-6)
}

func TestSoftmaxWithLossForward(t *testing.T) {
	l := create(t, spec("loss", "SoftmaxWithLoss", 2, 1), Train)
	scores := blob(t, "scores", tensor.Shape{2, 3}, 0, 0, 0, 0, 0, 0)
	labels := blob(t, "labels", tensor.Shape{2}, 0, 2)
	top := setUp(t, l, []*tensor.Blob{scores, labels})
	assert.Equal(t, tensor.Shape{}, top[0].Shape())

	require.NoError(t, l.Forward([]*tensor.Blob{scores, labels}, top))
	assert.InDelta(t, math32.Log(3), top[0].Data()[0], 1e-6)

	_, isLoss := l.(LossLayer)
	assert.True(t, isLoss)
}

func TestSoftmaxWithLossIgnoreLabel(t *testing.T) {
	l := create(t, spec("loss", "SoftmaxWithLoss", 2, 1, p("ignore_label", graph.IntValue(-1))), Train)
	scores := blob(t, "scores", tensor.Shape{2, 2}, 0, 0, 5, -5)
	labels := blob(t, "labels", tensor.Shape{2}, 1, -1)
	top := setUp(t, l, []*tensor.Blob{scores, labels})
	require.NoError(t, l.Forward([]*tensor.Blob{scores, labels}, top))
	assert.InDelta(t, math32.Log(2), top[0].Data()[0], 1e-6)

	top[0].MutableDiff()[0] = 1
	require.NoError(t, l.Backward(top, []bool{true, false}, []*tensor.Blob{scores, labels}))
	assert.InDeltaSlice(t, []float32{0.5, -0.5, 0, 0}, scores.Diff(), 1e-6)
}

func TestSoftmaxWithLossLabelCount(t *testing.T) {
	l := create(t, spec("loss", "SoftmaxWithLoss", 2, 1), Train)
	err := l.SetUp([]*tensor.Blob{
		tensor.NewHostBlob("scores", tensor.Shape{2, 3}),
		tensor.NewHostBlob("labels", tensor.Shape{3}),
	})
	var shapeErr *errdefs.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "labels", shapeErr.Blob)
}

func TestEuclideanLossForward(t *testing.T) {
	l := create(t, spec("loss", "EuclideanLoss", 2, 1), Train)
	a := blob(t, "a", tensor.Shape{2, 2}, 1, 2, 3, 4)
	b := blob(t, "b", tensor.Shape{2, 2}, 1, 1, 1, 1)
	top := setUp(t, l, []*tensor.Blob{a, b})
	require.NoError(t, l.Forward([]*tensor.Blob{a, b}, top))
	// (0 + 1 + 4 + 9) / 2 / 2
	assert.InDelta(t, 3.5, top[0].Data()[0], 1e-6)

	err := l.SetUp([]*tensor.Blob{a, tensor.NewHostBlob("c", tensor.Shape{3})})
	var shapeErr *errdefs.ShapeError
	require.True(t, errors.As(err, &shapeErr))
}

func TestNormalize2Forward(t *testing.T) {
	l := create(t, spec("norm", "Normalize2", 1, 1), Train)
	x := blob(t, "x", tensor.Shape{1, 2, 1, 1}, 3, 4)
	top := setUp(t, l, []*tensor.Blob{x})

	require.Len(t, l.Params(), 1)
	assert.Equal(t, []float32{1}, l.Params()[0].Data(), "scale starts at 1")

	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, top[0].Data(), 1e-6)
}

func TestNormalize2PerChannelScale(t *testing.T) {
	l := create(t, spec("norm", "Normalize2", 1, 1,
		p("across_spatial", graph.BoolValue(false)),
		p("channel_shared", graph.BoolValue(false)),
		p("scale_filler_value", graph.FloatValue(20)),
	), Train)
	x := blob(t, "x", tensor.Shape{1, 2, 1, 2}, 3, 0, 4, 2)
	top := setUp(t, l, []*tensor.Blob{x})
	assert.Equal(t, tensor.Shape{2}, l.Params()[0].Shape())

	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
	assert.InDeltaSlice(t, []float32{12, 0, 16, 20}, top[0].Data(), 1e-4)
}

func TestNormalize2RequiresTwoAxes(t *testing.T) {
	l := create(t, spec("norm", "Normalize2", 1, 1), Train)
	err := l.SetUp([]*tensor.Blob{tensor.NewHostBlob("x", tensor.Shape{4})})
	var shapeErr *errdefs.ShapeError
	require.True(t, errors.As(err, &shapeErr))
}

func TestDropoutPhases(t *testing.T) {
	x := tensor.NewHostBlob("x", tensor.Shape{1000})
	for i := range x.MutableData() {
		x.MutableData()[i] = 1
	}

	l := create(t, spec("drop", "Dropout", 1, 1, p("dropout_ratio", graph.FloatValue(0.5))), Test)
	top := setUp(t, l, []*tensor.Blob{x})
	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
	assert.Equal(t, x.Data(), top[0].Data())

	l = create(t, spec("drop", "Dropout", 1, 1, p("dropout_ratio", graph.FloatValue(0.5))), Train)
	top = setUp(t, l, []*tensor.Blob{x})
	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
	kept := 0
	for _, v := range top[0].Data() {
		if v != 0 {
			assert.Equal(t, float32(2), v)
			kept++
		}
	}
	assert.InDelta(t, 500, kept, 100)

	copy(top[0].MutableDiff(), x.Data())
	require.NoError(t, l.Backward(top, []bool{true}, []*tensor.Blob{x}))
	assert.Equal(t, top[0].Data(), x.Diff(), "gradient follows the mask")
}

func TestEmbedForward(t *testing.T) {
	l := create(t, spec("emb", "Embed", 1, 1,
		p("input_dim", graph.IntValue(3)),
		p("num_output", graph.IntValue(2)),
		p("bias_term", graph.BoolValue(false)),
	), Train)
	ids := blob(t, "ids", tensor.Shape{2}, 2, 0)
	top := setUp(t, l, []*tensor.Blob{ids})
	copy(l.Params()[0].MutableData(), []float32{1, 2, 3, 4, 5, 6})

	require.NoError(t, l.Forward([]*tensor.Blob{ids}, top))
	assert.Equal(t, tensor.Shape{2, 2}, top[0].Shape())
	assert.Equal(t, []float32{5, 6, 1, 2}, top[0].Data())

	copy(top[0].MutableDiff(), []float32{1, 1, 2, 2})
	l.Params()[0].ZeroGrad()
	require.NoError(t, l.Backward(top, []bool{false}, []*tensor.Blob{ids}))
	assert.Equal(t, []float32{2, 2, 0, 0, 1, 1}, l.Params()[0].Diff())

	ids.MutableData()[0] = 3
	require.Error(t, l.Forward([]*tensor.Blob{ids}, top))
}

func TestSplitLayer(t *testing.T) {
	l := create(t, spec("split", "Split", 1, 3), Train)
	x := blob(t, "x", tensor.Shape{2}, 1, 2)
	top := setUp(t, l, []*tensor.Blob{x})
	require.Len(t, top, 3)
	require.NoError(t, l.Forward([]*tensor.Blob{x}, top))
	for _, tb := range top {
		assert.Equal(t, []float32{1, 2}, tb.Data())
	}

	copy(top[0].MutableDiff(), []float32{1, 1})
	copy(top[1].MutableDiff(), []float32{2, 2})
	copy(top[2].MutableDiff(), []float32{3, 4})
	require.NoError(t, l.Backward(top, []bool{true}, []*tensor.Blob{x}))
	assert.Equal(t, []float32{6, 7}, x.Diff())
}

func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	tests := []struct {
		name      string
		spec      *graph.LayerSpec
		bottom    []*tensor.Blob
		propagate []bool
	}{
		{
			name:      "InnerProduct",
			spec:      spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(3)), p("bias_filler", graph.StringValue("gaussian"))),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{2, 4}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "InnerProductTranspose",
			spec:      spec("fc", "InnerProduct", 1, 1, p("num_output", graph.IntValue(3)), p("transpose", graph.BoolValue(true))),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{2, 2, 2}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "ReLU",
			spec:      spec("relu", "ReLU", 1, 1, p("negative_slope", graph.FloatValue(0.01))),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{3, 4}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "Sigmoid",
			spec:      spec("sig", "Sigmoid", 1, 1),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{3, 4}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "TanH",
			spec:      spec("tanh", "TanH", 1, 1),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{3, 4}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "Softmax",
			spec:      spec("prob", "Softmax", 1, 1),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{2, 4}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "Normalize2",
			spec:      spec("norm", "Normalize2", 1, 1),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{2, 3, 2, 1}, rng)},
			propagate: []bool{true},
		},
		{
			name: "Normalize2PerPosition",
			spec: spec("norm", "Normalize2", 1, 1,
				p("across_spatial", graph.BoolValue(false)),
				p("channel_shared", graph.BoolValue(false)),
				p("scale_filler", graph.StringValue("uniform")),
			),
			bottom:    []*tensor.Blob{randomBlob("x", tensor.Shape{2, 3, 2, 1}, rng)},
			propagate: []bool{true},
		},
		{
			name:      "EuclideanLoss",
			spec:      spec("loss", "EuclideanLoss", 2, 1),
			bottom:    []*tensor.Blob{randomBlob("a", tensor.Shape{3, 2}, rng), randomBlob("b", tensor.Shape{3, 2}, rng)},
			propagate: []bool{true, true},
		},
		{
			name:      "SoftmaxWithLoss",
			spec:      spec("loss", "SoftmaxWithLoss", 2, 1),
			bottom:    []*tensor.Blob{randomBlob("scores", tensor.Shape{3, 4}, rng), blob(t, "labels", tensor.Shape{3}, 0, 3, 1)},
			propagate: []bool{true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkGradient(t, create(t, tt.spec, Test), tt.bottom, tt.propagate)
		})
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "TRAIN", Train.String())
	assert.Equal(t, "TEST", Test.String())
}

func detectionSpec(params ...graph.Param) *graph.LayerSpec {
	return spec("detect", "DetectionOutput", 3, 1, append([]graph.Param{p("num_classes", graph.IntValue(2))}, params...)...)
}

// threePriors holds two heavily overlapping priors and a distant one, each
// with variance 0.1.
func threePriors(t *testing.T) *tensor.Blob {
	t.Helper()
	return blob(t, "prior", tensor.Shape{1, 2, 12},
		0, 0, 0.4, 0.4,
		0.05, 0.05, 0.45, 0.45,
		0.6, 0.6, 1, 1,
		0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1,
	)
}

func TestDetectionOutputCorner(t *testing.T) {
	loc := blob(t, "loc", tensor.Shape{1, 12}, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, -1)
	conf := blob(t, "conf", tensor.Shape{1, 6}, 0.1, 0.9, 0.2, 0.8, 0.4, 0.6)
	bottom := []*tensor.Blob{loc, conf, threePriors(t)}

	tests := []struct {
		name   string
		params []graph.Param
		want   []float32
	}{
		{
			// IoU of the first two priors is 0.1225 / 0.1975, so the
			// second is suppressed. The third is shifted by 0.1 * loc.
			name:   "nms",
			params: []graph.Param{p("nms_threshold", graph.FloatValue(0.45)), p("confidence_threshold", graph.FloatValue(0.5))},
			want: []float32{
				0, 1, 0.9, 0, 0, 0.4, 0.4,
				0, 1, 0.6, 0.7, 0.6, 1, 0.9,
			},
		},
		{
			name: "keep top k",
			params: []graph.Param{
				p("nms_threshold", graph.FloatValue(0.45)),
				p("confidence_threshold", graph.FloatValue(0.5)),
				p("keep_top_k", graph.IntValue(1)),
			},
			want: []float32{0, 1, 0.9, 0, 0, 0.4, 0.4},
		},
		{
			name:   "loose nms",
			params: []graph.Param{p("nms_threshold", graph.FloatValue(0.7)), p("confidence_threshold", graph.FloatValue(0.5))},
			want: []float32{
				0, 1, 0.9, 0, 0, 0.4, 0.4,
				0, 1, 0.8, 0.05, 0.05, 0.45, 0.45,
				0, 1, 0.6, 0.7, 0.6, 1, 0.9,
			},
		},
		{
			name:   "top k before nms",
			params: []graph.Param{p("nms_threshold", graph.FloatValue(0.45)), p("top_k", graph.IntValue(1))},
			want:   []float32{0, 1, 0.9, 0, 0, 0.4, 0.4},
		},
		{
			name:   "nothing above threshold",
			params: []graph.Param{p("confidence_threshold", graph.FloatValue(0.95))},
			want:   []float32{0, -1, -1, -1, -1, -1, -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := create(t, detectionSpec(tt.params...), Test)
			top := setUp(t, l, bottom)
			assert.Equal(t, tensor.Shape{1, 1, 1, 7}, top[0].Shape())

			require.NoError(t, l.Forward(bottom, top))
			assert.Equal(t, tensor.Shape{1, 1, len(tt.want) / 7, 7}, top[0].Shape())
			assert.InDeltaSlice(t, tt.want, top[0].Data(), 1e-6)
		})
	}
}

func TestDetectionOutputCenterSizePerClass(t *testing.T) {
	l := create(t, detectionSpec(
		p("share_location", graph.BoolValue(false)),
		p("code_type", graph.StringValue(CodeCenterSize)),
		p("confidence_threshold", graph.FloatValue(0.1)),
	), Test)

	prior := blob(t, "prior", tensor.Shape{1, 2, 4}, 0.2, 0.2, 0.6, 0.6, 0.1, 0.1, 0.2, 0.2)
	// Per image: background box (ignored), then the class 1 box.
	loc := blob(t, "loc", tensor.Shape{2, 8},
		9, 9, 9, 9, 1, 0, math32.Log(2)/0.2, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
	)
	conf := blob(t, "conf", tensor.Shape{2, 2}, 0.3, 0.7, 0.95, 0.05)
	bottom := []*tensor.Blob{loc, conf, prior}
	top := setUp(t, l, bottom)
	require.NoError(t, l.Forward(bottom, top))

	// Center moves by 0.1 * 1 * 0.4, width doubles.
	assert.Equal(t, tensor.Shape{1, 1, 1, 7}, top[0].Shape())
	assert.InDeltaSlice(t, []float32{0, 1, 0.7, 0.04, 0.2, 0.84, 0.6}, top[0].Data(), 1e-5)

	// No detections in either image: one placeholder row per image.
	copy(conf.MutableData(), []float32{0.95, 0.05, 0.95, 0.05})
	shapes, err := l.Reshape(bottom)
	require.NoError(t, err)
	require.NoError(t, top[0].Reshape(shapes[0]))
	require.NoError(t, l.Forward(bottom, top))
	assert.Equal(t, []float32{
		0, -1, -1, -1, -1, -1, -1,
		1, -1, -1, -1, -1, -1, -1,
	}, top[0].Data())
}

func TestDetectionOutputVarianceInTarget(t *testing.T) {
	l := create(t, detectionSpec(
		p("variance_encoded_in_target", graph.BoolValue(true)),
		p("code_type", graph.StringValue(CodeCornerSize)),
	), Test)
	prior := blob(t, "prior", tensor.Shape{1, 2, 4}, 0, 0, 0.5, 0.5, 0.1, 0.1, 0.1, 0.1)
	loc := blob(t, "loc", tensor.Shape{1, 4}, 0.2, 0, 0.2, 0)
	conf := blob(t, "conf", tensor.Shape{1, 2}, 0.4, 0.6)
	bottom := []*tensor.Blob{loc, conf, prior}
	top := setUp(t, l, bottom)
	require.NoError(t, l.Forward(bottom, top))

	// Offsets scale with the prior size, variances are ignored.
	assert.InDeltaSlice(t, []float32{0, 1, 0.6, 0.1, 0, 0.6, 0.5}, top[0].Data(), 1e-6)
}

func TestDetectionOutputErrors(t *testing.T) {
	_, err := NewRegistry().Create(spec("detect", "DetectionOutput", 3, 1), testContext(Test))
	var cfg *errdefs.ConfigError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "num_classes", cfg.Param)

	_, err = NewRegistry().Create(detectionSpec(p("code_type", graph.StringValue("POLAR"))), testContext(Test))
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "code_type", cfg.Param)

	_, err = NewRegistry().Create(detectionSpec(p("eta", graph.FloatValue(0))), testContext(Test))
	require.ErrorAs(t, err, &cfg)

	l := create(t, detectionSpec(), Test)
	loc := blob(t, "loc", tensor.Shape{1, 8}, make([]float32, 8)...)
	conf := blob(t, "conf", tensor.Shape{1, 6}, make([]float32, 6)...)
	bottom := []*tensor.Blob{loc, conf, threePriors(t)}
	require.NoError(t, l.SetUp(bottom))
	_, err = l.Reshape(bottom)
	var se *errdefs.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "detect_in0", se.Blob)

	assert.NoError(t, l.Backward(nil, []bool{false, false, false}, bottom))
	assert.Error(t, l.Backward(nil, []bool{true, false, false}, bottom))
}

func TestJaccard(t *testing.T) {
	a := bbox{0, 0, 0.4, 0.4}
	assert.InDelta(t, 0.1225/0.1975, jaccard(a, bbox{0.05, 0.05, 0.45, 0.45}), 1e-6)
	assert.InDelta(t, 1, jaccard(a, a), 1e-6)
	assert.Zero(t, jaccard(a, bbox{0.5, 0.5, 1, 1}))
	assert.Zero(t, jaccard(a, bbox{0.4, 0, 0.8, 0.4}))
}
