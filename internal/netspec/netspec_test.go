package netspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/proto"
)

func buildMLP() *NetSpec {
	ns := New("mlp")
	data := ns.Input("data", []int{4, 10})
	label := ns.Input("label", []int{4, 3})
	fc1 := ns.AddLayer("fc1", "InnerProduct", []string{data.String()},
		graph.Param{Key: "num_output", Value: graph.IntValue(3)},
		graph.Param{Key: "weight_filler", Value: graph.StringValue("gaussian")})
	act := ns.AddLayer("act", "TanH", []string{fc1.String()})
	loss := ns.AddLayer("loss", "EuclideanLoss", []string{act.String(), label.String()},
		graph.Param{Key: LossWeightKey, Value: graph.FloatValue(0.5)})
	ns.Output(loss)
	return ns
}

func TestBuilderHandles(t *testing.T) {
	ns := New("n")
	in := ns.Input("x", []int{2})
	assert.Equal(t, Top{Layer: InputLayer, Name: "x"}, in)

	a := ns.AddLayer("a", "ReLU", []string{in.String()})
	assert.Equal(t, Top{Layer: 0, Name: "a"}, a)
	assert.Equal(t, "a", a.String())

	tops := ns.AddLayerN("b", "Split", []string{a.String()}, []string{"b0", "b1"})
	require.Len(t, tops, 2)
	assert.Equal(t, Top{Layer: 1, Name: "b1"}, tops[1])
	assert.Equal(t, 2, ns.Len())
	assert.Equal(t, "n", ns.Name())
}

func TestCompile(t *testing.T) {
	def := buildMLP().Compile()

	assert.Equal(t, "mlp", def.Name)
	assert.Equal(t, []string{"loss"}, def.Outputs)
	require.Len(t, def.Layers, 3)
	assert.Equal(t, []string{"fc1", "act", "loss"}, []string{def.Layers[0].Name, def.Layers[1].Name, def.Layers[2].Name})
	assert.Equal(t, []string{"act", "label"}, def.Layers[2].Inputs)

	// loss_weight is lifted out of the params.
	assert.Equal(t, []float64{0.5}, def.Layers[2].LossWeight)
	assert.Empty(t, def.Layers[2].Params)

	order, err := graph.Validate(&def)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCompileIsACopy(t *testing.T) {
	ns := buildMLP()
	def := ns.Compile()
	def.Layers[0].Name = "changed"
	def.Inputs[0].Shape[0] = 99

	again := ns.Compile()
	assert.Equal(t, "fc1", again.Layers[0].Name)
	assert.Equal(t, 4, again.Inputs[0].Shape[0])
}

func TestCompileDoesNotValidate(t *testing.T) {
	ns := New("dangling")
	ns.AddLayer("fc", "InnerProduct", []string{"missing"}, graph.Param{Key: "num_output", Value: graph.IntValue(2)})

	def := ns.Compile()
	require.Len(t, def.Layers, 1)

	_, err := graph.Validate(&def)
	var dangling *errdefs.DanglingInputError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, "fc", dangling.Layer)
	assert.Equal(t, "missing", dangling.Blob)
}

func TestSerializableRoundTrip(t *testing.T) {
	ns := buildMLP()
	np := ns.ToSerializable()

	data, err := proto.Marshal(np)
	require.NoError(t, err)
	decoded, err := proto.Unmarshal(data)
	require.NoError(t, err)

	back, err := FromSerializable(decoded)
	require.NoError(t, err)
	assert.Equal(t, ns.Compile(), back.Compile())
}

func TestSerializableTextRoundTrip(t *testing.T) {
	ns := buildMLP()
	data, err := proto.MarshalText(ns.ToSerializable())
	require.NoError(t, err)
	decoded, err := proto.UnmarshalText(data)
	require.NoError(t, err)

	back, err := FromSerializable(decoded)
	require.NoError(t, err)
	assert.Equal(t, ns.Compile(), back.Compile())
}

func TestSetBlobs(t *testing.T) {
	ns := buildMLP()
	fc := Top{Layer: 0, Name: "fc1"}
	require.NoError(t, ns.SetBlobs(fc, graph.BlobData{Shape: []int{3, 10}, Data: make([]float32, 30)}))

	def := ns.Compile()
	require.Len(t, def.Layers[0].Blobs, 1)
	assert.Equal(t, []int{3, 10}, def.Layers[0].Blobs[0].Shape)

	np := ns.ToSerializable()
	require.Len(t, np.Layer[0].Blobs, 1)

	assert.Error(t, ns.SetBlobs(Top{Layer: InputLayer, Name: "data"}))
}

func TestLossWeightKinds(t *testing.T) {
	tests := []struct {
		name  string
		value graph.Value
		want  []float64
	}{
		{"float", graph.FloatValue(2), []float64{2}},
		{"int", graph.IntValue(3), []float64{3}},
		{"floats", graph.FloatsValue(1, 0.5), []float64{1, 0.5}},
		{"ints", graph.IntsValue(1, 2), []float64{1, 2}},
		{"string", graph.StringValue("x"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lossWeights(tt.value))
		})
	}
}

func TestFromSerializableBadParam(t *testing.T) {
	np := &proto.NetParameter{
		Name:  "bad",
		Layer: []proto.LayerParameter{{Name: "a", Type: "T", Param: []proto.ParamEntry{{Key: "k"}}}},
	}
	_, err := FromSerializable(np)
	var cfg *errdefs.ConfigError
	assert.ErrorAs(t, err, &cfg)
}
