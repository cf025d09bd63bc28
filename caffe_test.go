package caffe_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffe"
	"github.com/born-ml/caffe/device"
	"github.com/born-ml/caffe/layers"
	"github.com/born-ml/caffe/netspec"
	"github.com/born-ml/caffe/params"
	"github.com/born-ml/caffe/proto"
	"github.com/born-ml/caffe/solver"
	"github.com/born-ml/caffe/tensor"

	"github.com/born-ml/caffe/internal/caffeio"
	"github.com/born-ml/caffe/internal/errdefs"
	"github.com/born-ml/caffe/internal/graph"
)

func hostOptions() []caffe.NetOption {
	ctrl := device.NewController(device.WithProviderFactory(device.HostProviderFactory), device.WithLogger(logr.Discard()))
	return []caffe.NetOption{caffe.WithController(ctrl), caffe.WithLogger(logr.Discard())}
}

func regression() *caffe.NetSpec {
	ns := caffe.NewNetSpec("regression")
	data := ns.Input("data", []int{4, 10})
	target := ns.Input("target", []int{4, 3})
	fc1 := layers.InnerProduct(ns, "fc1", data, 3, params.Seed(1))
	loss := layers.EuclideanLoss(ns, "loss", fc1, target)
	ns.Output(loss)
	return ns
}

func TestVersion(t *testing.T) {
	assert.True(t, strings.HasPrefix(caffe.VersionString(), "caffe "+caffe.Version))
}

func TestLayerTypeList(t *testing.T) {
	assert.Contains(t, caffe.LayerTypeList(), "InnerProduct")
}

func TestSetMode(t *testing.T) {
	t.Cleanup(caffe.SetModeCPU)
	caffe.SetModeGPU(1)
	assert.Equal(t, device.GPU(1), device.Default.Mode())
	caffe.SetDevice(2)
	assert.Equal(t, device.GPU(2), device.Default.Mode())
	caffe.SetModeCPU()
	assert.Equal(t, device.CPU(), device.Default.Mode())
}

func TestTrainRegression(t *testing.T) {
	def := regression().Compile()
	n, err := caffe.NewNet(&def, caffe.TRAIN, hostOptions()...)
	require.NoError(t, err)
	defer n.Release()
	assert.Equal(t, caffe.TRAIN, n.Phase())

	data := make([]float32, 40)
	for i := range data {
		data[i] = float32(i%10) / 10
	}
	require.NoError(t, n.SetInput("data", data, nil))
	require.NoError(t, n.SetInput("target", make([]float32, 12), nil))

	s, err := solver.New(solver.DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	var first, last float32
	for i := range 20 {
		out, err := n.Forward(ctx)
		require.NoError(t, err)
		loss := out["loss"].Data()[0]
		if i == 0 {
			first = loss
		}
		last = loss
		require.NoError(t, n.Backward(ctx))
		require.NoError(t, n.Step(s))
	}
	assert.Less(t, last, first)
	assert.Equal(t, 20, n.Iteration())
}

func TestLoadNetWithWeights(t *testing.T) {
	ns := regression()
	def := ns.Compile()
	src, err := caffe.NewNet(&def, caffe.TEST, hostOptions()...)
	require.NoError(t, err)
	defer src.Release()

	dir := t.TempDir()
	model := filepath.Join(dir, "regression.yaml")
	weights := filepath.Join(dir, "regression.caffemodel")
	require.NoError(t, proto.WriteFile(model, caffe.ToProto(ns)))
	np, err := src.ToProto(true)
	require.NoError(t, err)
	require.NoError(t, proto.WriteFile(weights, np))

	n, err := caffe.LoadNet(model, weights, caffe.TEST, hostOptions()...)
	require.NoError(t, err)
	defer n.Release()
	assert.Equal(t, caffe.TEST, n.Phase())

	want, err := src.Weights()
	require.NoError(t, err)
	got, err := n.Weights()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st := filepath.Join(dir, "regression.safetensors")
	require.NoError(t, caffeio.WriteSafetensors(st, np, nil))
	fromST, err := caffe.LoadNet(model, st, caffe.TEST, hostOptions()...)
	require.NoError(t, err)
	defer fromST.Release()
	got, err = fromST.Weights()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = caffe.LoadNet(filepath.Join(dir, "missing.yaml"), "", caffe.TEST, hostOptions()...)
	require.Error(t, err)
}

func TestDanglingInput(t *testing.T) {
	ns := caffe.NewNetSpec("dangling")
	layers.ReLU(ns, "relu", netspec.Top{Layer: netspec.InputLayer, Name: "missing"})
	def := ns.Compile()
	_, err := caffe.NewNet(&def, caffe.TEST, hostOptions()...)
	var dangling *errdefs.DanglingInputError
	require.True(t, errors.As(err, &dangling))
	assert.Equal(t, "missing", dangling.Blob)
}

// scale multiplies its input by a constant.
type scale struct {
	name   string
	factor float32
}

func (l *scale) Name() string               { return l.name }
func (l *scale) Type() string               { return "TestScale" }
func (l *scale) SetUp([]*tensor.Blob) error { return nil }
func (l *scale) Params() []*tensor.Blob     { return nil }
func (l *scale) Reshape(bottom []*tensor.Blob) ([]tensor.Shape, error) {
	return []tensor.Shape{bottom[0].Shape().Clone()}, nil
}

func (l *scale) Forward(bottom, top []*tensor.Blob) error {
	out := top[0].MutableData()
	for i, v := range bottom[0].Data() {
		out[i] = v * l.factor
	}
	return nil
}

func (l *scale) Backward(top []*tensor.Blob, propagateDown []bool, bottom []*tensor.Blob) error {
	if !propagateDown[0] {
		return nil
	}
	diff := bottom[0].MutableDiff()
	for i, g := range top[0].Diff() {
		diff[i] = g * l.factor
	}
	return nil
}

func TestRegisterLayer(t *testing.T) {
	caffe.RegisterLayer("TestScale", func(spec *graph.LayerSpec, _ *layers.Context) (caffe.Layer, error) {
		f, err := spec.FloatParam("factor", 1)
		if err != nil {
			return nil, err
		}
		return &scale{name: spec.Name, factor: float32(f)}, nil
	})
	assert.Contains(t, caffe.LayerTypeList(), "TestScale")

	ns := caffe.NewNetSpec("custom")
	x := ns.Input("x", []int{3})
	y := ns.AddLayer("triple", "TestScale", []string{x.String()}, params.Float("factor", 3))
	ns.Output(y)
	def := ns.Compile()

	n, err := caffe.NewNet(&def, caffe.TEST, hostOptions()...)
	require.NoError(t, err)
	defer n.Release()
	require.NoError(t, n.SetInput("x", []float32{1, 2, 3}, nil))
	out, err := n.Forward(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 6, 9}, out["triple"].Data())
}
