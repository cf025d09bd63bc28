package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffe"
	caffeio "github.com/born-ml/caffe/io"
	"github.com/born-ml/caffe/layers"
	"github.com/born-ml/caffe/proto"
)

func writeModel(t *testing.T) string {
	t.Helper()
	ns := caffe.NewNetSpec("timed")
	data := ns.Input("data", []int{2, 8})
	fc := layers.InnerProduct(ns, "fc", data, 4)
	relu := layers.ReLU(ns, "relu", fc)
	ns.AddLayer("loss", "EuclideanLoss", []string{relu.String()})
	path := filepath.Join(t.TempDir(), "timed.yaml")
	require.NoError(t, proto.WriteFile(path, caffe.ToProto(ns)))
	return path
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(nil, &out))
	assert.Contains(t, out.String(), "Commands:")

	require.Error(t, run([]string{"serve"}, &out))
}

func TestVersionAndLayers(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out))
	assert.Contains(t, out.String(), caffe.Version)

	out.Reset()
	require.NoError(t, run([]string{"layers"}, &out))
	assert.Contains(t, out.String(), "SoftmaxWithLoss\n")
}

func TestConvert(t *testing.T) {
	model := writeModel(t)
	bin := filepath.Join(t.TempDir(), "timed.caffemodel")

	var out bytes.Buffer
	require.NoError(t, run([]string{"convert", "-in", model, "-out", bin}, &out))
	assert.Contains(t, out.String(), "3 layers")

	want, err := proto.ReadFile(model)
	require.NoError(t, err)
	got, err := proto.ReadFile(bin)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.Error(t, run([]string{"convert", "-in", model}, &out))
}

func TestTime(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"time", "-model", writeModel(t), "-iterations", "2"}, &out))
	assert.Contains(t, out.String(), "Average forward-backward")
	assert.Contains(t, out.String(), "relu")

	require.Error(t, run([]string{"time"}, &out))
	require.Error(t, run([]string{"time", "-model", "x.yaml", "-iterations", "0"}, &out))
}

// writeClassifier saves a 3-class net over 3x4x4 images whose class k sums
// channel k, with weights in a separate file.
func writeClassifier(t *testing.T) (model, weights string) {
	t.Helper()
	ns := caffe.NewNetSpec("colors")
	data := ns.Input("data", []int{1, 3, 4, 4})
	fc := layers.InnerProduct(ns, "fc", data, 3)
	layers.Softmax(ns, "prob", fc)
	def := ns.Compile()

	n, err := caffe.NewNet(&def, caffe.TEST)
	require.NoError(t, err)
	defer n.Release()
	params := n.LayerParams("fc")
	require.Len(t, params, 2)
	w := params[0].MutableData()
	clear(w)
	for k := range 3 {
		for i := range 16 {
			w[k*48+k*16+i] = 1
		}
	}
	clear(params[1].MutableData())

	dir := t.TempDir()
	model = filepath.Join(dir, "colors.yaml")
	weights = filepath.Join(dir, "colors.caffemodel")
	require.NoError(t, proto.WriteFile(model, caffe.ToProto(ns)))
	np, err := n.ToProto(true)
	require.NoError(t, err)
	require.NoError(t, proto.WriteFile(weights, np))
	return model, weights
}

func writeSolidPNG(t *testing.T, name string, c color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestClassifyImages(t *testing.T) {
	model, weights := writeClassifier(t)
	red := writeSolidPNG(t, "red.png", color.NRGBA{R: 255, A: 255})
	green := writeSolidPNG(t, "green.png", color.NRGBA{G: 255, A: 255})
	labels := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(labels, []byte("red\ngreen\nblue\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, run([]string{
		"classify", "-model", model, "-weights", weights,
		"-images", red + "," + green, "-labels", labels, "-top", "1",
	}, &out))
	assert.Equal(t, "item 0:\n  1.0000  red\nitem 1:\n  1.0000  green\n", out.String())

	// Swapping to BGR moves red onto the last channel.
	out.Reset()
	require.NoError(t, run([]string{
		"classify", "-model", model, "-weights", weights,
		"-images", red, "-channel_swap", "2,1,0", "-top", "2",
	}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1.0000  2", strings.TrimSpace(lines[1]))

	require.Error(t, run([]string{"classify", "-model", model, "-images", red, "-mean", "1,2"}, &out))
	require.Error(t, run([]string{"classify", "-model", model, "-images", "missing.png"}, &out))
}

func TestClassifyFlags(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, run([]string{"classify", "-images", "a.png"}, &out))
	require.Error(t, run([]string{"classify", "-model", "m.yaml"}, &out))
	require.Error(t, run([]string{"classify", "-model", "m.yaml", "-images", "a.png", "-text", "hi"}, &out))
	require.Error(t, run([]string{"classify", "-model", "m.yaml", "-images", "a.png", "-top", "0"}, &out))
	require.Error(t, run([]string{"classify", "-model", "m.yaml", "-images", "a.png", "-channel_swap", "x"}, &out))
}

func TestClassifyText(t *testing.T) {
	if testing.Short() {
		t.Skip("loads BPE ranks over the network")
	}
	vocab, err := caffeio.VocabSize(caffeio.DefaultEncoding)
	require.NoError(t, err)
	ns := caffe.NewNetSpec("embedder")
	ids := ns.Input("ids", []int{1})
	layers.Embed(ns, "embed", ids, vocab, 2)
	model := filepath.Join(t.TempDir(), "embedder.yaml")
	require.NoError(t, proto.WriteFile(model, caffe.ToProto(ns)))

	want, err := caffeio.TokenIDs("hello world", "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run([]string{"classify", "-model", model, "-text", "hello world", "-top", "2"}, &out))
	assert.Equal(t, len(want), strings.Count(out.String(), "item "))
}
