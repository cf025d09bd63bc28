package io_test

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffe/io"
	"github.com/born-ml/caffe/proto"
	"github.com/born-ml/caffe/tensor"
)

func TestImagePipeline(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for y := range 2 {
		for x := range 4 {
			src.Set(x, y, color.NRGBA{R: 255, G: 0, B: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "magenta.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	im, err := io.LoadImage(path, true)
	require.NoError(t, err)
	assert.Equal(t, 2, im.Height)
	assert.Equal(t, 4, im.Width)

	small, err := io.ResizeImage(im, 1, 2, io.Nearest)
	require.NoError(t, err)
	b, err := io.ImageToBlob("data", small)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 1, 2}, b.Shape())
	assert.InDeltaSlice(t, []float32{1, 1, 0, 0, 1, 1}, b.Data(), 1e-6)

	tr, err := io.NewTransformer(tensor.Shape{1, 3, 1, 2})
	require.NoError(t, err)
	require.NoError(t, tr.SetTranspose([]int{2, 0, 1}))
	require.NoError(t, tr.SetChannelSwap([]int{2, 1, 0}))
	tr.SetRawScale(255)
	require.NoError(t, tr.SetMean([]float32{128}))
	values, err := tr.Preprocess(im)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{127, 127, -128, -128, 127, 127}, values, 1e-2)
}

func TestBlobProtoAndSafetensors(t *testing.T) {
	bp, err := io.ArrayToBlobProto([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	require.NoError(t, err)
	values, shape, err := io.BlobProtoToArray(&bp)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)

	np := &proto.NetParameter{Layer: []proto.LayerParameter{{Name: "fc", Blobs: []proto.BlobProto{bp}}}}
	path := filepath.Join(t.TempDir(), "fc.safetensors")
	require.NoError(t, io.WriteSafetensors(path, np, nil))
	got, err := io.ReadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, got.Layer, 1)
	assert.Equal(t, np.Layer[0].Blobs, got.Layer[0].Blobs)

	_, err = io.ArrayToBlobProto([]float32{1}, tensor.Shape{2})
	assert.Error(t, err)
}

func TestTokens(t *testing.T) {
	n, err := io.VocabSize(io.DefaultEncoding)
	require.NoError(t, err)
	assert.Equal(t, 100277, n)

	if testing.Short() {
		t.Skip("loads BPE ranks over the network")
	}
	b, err := io.TokenBlob("ids", "hello world", "")
	require.NoError(t, err)
	text, err := io.DecodeTokens(b.Data(), "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}
