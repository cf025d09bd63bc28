package caffeio

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/caffe/internal/proto"
)

func rawSafetensors(t *testing.T, header map[string]any, data []byte) []byte {
	t.Helper()
	hdr, err := json.Marshal(header)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(hdr))))
	buf.Write(hdr)
	buf.Write(data)
	return buf.Bytes()
}

func TestSafetensorsRoundTrip(t *testing.T) {
	np := &proto.NetParameter{Layer: []proto.LayerParameter{
		{Name: "fc1", Blobs: []proto.BlobProto{
			{Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
			{Shape: []int64{2}, Data: []float32{-1, 0.5}},
		}},
		{Name: "relu1"},
		{Name: "scale", Blobs: []proto.BlobProto{
			{Shape: []int64{1}, Data: []float32{2}},
			{Shape: []int64{1}, Data: []float32{3}},
			{Shape: []int64{1}, Data: []float32{4}},
		}},
	}}
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, WriteSafetensors(path, np, map[string]string{"format": "pt"}))

	got, err := ReadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, got.Layer, 2)
	assert.Equal(t, "fc1", got.Layer[0].Name)
	assert.Equal(t, np.Layer[0].Blobs, got.Layer[0].Blobs)
	assert.Equal(t, "scale", got.Layer[1].Name)
	assert.Equal(t, np.Layer[2].Blobs, got.Layer[1].Blobs)
}

func TestSafetensorsHalfPrecision(t *testing.T) {
	var data []byte
	// F16: 1.0, -2.0, smallest subnormal.
	for _, h := range []uint16{0x3C00, 0xC000, 0x0001} {
		data = binary.LittleEndian.AppendUint16(data, h)
	}
	// BF16: 1.5
	data = binary.LittleEndian.AppendUint16(data, uint16(math.Float32bits(1.5)>>16))
	// F64: 0.25
	data = binary.LittleEndian.AppendUint64(data, math.Float64bits(0.25))

	raw := rawSafetensors(t, map[string]any{
		"__metadata__": map[string]string{"k": "v"},
		"emb.weight":   map[string]any{"dtype": "F16", "shape": []int{3}, "data_offsets": []int{0, 6}},
		"emb.bias":     map[string]any{"dtype": "BF16", "shape": []int{1}, "data_offsets": []int{6, 8}},
		"emb.2":        map[string]any{"dtype": "F64", "shape": []int{1, 1}, "data_offsets": []int{8, 16}},
	}, data)

	np, err := DecodeSafetensors(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, np.Layer, 1)
	blobs := np.Layer[0].Blobs
	require.Len(t, blobs, 3)
	assert.Equal(t, float32(1), blobs[0].Data[0])
	assert.Equal(t, float32(-2), blobs[0].Data[1])
	assert.InDelta(t, math.Pow(2, -24), float64(blobs[0].Data[2]), 1e-12)
	assert.Equal(t, []float32{1.5}, blobs[1].Data)
	assert.Equal(t, []int64{1, 1}, blobs[2].Shape)
	assert.Equal(t, []float32{0.25}, blobs[2].Data)
}

func TestSafetensorsErrors(t *testing.T) {
	four := make([]byte, 4)
	tests := []struct {
		name   string
		header map[string]any
	}{
		{"unsupported dtype", map[string]any{"a.weight": map[string]any{"dtype": "I32", "shape": []int{1}, "data_offsets": []int{0, 4}}}},
		{"offsets out of range", map[string]any{"a.weight": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 8}}}},
		{"size mismatch", map[string]any{"a.weight": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 4}}}},
		{"no blob suffix", map[string]any{"weight": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}}}},
		{"unknown suffix", map[string]any{"a.gamma": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}}}},
		{"missing blob", map[string]any{"a.bias": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}}}},
		{"element count overflows", map[string]any{"fc1.weight": map[string]any{"dtype": "F16", "shape": []uint64{2, 4611686018427387905}, "data_offsets": []int{0, 4}}}},
		{"byte count overflows", map[string]any{"fc1.weight": map[string]any{"dtype": "F32", "shape": []uint64{1 << 62}, "data_offsets": []int{0, 4}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSafetensors(bytes.NewReader(rawSafetensors(t, tt.header, four)))
			require.Error(t, err)
		})
	}

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodeSafetensors(bytes.NewReader([]byte{1, 2, 3}))
		require.Error(t, err)
	})
}

func TestHalfToFloat32(t *testing.T) {
	assert.Equal(t, float32(0), halfToFloat32(0))
	assert.True(t, math.Signbit(float64(halfToFloat32(0x8000))))
	assert.Equal(t, float32(65504), halfToFloat32(0x7BFF))
	assert.True(t, math.IsInf(float64(halfToFloat32(0x7C00)), 1))
	assert.True(t, math.IsNaN(float64(halfToFloat32(0x7E00))))
}
