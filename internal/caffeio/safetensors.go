package caffeio

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/proto"
)

// SafeTensors layout:
//
//	[8 bytes: header size, uint64 LE]
//	[header size bytes: JSON header]
//	[raw tensor data]
//
// Tensor names are "<layer>.<blob>" where blob is "weight", "bias" or a
// blob index.

const (
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
	dtypeF32  = "F32"
	dtypeF64  = "F64"

	metadataKey = "__metadata__"

	// maxSafetensorsHeader bounds the JSON header read from untrusted files.
	maxSafetensorsHeader = 100 << 20
)

type safetensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

var dtypeSize = map[string]int64{
	dtypeF16:  2,
	dtypeBF16: 2,
	dtypeF32:  4,
	dtypeF64:  8,
}

// ReadSafetensors reads trained weights from a SafeTensors file into a
// NetParameter holding only layer names and blobs, ready for
// Net.CopyTrainedLayersFrom. Half precision values are widened to float32.
func ReadSafetensors(path string) (*proto.NetParameter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open safetensors")
	}
	defer f.Close()
	return DecodeSafetensors(bufio.NewReader(f))
}

// DecodeSafetensors is ReadSafetensors over an arbitrary reader.
func DecodeSafetensors(r io.Reader) (*proto.NetParameter, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, errors.Wrap(err, "read safetensors header size")
	}
	if size > maxSafetensorsHeader {
		return nil, errors.Errorf("safetensors header of %d bytes exceeds %d", size, maxSafetensorsHeader)
	}
	hdr := make([]byte, size)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrap(err, "read safetensors header")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, errors.Wrap(err, "parse safetensors header")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read safetensors data")
	}

	layers := make(map[string]map[int]proto.BlobProto)
	for name, msg := range raw {
		if name == metadataKey {
			continue
		}
		var info safetensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, errors.Wrapf(err, "tensor %q", name)
		}
		layer, idx, err := splitTensorName(name)
		if err != nil {
			return nil, err
		}
		bp, err := decodeTensor(name, &info, data)
		if err != nil {
			return nil, err
		}
		if layers[layer] == nil {
			layers[layer] = make(map[int]proto.BlobProto)
		}
		if _, dup := layers[layer][idx]; dup {
			return nil, errors.Errorf("tensor %q: layer %q blob %d given twice", name, layer, idx)
		}
		layers[layer][idx] = bp
	}

	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	sort.Strings(names)

	np := &proto.NetParameter{Layer: make([]proto.LayerParameter, 0, len(names))}
	for _, name := range names {
		blobs := layers[name]
		lp := proto.LayerParameter{Name: name, Blobs: make([]proto.BlobProto, len(blobs))}
		for i := range lp.Blobs {
			bp, ok := blobs[i]
			if !ok {
				return nil, errors.Errorf("layer %q: missing blob %d of %d", name, i, len(blobs))
			}
			lp.Blobs[i] = bp
		}
		np.Layer = append(np.Layer, lp)
	}
	return np, nil
}

// splitTensorName maps "fc1.weight" to ("fc1", 0) and "fc1.bias" to
// ("fc1", 1). A numeric suffix is used as the blob index directly.
func splitTensorName(name string) (string, int, error) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 || dot == len(name)-1 {
		return "", 0, errors.Errorf("tensor %q: want <layer>.<blob>", name)
	}
	layer, suffix := name[:dot], name[dot+1:]
	switch suffix {
	case "weight":
		return layer, 0, nil
	case "bias":
		return layer, 1, nil
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 {
		return "", 0, errors.Errorf("tensor %q: unknown blob %q", name, suffix)
	}
	return layer, idx, nil
}

func decodeTensor(name string, info *safetensorInfo, data []byte) (proto.BlobProto, error) {
	elem, ok := dtypeSize[info.DType]
	if !ok {
		return proto.BlobProto{}, errors.Errorf("tensor %q: unsupported dtype %s", name, info.DType)
	}
	count := int64(1)
	for _, d := range info.Shape {
		if d < 0 {
			return proto.BlobProto{}, errors.Errorf("tensor %q: negative dimension in %v", name, info.Shape)
		}
		// count*d*elem must stay addressable.
		if d > 0 && count > math.MaxInt/elem/d {
			return proto.BlobProto{}, errors.Errorf("tensor %q: shape %v overflows", name, info.Shape)
		}
		count *= d
	}
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return proto.BlobProto{}, errors.Errorf("tensor %q: offsets [%d, %d] outside %d data bytes", name, start, end, len(data))
	}
	if end-start != count*elem {
		return proto.BlobProto{}, errors.Errorf("tensor %q: %d bytes for %d %s values", name, end-start, count, info.DType)
	}

	raw := data[start:end]
	values := make([]float32, count)
	for i := range values {
		switch info.DType {
		case dtypeF32:
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case dtypeF64:
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		case dtypeF16:
			values[i] = halfToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		case dtypeBF16:
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return proto.BlobProto{Shape: append([]int64{}, info.Shape...), Data: values}, nil
}

// halfToFloat32 widens an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: shift until the implicit bit appears.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// WriteSafetensors writes the blobs of np as F32 tensors. Layers without
// blobs are skipped. metadata may be nil.
func WriteSafetensors(path string, np *proto.NetParameter, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create safetensors")
	}
	w := bufio.NewWriter(f)
	if err := EncodeSafetensors(w, np, metadata); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush safetensors")
	}
	return errors.Wrap(f.Close(), "close safetensors")
}

// EncodeSafetensors is WriteSafetensors over an arbitrary writer.
func EncodeSafetensors(w io.Writer, np *proto.NetParameter, metadata map[string]string) error {
	header := make(map[string]any)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var data []byte
	for i := range np.Layer {
		lp := &np.Layer[i]
		for j := range lp.Blobs {
			bp := &lp.Blobs[j]
			if _, _, err := BlobProtoToArray(bp); err != nil {
				return errors.Wrapf(err, "layer %q blob %d", lp.Name, j)
			}
			name := lp.Name + "." + blobSuffix(j)
			if _, dup := header[name]; dup {
				return errors.Errorf("tensor %q written twice", name)
			}
			start := int64(len(data))
			for _, v := range bp.Data {
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
			}
			header[name] = safetensorInfo{
				DType:       dtypeF32,
				Shape:       append([]int64{}, bp.Shape...),
				DataOffsets: [2]int64{start, int64(len(data))},
			}
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode safetensors header")
	}
	// Pad the header with spaces so the data starts 8-byte aligned.
	for (len(hdr) % 8) != 0 {
		hdr = append(hdr, ' ')
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return errors.Wrap(err, "write safetensors header size")
	}
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write safetensors header")
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "write safetensors data")
}

func blobSuffix(i int) string {
	switch i {
	case 0:
		return "weight"
	case 1:
		return "bias"
	default:
		return strconv.Itoa(i)
	}
}
