package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/solver"
	"github.com/born-ml/caffe/internal/tensor"
)

const writerVersion = "1.0.0"

// State is the content of a snapshot.
type State struct {
	Net          string
	Iter         int
	SolverType   string
	SolverConfig *solver.Config
	Weights      map[string][]graph.BlobData // per layer, in parameter order
	History      [][]float32
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Encode writes st to w.
//
//nolint:gocognit // Encode lays out the whole file in one pass.
func Encode(w io.Writer, st *State) error {
	header := Header{
		FormatVersion: FormatVersion,
		Version:       writerVersion,
		Net:           st.Net,
		Iter:          st.Iter,
		SolverType:    st.SolverType,
		SolverConfig:  st.SolverConfig,
		CreatedAt:     st.CreatedAt,
		Metadata:      st.Metadata,
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	var data []byte
	appendTensor := func(meta TensorMeta, values []float32) {
		meta.Offset = int64(len(data))
		meta.Size = int64(4 * len(values))
		for _, v := range values {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
		header.Tensors = append(header.Tensors, meta)
	}

	layers := make([]string, 0, len(st.Weights))
	for name := range st.Weights {
		layers = append(layers, name)
	}
	sort.Strings(layers)

	var flags uint32
	for _, layer := range layers {
		for i, b := range st.Weights[layer] {
			if len(b.Data) != tensor.Shape(b.Shape).NumElements() {
				return errors.Errorf("snapshot: layer %q blob %d: shape %v does not match %d values", layer, i, b.Shape, len(b.Data))
			}
			appendTensor(TensorMeta{Kind: KindWeight, Layer: layer, Index: i, Shape: append([]int(nil), b.Shape...)}, b.Data)
			flags |= FlagHasWeights
		}
	}
	for i, h := range st.History {
		if len(h) == 0 {
			return errors.Errorf("snapshot: history entry %d is empty", i)
		}
		appendTensor(TensorMeta{Kind: KindHistory, Index: i, Shape: []int{len(h)}}, h)
		flags |= FlagHasHistory
	}
	if st.SolverConfig != nil {
		flags |= FlagHasConfig
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}
	checksum := sha256.Sum256(data)

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	pad := padding(int64(FixedHeaderSize + len(headerJSON)))
	for _, chunk := range [][]byte{fixed, headerJSON, make([]byte, pad), data} {
		if _, err := w.Write(chunk); err != nil {
			return errors.Wrap(err, "failed to write snapshot")
		}
	}
	return nil
}

// Decode parses a snapshot held in memory.
func Decode(buf []byte) (*State, error) {
	if len(buf) < FixedHeaderSize {
		return nil, ErrTruncated
	}
	if string(buf[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d", v, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(buf[16:24])
	dataSize := binary.LittleEndian.Uint64(buf[24:32])
	var stored [ChecksumSize]byte
	copy(stored[:], buf[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	headerEnd := int64(FixedHeaderSize) + int64(headerSize)
	dataStart := headerEnd + padding(headerEnd)
	if int64(len(buf)) < dataStart || uint64(int64(len(buf))-dataStart) < dataSize {
		return nil, ErrTruncated
	}

	var header Header
	if err := json.Unmarshal(buf[FixedHeaderSize:headerEnd], &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header JSON")
	}
	data := buf[dataStart : dataStart+int64(dataSize)]
	if sha256.Sum256(data) != stored {
		return nil, ErrChecksumMismatch
	}
	if err := ValidateTensors(header.Tensors, int64(dataSize)); err != nil {
		return nil, err
	}

	st := &State{
		Net:          header.Net,
		Iter:         header.Iter,
		SolverType:   header.SolverType,
		SolverConfig: header.SolverConfig,
		Metadata:     header.Metadata,
		CreatedAt:    header.CreatedAt,
	}
	for i := range header.Tensors {
		meta := &header.Tensors[i]
		values := make([]float32, meta.Size/4)
		raw := data[meta.Offset : meta.Offset+meta.Size]
		for j := range values {
			values[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
		}
		switch meta.Kind {
		case KindWeight:
			if st.Weights == nil {
				st.Weights = make(map[string][]graph.BlobData)
			}
			blobs := st.Weights[meta.Layer]
			if meta.Index != len(blobs) {
				return nil, &ValidationError{Type: "index_gap", Tensor: meta.Name(), Details: "weights must be stored in parameter order"}
			}
			st.Weights[meta.Layer] = append(blobs, graph.BlobData{Shape: meta.Shape, Data: values})
		case KindHistory:
			if meta.Index != len(st.History) {
				return nil, &ValidationError{Type: "index_gap", Tensor: meta.Name(), Details: "history must be stored in order"}
			}
			st.History = append(st.History, values)
		}
	}
	return st, nil
}

// WriteFile saves st to path.
func WriteFile(path string, st *State) error {
	//nolint:gosec // G304: snapshot paths come from the caller
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot")
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, st); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to write snapshot")
	}
	return errors.Wrap(f.Close(), "failed to close snapshot")
}

// ReadFile loads a snapshot from path.
func ReadFile(path string) (*State, error) {
	//nolint:gosec // G304: snapshot paths come from the caller
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot")
	}
	st, err := Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return st, nil
}

// Marshal encodes st to a byte slice.
func Marshal(st *State) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, st); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
