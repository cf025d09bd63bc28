package caffeio

import (
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/proto"
	"github.com/born-ml/caffe/internal/tensor"
)

// ArrayToBlobProto packs values of the given shape. The values are copied.
func ArrayToBlobProto(values []float32, shape tensor.Shape) (proto.BlobProto, error) {
	if err := shape.Validate(); err != nil {
		return proto.BlobProto{}, errors.Wrap(err, "blob shape")
	}
	if shape.NumElements() != len(values) {
		return proto.BlobProto{}, errors.Errorf("shape %v needs %d values, got %d", shape, shape.NumElements(), len(values))
	}
	bp := proto.BlobProto{
		Shape: make([]int64, len(shape)),
		Data:  append([]float32(nil), values...),
	}
	for i, d := range shape {
		bp.Shape[i] = int64(d)
	}
	return bp, nil
}

// BlobProtoToArray unpacks bp into a copy of its values and its shape.
func BlobProtoToArray(bp *proto.BlobProto) ([]float32, tensor.Shape, error) {
	shape := make(tensor.Shape, len(bp.Shape))
	for i, d := range bp.Shape {
		shape[i] = int(d)
	}
	if err := shape.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "blob shape")
	}
	if shape.NumElements() != len(bp.Data) {
		return nil, nil, errors.Errorf("shape %v needs %d values, blob holds %d", shape, shape.NumElements(), len(bp.Data))
	}
	return append([]float32(nil), bp.Data...), shape, nil
}

// BlobToProto copies the data of b.
func BlobToProto(b *tensor.Blob) (proto.BlobProto, error) {
	if err := b.SyncHost(); err != nil {
		return proto.BlobProto{}, err
	}
	return ArrayToBlobProto(b.Data(), b.Shape())
}

// BlobFromProto creates a CPU blob holding the values of bp.
func BlobFromProto(name string, bp *proto.BlobProto) (*tensor.Blob, error) {
	values, shape, err := BlobProtoToArray(bp)
	if err != nil {
		return nil, errors.Wrapf(err, "blob %q", name)
	}
	return tensor.FromSlice(name, values, shape)
}
