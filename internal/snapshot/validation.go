package snapshot

import (
	"fmt"
	"sort"
)

// ValidateTensors checks that every tensor lies inside the data section,
// that no two overlap, and that each size matches its shape.
func ValidateTensors(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	for i := range tensors {
		t := &tensors[i]
		if t.Kind != KindWeight && t.Kind != KindHistory {
			return &ValidationError{Type: "invalid_kind", Tensor: t.Name(), Details: fmt.Sprintf("kind %q", t.Kind)}
		}
		n := int64(1)
		for _, d := range t.Shape {
			if d <= 0 {
				return &ValidationError{Type: "invalid_shape", Tensor: t.Name(), Details: fmt.Sprintf("shape %v", t.Shape)}
			}
			n *= int64(d)
		}
		if n*4 != t.Size {
			return &ValidationError{
				Type:    "size_mismatch",
				Tensor:  t.Name(),
				Details: fmt.Sprintf("shape %v needs %d bytes, header says %d", t.Shape, n*4, t.Size),
			}
		}
	}

	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i := range sorted {
		t := &sorted[i]
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name(),
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name(),
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := &sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name(),
					Tensor2: next.Name(),
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}
