package tensor

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/errdefs"
)

// Blob is a named, shaped float32 buffer paired with a gradient buffer of the
// same shape, resident on one device.
//
// Example:
//
//	b, err := tensor.NewBlob("data", tensor.Shape{4, 10}, device.CPU(), nil)
//	if err != nil {
//	    return err
//	}
//	copy(b.MutableData(), values)
type Blob struct {
	name     string
	shape    Shape
	data     *SyncedMemory
	diff     *SyncedMemory
	capacity int
	mode     device.Mode
	fixed    bool // element count is frozen (bound parameter)
}

// NewBlob allocates a blob on the device selected by mode.
// GPU modes require the provider for that ordinal; CPU mode ignores it.
func NewBlob(name string, shape Shape, mode device.Mode, provider device.Provider) (*Blob, error) {
	if err := shape.Validate(); err != nil {
		return nil, &errdefs.ShapeError{Blob: name, Got: []int(shape), Details: err.Error()}
	}
	if mode.IsGPU() && provider == nil {
		return nil, &errdefs.DeviceError{Device: mode.String(), Blob: name, Err: device.ErrNoGPU}
	}
	if !mode.IsGPU() {
		provider = nil
	}

	n := shape.NumElements()
	return &Blob{
		name:     name,
		shape:    shape.Clone(),
		data:     NewSyncedMemory(n, provider),
		diff:     NewSyncedMemory(n, provider),
		capacity: n,
		mode:     mode,
	}, nil
}

// NewHostBlob allocates a CPU blob. It panics on an invalid shape.
func NewHostBlob(name string, shape Shape) *Blob {
	b, err := NewBlob(name, shape, device.CPU(), nil)
	if err != nil {
		panic(err)
	}
	return b
}

// FromSlice creates a CPU blob holding a copy of values.
func FromSlice(name string, values []float32, shape Shape) (*Blob, error) {
	if shape.NumElements() != len(values) {
		return nil, &errdefs.ShapeError{
			Blob:    name,
			Got:     []int(shape),
			Details: fmt.Sprintf("shape requires %d elements, but got %d", shape.NumElements(), len(values)),
		}
	}
	b, err := NewBlob(name, shape, device.CPU(), nil)
	if err != nil {
		return nil, err
	}
	copy(b.MutableData(), values)
	return b, nil
}

// Name returns the blob name.
func (b *Blob) Name() string {
	return b.name
}

// Shape returns the blob shape. The caller must not modify it.
func (b *Blob) Shape() Shape {
	return b.shape
}

// NumAxes returns the number of dimensions.
func (b *Blob) NumAxes() int {
	return len(b.shape)
}

// Count returns the number of elements.
func (b *Blob) Count() int {
	return b.shape.NumElements()
}

// CountFrom returns the product of dimensions from axis to the end.
func (b *Blob) CountFrom(axis int) int {
	return b.shape.CountRange(axis, len(b.shape))
}

// Device returns the device the blob lives on.
func (b *Blob) Device() device.Mode {
	return b.mode
}

// SetFixed freezes the element count, as for a bound parameter.
func (b *Blob) SetFixed(fixed bool) {
	b.fixed = fixed
}

// Fixed reports whether the element count is frozen.
func (b *Blob) Fixed() bool {
	return b.fixed
}

// DataHead returns the synchronisation state of the data buffer.
func (b *Blob) DataHead() Head {
	return b.data.Head()
}

// Reshape changes the blob dimensions. Memory is reallocated only when the
// new shape needs more elements than the current capacity. Frozen blobs
// reject any change in element count with a ShapeError.
func (b *Blob) Reshape(shape Shape) error {
	if err := shape.Validate(); err != nil {
		return &errdefs.ShapeError{Blob: b.name, Got: []int(shape), Details: err.Error()}
	}
	n := shape.NumElements()
	if b.fixed && n != b.Count() {
		return &errdefs.ShapeError{
			Blob:     b.name,
			Expected: []int(b.shape),
			Got:      []int(shape),
			Details:  "element count of a bound parameter cannot change",
		}
	}
	if n > b.capacity {
		provider := b.data.Provider()
		b.data.release()
		b.diff.release()
		b.data = NewSyncedMemory(n, provider)
		b.diff = NewSyncedMemory(n, provider)
		b.capacity = n
	}
	b.shape = shape.Clone()
	return nil
}

// ReshapeLike gives b the shape of other.
func (b *Blob) ReshapeLike(other *Blob) error {
	return b.Reshape(other.shape)
}

func (b *Blob) hostView(m *SyncedMemory, mutable bool) []float32 {
	var (
		data []float32
		err  error
	)
	if mutable {
		data, err = m.MutableCPUData()
	} else {
		data, err = m.CPUData()
	}
	if err != nil {
		panic(&errdefs.DeviceError{Device: b.mode.String(), Blob: b.name, Err: err})
	}
	return data[:b.Count()]
}

// Data returns a read-only host view of the data, downloading it if the
// device copy is newer. Call SyncHost first to handle transfer errors;
// Data panics if the download fails.
func (b *Blob) Data() []float32 {
	return b.hostView(b.data, false)
}

// MutableData returns a writable host view of the data.
func (b *Blob) MutableData() []float32 {
	return b.hostView(b.data, true)
}

// Diff returns a read-only host view of the gradient.
func (b *Blob) Diff() []float32 {
	return b.hostView(b.diff, false)
}

// MutableDiff returns a writable host view of the gradient.
func (b *Blob) MutableDiff() []float32 {
	return b.hostView(b.diff, true)
}

// SyncHost makes the host copies of data and diff current.
func (b *Blob) SyncHost() error {
	if _, err := b.data.CPUData(); err != nil {
		return &errdefs.DeviceError{Device: b.mode.String(), Blob: b.name, Err: err}
	}
	if _, err := b.diff.CPUData(); err != nil {
		return &errdefs.DeviceError{Device: b.mode.String(), Blob: b.name, Err: err}
	}
	return nil
}

// SyncDevice pushes host changes of data and diff to the device.
// It is a no-op for CPU blobs. Uploads may complete asynchronously.
func (b *Blob) SyncDevice() error {
	if !b.mode.IsGPU() {
		return nil
	}
	if _, err := b.data.GPUData(); err != nil {
		return &errdefs.DeviceError{Device: b.mode.String(), Blob: b.name, Err: err}
	}
	if _, err := b.diff.GPUData(); err != nil {
		return &errdefs.DeviceError{Device: b.mode.String(), Blob: b.name, Err: err}
	}
	return nil
}

// ToDevice moves the blob to mode, carrying its contents over. Views taken
// before the move are invalidated. On failure the blob is unchanged.
func (b *Blob) ToDevice(mode device.Mode, provider device.Provider) error {
	if mode == b.mode {
		return nil
	}
	if !mode.IsGPU() {
		provider = nil
	} else if provider == nil {
		return &errdefs.DeviceError{Device: mode.String(), Blob: b.name, Err: device.ErrNoGPU}
	}

	data, err := b.data.movedTo(provider)
	if err != nil {
		return &errdefs.DeviceError{Device: mode.String(), Blob: b.name, Err: err}
	}
	diff, err := b.diff.movedTo(provider)
	if err != nil {
		data.release()
		return &errdefs.DeviceError{Device: mode.String(), Blob: b.name, Err: err}
	}
	b.data.release()
	b.diff.release()
	b.data = data
	b.diff = diff
	b.mode = mode
	return nil
}

// ZeroGrad clears the gradient buffer.
func (b *Blob) ZeroGrad() {
	clear(b.MutableDiff())
}

// SetData copies values into the data buffer.
func (b *Blob) SetData(values []float32) error {
	if len(values) != b.Count() {
		return &errdefs.ShapeError{
			Blob:    b.name,
			Got:     []int(b.shape),
			Details: fmt.Sprintf("blob holds %d elements, got %d values", b.Count(), len(values)),
		}
	}
	copy(b.MutableData(), values)
	return nil
}

// CopyFrom copies data (or diff, when copyDiff is set) from src. With
// reshape, b takes src's shape; otherwise the shapes must already match.
func (b *Blob) CopyFrom(src *Blob, copyDiff, reshape bool) error {
	if !b.shape.Equal(src.shape) {
		if !reshape {
			return &errdefs.ShapeError{Blob: b.name, Expected: []int(b.shape), Got: []int(src.shape), Details: "copy from " + src.name}
		}
		if err := b.Reshape(src.shape); err != nil {
			return err
		}
	}
	if copyDiff {
		copy(b.MutableDiff(), src.Diff())
	} else {
		copy(b.MutableData(), src.Data())
	}
	return nil
}

// Update applies data -= diff.
func (b *Blob) Update() {
	data := b.MutableData()
	diff := b.Diff()
	for i := range data {
		data[i] -= diff[i]
	}
}

// AsumData returns the sum of absolute data values.
func (b *Blob) AsumData() float32 {
	return asum(b.Data())
}

// AsumDiff returns the sum of absolute gradient values.
func (b *Blob) AsumDiff() float32 {
	return asum(b.Diff())
}

// SumsqDiff returns the sum of squared gradient values.
func (b *Blob) SumsqDiff() float32 {
	var s float32
	for _, v := range b.Diff() {
		s += v * v
	}
	return s
}

// ScaleDiff multiplies the gradient by factor.
func (b *Blob) ScaleDiff(factor float32) {
	diff := b.MutableDiff()
	for i := range diff {
		diff[i] *= factor
	}
}

// Release frees device and host memory. The blob must not be used afterwards.
func (b *Blob) Release() {
	b.data.release()
	b.diff.release()
}

// String returns a short description.
func (b *Blob) String() string {
	return fmt.Sprintf("Blob(%s %s on %s)", b.name, b.shape, b.mode)
}

func asum(xs []float32) float32 {
	var s float32
	for _, v := range xs {
		s += math32.Abs(v)
	}
	return s
}
