package device

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoGPU is returned when no GPU runtime is available for the requested ordinal.
var ErrNoGPU = errors.New("no GPU available")

// Buffer is an opaque allocation in device memory.
type Buffer interface {
	// Len returns the number of float32 elements the buffer holds.
	Len() int
}

// Provider manages memory on one device.
//
// Upload may return before the copy completes; Download and Synchronize
// block until every previously enqueued copy has finished.
type Provider interface {
	Name() string
	Index() int
	Alloc(n int) (Buffer, error)
	Upload(dst Buffer, src []float32) error
	Download(dst []float32, src Buffer) error
	Free(buf Buffer)
	Synchronize() error
	Release()
}

// ProviderFactory opens the provider for a GPU ordinal.
type ProviderFactory func(index int) (Provider, error)

// HostProvider emulates device memory in host RAM.
//
// It backs GPU mode in tests and on machines without a GPU runtime, keeping
// residency and transfer semantics identical to a real device.
type HostProvider struct {
	index int

	mu        sync.Mutex
	allocated int64 // bytes currently allocated
	uploads   int64
	downloads int64
}

type hostBuffer struct {
	data []float32
}

func (b *hostBuffer) Len() int { return len(b.data) }

// NewHostProvider creates an emulated device with the given ordinal.
func NewHostProvider(index int) *HostProvider {
	return &HostProvider{index: index}
}

// HostProviderFactory opens a HostProvider for any ordinal.
func HostProviderFactory(index int) (Provider, error) {
	return NewHostProvider(index), nil
}

// Name returns the provider name.
func (p *HostProvider) Name() string {
	return fmt.Sprintf("host-emulated GPU(%d)", p.index)
}

// Index returns the device ordinal.
func (p *HostProvider) Index() int {
	return p.index
}

// Alloc allocates a zeroed buffer of n elements.
func (p *HostProvider) Alloc(n int) (Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("alloc: negative size %d", n)
	}
	p.mu.Lock()
	p.allocated += int64(n) * 4
	p.mu.Unlock()
	return &hostBuffer{data: make([]float32, n)}, nil
}

// Upload copies src into dst.
func (p *HostProvider) Upload(dst Buffer, src []float32) error {
	hb, ok := dst.(*hostBuffer)
	if !ok {
		return fmt.Errorf("upload: foreign buffer %T", dst)
	}
	if len(src) > len(hb.data) {
		return fmt.Errorf("upload: %d elements into buffer of %d", len(src), len(hb.data))
	}
	copy(hb.data, src)
	p.mu.Lock()
	p.uploads++
	p.mu.Unlock()
	return nil
}

// Download copies src into dst.
func (p *HostProvider) Download(dst []float32, src Buffer) error {
	hb, ok := src.(*hostBuffer)
	if !ok {
		return fmt.Errorf("download: foreign buffer %T", src)
	}
	copy(dst, hb.data)
	p.mu.Lock()
	p.downloads++
	p.mu.Unlock()
	return nil
}

// Free releases a buffer.
func (p *HostProvider) Free(buf Buffer) {
	hb, ok := buf.(*hostBuffer)
	if !ok || hb.data == nil {
		return
	}
	p.mu.Lock()
	p.allocated -= int64(len(hb.data)) * 4
	p.mu.Unlock()
	hb.data = nil
}

// Synchronize is a no-op: host copies complete immediately.
func (p *HostProvider) Synchronize() error {
	return nil
}

// Release is a no-op for host memory.
func (p *HostProvider) Release() {}

// Stats returns allocated bytes and the number of uploads and downloads.
func (p *HostProvider) Stats() (allocated, uploads, downloads int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated, p.uploads, p.downloads
}
