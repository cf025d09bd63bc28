//go:build windows

package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
)

// WebGPUProvider keeps blob buffers in WebGPU storage buffers.
// Uploads are recorded as copy commands and submitted in batches;
// Download and Synchronize flush the batch first.
type WebGPUProvider struct {
	index    int
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	pendingMu       sync.Mutex
	pendingCommands []*wgpu.CommandBuffer
	staging         []*wgpu.Buffer // upload sources, released on flush
}

type webgpuBuffer struct {
	buffer *wgpu.Buffer
	n      int
}

func (b *webgpuBuffer) Len() int { return b.n }

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// OpenWebGPU opens the default WebGPU adapter. WebGPU exposes a single
// adapter per request, so only ordinal 0 is accepted.
func OpenWebGPU(index int) (provider Provider, err error) {
	if index != 0 {
		return nil, fmt.Errorf("webgpu ordinal %d: %w", index, ErrNoGPU)
	}

	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			provider = nil
			err = fmt.Errorf("webgpu: native library not available: %v: %w", r, ErrNoGPU)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", adapterErr)
	}

	dev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", deviceErr)
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	return &WebGPUProvider{
		index:    index,
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
	}, nil
}

// WebGPUAvailable reports whether a WebGPU adapter can be opened.
func WebGPUAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the provider name.
func (p *WebGPUProvider) Name() string {
	return "WebGPU"
}

// Index returns the device ordinal.
func (p *WebGPUProvider) Index() int {
	return p.index
}

// Alloc creates a zero-initialised storage buffer.
func (p *WebGPUProvider) Alloc(n int) (Buffer, error) {
	size := uint64(n) * 4
	buf := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: storageUsage,
		Size:  size,
	})
	if buf == nil {
		return nil, fmt.Errorf("webgpu: failed to allocate %d bytes", size)
	}
	return &webgpuBuffer{buffer: buf, n: n}, nil
}

// Upload stages src in a mapped buffer and records a copy into dst.
func (p *WebGPUProvider) Upload(dst Buffer, src []float32) error {
	wb, ok := dst.(*webgpuBuffer)
	if !ok {
		return fmt.Errorf("webgpu: foreign buffer %T", dst)
	}
	if len(src) == 0 {
		return nil
	}
	size := uint64(len(src)) * 4

	staging := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*float32)(mappedPtr), len(src))
	copy(mapped, src)
	staging.Unmap()

	encoder := p.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, wb.buffer, 0, size)
	cmd := encoder.Finish(nil)

	p.pendingMu.Lock()
	p.pendingCommands = append(p.pendingCommands, cmd)
	p.staging = append(p.staging, staging)
	p.pendingMu.Unlock()
	return nil
}

// Download flushes pending copies and reads src back into dst.
func (p *WebGPUProvider) Download(dst []float32, src Buffer) error {
	wb, ok := src.(*webgpuBuffer)
	if !ok {
		return fmt.Errorf("webgpu: foreign buffer %T", src)
	}
	if err := p.Synchronize(); err != nil {
		return err
	}
	size := uint64(min(len(dst), wb.n)) * 4
	if size == 0 {
		return nil
	}

	readback := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer readback.Release()

	encoder := p.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(wb.buffer, 0, readback, 0, size)
	p.queue.Submit(encoder.Finish(nil))

	if err := readback.MapAsync(p.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: failed to map readback buffer: %w", err)
	}
	mappedPtr := readback.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*float32)(mappedPtr), size/4)
	copy(dst, mapped)
	readback.Unmap()
	return nil
}

// Free releases a buffer.
func (p *WebGPUProvider) Free(buf Buffer) {
	if wb, ok := buf.(*webgpuBuffer); ok && wb.buffer != nil {
		wb.buffer.Release()
		wb.buffer = nil
	}
}

// Synchronize submits all recorded copies.
func (p *WebGPUProvider) Synchronize() error {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if len(p.pendingCommands) == 0 {
		return nil
	}
	p.queue.Submit(p.pendingCommands...)
	p.pendingCommands = p.pendingCommands[:0]
	for _, s := range p.staging {
		s.Release()
	}
	p.staging = p.staging[:0]
	return nil
}

// Release frees all WebGPU objects.
func (p *WebGPUProvider) Release() {
	_ = p.Synchronize()
	if p.queue != nil {
		p.queue.Release()
		p.queue = nil
	}
	if p.device != nil {
		p.device.Release()
		p.device = nil
	}
	if p.adapter != nil {
		p.adapter.Release()
		p.adapter = nil
	}
	if p.instance != nil {
		p.instance.Release()
		p.instance = nil
	}
}
