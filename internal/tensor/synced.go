package tensor

import (
	"fmt"

	"github.com/born-ml/caffe/internal/device"
)

// Head records which copy of a SyncedMemory is authoritative.
type Head int

// Synchronisation states.
const (
	Uninitialized Head = iota // nothing allocated yet
	HeadAtCPU                 // host copy is newest
	HeadAtGPU                 // device copy is newest
	Synced                    // both copies are equal
)

// String returns the state name.
func (h Head) String() string {
	switch h {
	case Uninitialized:
		return "Uninitialized"
	case HeadAtCPU:
		return "HeadAtCPU"
	case HeadAtGPU:
		return "HeadAtGPU"
	case Synced:
		return "Synced"
	default:
		return "Unknown"
	}
}

// SyncedMemory is a buffer of float32 elements mirrored lazily between the
// host and one device. Copies happen only when the stale side is read.
//
// A nil provider means the memory never leaves the host.
type SyncedMemory struct {
	size     int
	cpu      []float32
	gpu      device.Buffer
	provider device.Provider
	head     Head
}

// NewSyncedMemory creates an unallocated buffer of size elements.
func NewSyncedMemory(size int, provider device.Provider) *SyncedMemory {
	return &SyncedMemory{size: size, provider: provider}
}

// Size returns the number of elements.
func (m *SyncedMemory) Size() int {
	return m.size
}

// Head returns the synchronisation state.
func (m *SyncedMemory) Head() Head {
	return m.head
}

// Provider returns the device provider, nil for host-only memory.
func (m *SyncedMemory) Provider() device.Provider {
	return m.provider
}

func (m *SyncedMemory) toCPU() error {
	switch m.head {
	case Uninitialized:
		m.cpu = make([]float32, m.size)
		m.head = HeadAtCPU
	case HeadAtGPU:
		if m.cpu == nil {
			m.cpu = make([]float32, m.size)
		}
		if err := m.provider.Download(m.cpu, m.gpu); err != nil {
			return fmt.Errorf("download %d elements: %w", m.size, err)
		}
		m.head = Synced
	case HeadAtCPU, Synced:
	}
	return nil
}

func (m *SyncedMemory) toGPU() error {
	if m.provider == nil {
		return fmt.Errorf("host-only memory has no device copy: %w", device.ErrNoGPU)
	}
	switch m.head {
	case Uninitialized:
		buf, err := m.provider.Alloc(m.size)
		if err != nil {
			return fmt.Errorf("alloc %d elements: %w", m.size, err)
		}
		m.gpu = buf
		m.head = HeadAtGPU
	case HeadAtCPU:
		if m.gpu == nil {
			buf, err := m.provider.Alloc(m.size)
			if err != nil {
				return fmt.Errorf("alloc %d elements: %w", m.size, err)
			}
			m.gpu = buf
		}
		if err := m.provider.Upload(m.gpu, m.cpu); err != nil {
			return fmt.Errorf("upload %d elements: %w", m.size, err)
		}
		m.head = Synced
	case HeadAtGPU, Synced:
	}
	return nil
}

// CPUData returns the host copy, downloading it if the device copy is newer.
func (m *SyncedMemory) CPUData() ([]float32, error) {
	if err := m.toCPU(); err != nil {
		return nil, err
	}
	return m.cpu, nil
}

// MutableCPUData returns the host copy and marks it authoritative.
func (m *SyncedMemory) MutableCPUData() ([]float32, error) {
	if err := m.toCPU(); err != nil {
		return nil, err
	}
	m.head = HeadAtCPU
	return m.cpu, nil
}

// GPUData returns the device copy, uploading it if the host copy is newer.
func (m *SyncedMemory) GPUData() (device.Buffer, error) {
	if err := m.toGPU(); err != nil {
		return nil, err
	}
	return m.gpu, nil
}

// MutableGPUData returns the device copy and marks it authoritative.
func (m *SyncedMemory) MutableGPUData() (device.Buffer, error) {
	if err := m.toGPU(); err != nil {
		return nil, err
	}
	m.head = HeadAtGPU
	return m.gpu, nil
}

// movedTo returns a copy of m homed on provider p (nil for the host),
// carrying the newest contents over. m itself is left untouched apart from
// having its host copy synchronised.
func (m *SyncedMemory) movedTo(p device.Provider) (*SyncedMemory, error) {
	out := NewSyncedMemory(m.size, p)
	if m.head == Uninitialized {
		return out, nil
	}

	host, err := m.CPUData()
	if err != nil {
		return nil, err
	}
	contents := make([]float32, len(host))
	copy(contents, host)

	if p == nil {
		out.cpu = contents
		out.head = HeadAtCPU
		return out, nil
	}

	buf, err := p.Alloc(m.size)
	if err != nil {
		return nil, fmt.Errorf("alloc %d elements: %w", m.size, err)
	}
	if err := p.Upload(buf, contents); err != nil {
		p.Free(buf)
		return nil, fmt.Errorf("upload %d elements: %w", m.size, err)
	}
	out.gpu = buf
	out.head = HeadAtGPU
	return out, nil
}

// release frees both copies and returns to Uninitialized.
func (m *SyncedMemory) release() {
	if m.gpu != nil && m.provider != nil {
		m.provider.Free(m.gpu)
	}
	m.gpu = nil
	m.cpu = nil
	m.head = Uninitialized
}
