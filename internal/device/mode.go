// Package device implements the compute device mode controller and the
// device memory providers used by the tensor store.
//
// The mode is a value {CPU, GPU(index)}. A Controller holds the mode that
// nets read when they allocate or transfer blobs; changing it never moves
// blobs that already exist.
package device

import "fmt"

// Kind is the class of compute device.
type Kind int

// Supported device kinds.
const (
	KindCPU Kind = iota
	KindGPU
)

// String returns a human-readable device kind.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "CPU"
	case KindGPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Mode selects the compute target: the host or an indexed GPU.
type Mode struct {
	Kind  Kind
	Index int // GPU ordinal; always 0 for CPU
}

// CPU returns the host mode.
func CPU() Mode {
	return Mode{Kind: KindCPU}
}

// GPU returns the mode for the GPU with the given ordinal.
func GPU(index int) Mode {
	return Mode{Kind: KindGPU, Index: index}
}

// IsGPU reports whether m targets a GPU.
func (m Mode) IsGPU() bool {
	return m.Kind == KindGPU
}

// String returns "CPU" or "GPU(n)".
func (m Mode) String() string {
	if m.Kind == KindGPU {
		return fmt.Sprintf("GPU(%d)", m.Index)
	}
	return m.Kind.String()
}
