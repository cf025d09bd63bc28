//go:build !windows

package device

import "fmt"

// OpenWebGPU reports ErrNoGPU: the WebGPU runtime is only wired on windows builds.
func OpenWebGPU(index int) (Provider, error) {
	return nil, fmt.Errorf("webgpu ordinal %d: %w", index, ErrNoGPU)
}

// WebGPUAvailable reports whether a WebGPU adapter can be opened.
func WebGPUAvailable() bool {
	return false
}
