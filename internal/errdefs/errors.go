// Package errdefs defines the error kinds surfaced by the engine.
//
// Every error carries the layer and blob names needed to diagnose it.
// Callers match kinds with errors.As:
//
//	var cycle *errdefs.CycleError
//	if errors.As(err, &cycle) {
//	    fmt.Println("cycle through", cycle.Layers)
//	}
package errdefs

import (
	"fmt"
	"strings"
)

// ShapeError reports a dimension mismatch between declared and actual shapes.
type ShapeError struct {
	Layer    string // Layer that observed the mismatch (may be empty)
	Blob     string // Blob involved (may be empty)
	Expected []int  // Expected shape, if known
	Got      []int  // Actual shape
	Details  string // Additional details
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	var b strings.Builder
	b.WriteString("shape error")
	if e.Layer != "" {
		fmt.Fprintf(&b, ": layer %q", e.Layer)
	}
	if e.Blob != "" {
		fmt.Fprintf(&b, ": blob %q", e.Blob)
	}
	if e.Expected != nil {
		fmt.Fprintf(&b, ": expected %v, got %v", e.Expected, e.Got)
	} else if e.Got != nil {
		fmt.Fprintf(&b, ": shape %v", e.Got)
	}
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

// ConfigError reports invalid or missing layer configuration.
type ConfigError struct {
	Layer   string // Layer name
	Param   string // Offending parameter (may be empty)
	Details string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("config error: layer %q: param %q: %s", e.Layer, e.Param, e.Details)
	}
	return fmt.Sprintf("config error: layer %q: %s", e.Layer, e.Details)
}

// CycleError reports a graph with no valid topological order.
type CycleError struct {
	Layers []string // Layers that could not be scheduled, in declaration order
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle error: no topological order for layers %s", strings.Join(e.Layers, ", "))
}

// DanglingInputError reports a consumed blob that is never produced.
type DanglingInputError struct {
	Layer string // Consuming layer
	Blob  string // Missing blob name
}

// Error implements the error interface.
func (e *DanglingInputError) Error() string {
	return fmt.Sprintf("dangling input: layer %q consumes %q, which is neither produced nor declared as input", e.Layer, e.Blob)
}

// LoadError wraps the first failure encountered while loading a net.
type LoadError struct {
	Net string // Net name
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load net %q: %v", e.Net, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// StateError reports an operation invoked in an invalid net state.
type StateError struct {
	Op      string // Operation attempted (e.g. "backward")
	State   string // State the net was in
	Details string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("state error: %s in state %s: %s", e.Op, e.State, e.Details)
	}
	return fmt.Sprintf("state error: %s in state %s", e.Op, e.State)
}

// DeviceError reports a failed allocation or transfer on a compute device.
type DeviceError struct {
	Device string // Device description, e.g. "GPU(0)"
	Blob   string // Blob being transferred (may be empty)
	Err    error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Blob != "" {
		return fmt.Sprintf("device %s: blob %q: %v", e.Device, e.Blob, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error {
	return e.Err
}
