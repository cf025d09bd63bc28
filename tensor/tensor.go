// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/tensor"
)

// Shape is the dimensions of a blob. An empty shape is a scalar.
type Shape = tensor.Shape

// Blob is a shaped float32 array with a gradient array.
type Blob = tensor.Blob

// Head tells which side of a blob's memory is current.
type Head = tensor.Head

// Memory heads.
const (
	Uninitialized = tensor.Uninitialized
	HeadAtCPU     = tensor.HeadAtCPU
	HeadAtGPU     = tensor.HeadAtGPU
	Synced        = tensor.Synced
)

// NewBlob allocates a zeroed blob under mode. GPU modes need the provider
// of that device.
func NewBlob(name string, shape Shape, mode device.Mode, provider device.Provider) (*Blob, error) {
	return tensor.NewBlob(name, shape, mode, provider)
}

// NewHostBlob allocates a zeroed CPU blob. It panics on an invalid shape.
func NewHostBlob(name string, shape Shape) *Blob {
	return tensor.NewHostBlob(name, shape)
}

// FromSlice creates a CPU blob holding a copy of values.
func FromSlice(name string, values []float32, shape Shape) (*Blob, error) {
	return tensor.FromSlice(name, values, shape)
}
