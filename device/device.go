// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device selects where nets run and exposes the device memory
// providers.
//
// Nets read the mode of a Controller when they allocate their blobs. The
// process-wide Default controller backs caffe.SetModeCPU and
// caffe.SetModeGPU; tests and servers running several configurations
// should create their own and pass it with caffe.WithController.
//
// Example:
//
//	ctrl := device.NewController(device.WithProviderFactory(device.OpenWebGPU))
//	ctrl.SetModeGPU(0)
//	n, err := caffe.NewNet(&def, caffe.TEST, caffe.WithController(ctrl))
package device

import (
	"github.com/go-logr/logr"

	"github.com/born-ml/caffe/internal/device"
)

// Mode selects the host or an indexed GPU.
type Mode = device.Mode

// Kind is the class of a Mode.
type Kind = device.Kind

// Device kinds.
const (
	KindCPU = device.KindCPU
	KindGPU = device.KindGPU
)

// Controller holds the current mode and the opened providers.
type Controller = device.Controller

// Option configures a Controller.
type Option = device.Option

// Provider manages memory on one device.
type Provider = device.Provider

// ProviderFactory opens the provider for a GPU ordinal.
type ProviderFactory = device.ProviderFactory

// HostProvider emulates device memory in host RAM.
type HostProvider = device.HostProvider

// ErrNoGPU is returned when no GPU runtime is available.
var ErrNoGPU = device.ErrNoGPU

// Default is the process-wide controller.
var Default = device.Default

// CPU returns the host mode.
func CPU() Mode { return device.CPU() }

// GPU returns the mode for the GPU with the given ordinal.
func GPU(index int) Mode { return device.GPU(index) }

// NewController creates a controller in CPU mode.
func NewController(opts ...Option) *Controller {
	return device.NewController(opts...)
}

// WithProviderFactory sets how GPU providers are opened.
func WithProviderFactory(f ProviderFactory) Option {
	return device.WithProviderFactory(f)
}

// WithLogger sets the sink for device events.
func WithLogger(l logr.Logger) Option {
	return device.WithLogger(l)
}

// NewHostProvider creates an emulated device.
func NewHostProvider(index int) *HostProvider {
	return device.NewHostProvider(index)
}

// HostProviderFactory opens a HostProvider for any ordinal.
func HostProviderFactory(index int) (Provider, error) {
	return device.HostProviderFactory(index)
}

// OpenWebGPU opens the WebGPU adapter as a provider.
func OpenWebGPU(index int) (Provider, error) {
	return device.OpenWebGPU(index)
}

// WebGPUAvailable reports whether a WebGPU adapter can be opened.
func WebGPUAvailable() bool {
	return device.WebGPUAvailable()
}
