// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package caffe runs layer-graph neural networks.
//
// # Overview
//
// A net is a directed acyclic graph of layers connected by named tensors
// (blobs). Definitions are built in code with NetSpec or read from files
// with the proto package, then loaded into a Net that executes forward and
// backward passes on the CPU or a GPU.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/caffe"
//	    "github.com/born-ml/caffe/layers"
//	)
//
//	func main() {
//	    ns := caffe.NewNetSpec("regression")
//	    data := ns.Input("data", []int{4, 10})
//	    target := ns.Input("target", []int{4, 3})
//	    fc1 := layers.InnerProduct(ns, "fc1", data, 3)
//	    layers.EuclideanLoss(ns, "loss", fc1, target)
//
//	    def := ns.Compile()
//	    n, err := caffe.NewNet(&def, caffe.TRAIN)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    outputs, err := n.Forward(context.Background())
//	}
//
// # Devices
//
// SetModeCPU, SetModeGPU and SetDevice change the process-wide mode that
// nets read when they are created. Existing nets keep their blobs where
// they are; move them with Net.ToDevice.
package caffe

import (
	"fmt"
	"runtime"

	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/layers"
	"github.com/born-ml/caffe/internal/logging"
)

// Version is the library version.
const Version = "1.0.0"

// VersionString returns the version with the Go runtime it was built with.
func VersionString() string {
	return fmt.Sprintf("caffe %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// InitLog sends log output to stderr at the given klog verbosity.
func InitLog(verbosity int) error {
	return logging.InitLog(verbosity)
}

// Log writes msg at info level.
func Log(msg string, keysAndValues ...any) {
	logging.Log(msg, keysAndValues...)
}

// SetModeCPU makes nets created afterwards run on the host.
func SetModeCPU() {
	device.Default.SetModeCPU()
}

// SetModeGPU makes nets created afterwards run on the GPU with the given
// ordinal.
func SetModeGPU(index int) {
	device.Default.SetModeGPU(index)
}

// SetDevice selects the GPU ordinal used in GPU mode.
func SetDevice(index int) {
	device.Default.SetDevice(index)
}

// Layer is one unit of computation in a net. Implement it and call
// RegisterLayer to add a custom kind.
type Layer = layers.Layer

// LayerCreator builds a layer from its spec.
type LayerCreator = layers.Creator

// RegisterLayer adds a custom layer kind to the process-wide registry.
func RegisterLayer(layerType string, c LayerCreator) {
	layers.Register(layerType, c)
}

// LayerTypeList returns the registered layer type tags, sorted.
func LayerTypeList() []string {
	return layers.TypeList()
}
