// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layers appends typed layers to a NetSpec and exposes the layer
// registry for custom kinds.
//
// Each constructor takes the NetSpec, the layer name and its inputs, and
// returns the handle of the output tensor, named after the layer. Extra
// settings are passed as params.
//
// Example:
//
//	ns := netspec.New("classifier")
//	data := ns.Input("data", []int{32, 100})
//	label := ns.Input("label", []int{32})
//	fc := layers.InnerProduct(ns, "fc", data, 10, params.WeightFiller("msra"))
//	layers.SoftmaxWithLoss(ns, "loss", fc, label)
package layers

import (
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/layers"
	"github.com/born-ml/caffe/internal/netspec"
)

// Layer is one unit of computation in a net.
type Layer = layers.Layer

// LossLayer marks layers whose outputs count towards the net loss.
type LossLayer = layers.LossLayer

// Creator builds a layer from its spec.
type Creator = layers.Creator

// Context carries load-time settings to a Creator.
type Context = layers.Context

// Registry maps layer type tags to constructors.
type Registry = layers.Registry

// Phase selects training or inference behavior.
type Phase = layers.Phase

// Phases.
const (
	Train = layers.Train
	Test  = layers.Test
)

// Box encodings for the DetectionOutput code_type param.
const (
	CodeCorner     = layers.CodeCorner
	CodeCenterSize = layers.CodeCenterSize
	CodeCornerSize = layers.CodeCornerSize
)

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	return layers.NewRegistry()
}

// Register adds a custom kind to the process-wide registry.
func Register(layerType string, c Creator) {
	layers.Register(layerType, c)
}

// TypeList returns the registered type tags, sorted.
func TypeList() []string {
	return layers.TypeList()
}

func add(ns *netspec.NetSpec, name, typ string, inputs []netspec.Top, ps []graph.Param) netspec.Top {
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.String()
	}
	return ns.AddLayer(name, typ, names, ps...)
}

func with(ps []graph.Param, extra ...graph.Param) []graph.Param {
	return append(extra, ps...)
}

// InnerProduct appends a fully connected layer with numOutput units.
func InnerProduct(ns *netspec.NetSpec, name string, in netspec.Top, numOutput int, ps ...graph.Param) netspec.Top {
	return add(ns, name, "InnerProduct", []netspec.Top{in}, with(ps, graph.Param{Key: "num_output", Value: graph.IntValue(int64(numOutput))}))
}

// ReLU appends a rectifier. A negative_slope param makes it leaky.
func ReLU(ns *netspec.NetSpec, name string, in netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "ReLU", []netspec.Top{in}, ps)
}

// TanH appends a hyperbolic tangent.
func TanH(ns *netspec.NetSpec, name string, in netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "TanH", []netspec.Top{in}, ps)
}

// Sigmoid appends a logistic function.
func Sigmoid(ns *netspec.NetSpec, name string, in netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "Sigmoid", []netspec.Top{in}, ps)
}

// Softmax appends a softmax over axis 1, or the axis param.
func Softmax(ns *netspec.NetSpec, name string, in netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "Softmax", []netspec.Top{in}, ps)
}

// Normalize2 appends an L2 normalisation with a learned scale.
func Normalize2(ns *netspec.NetSpec, name string, in netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "Normalize2", []netspec.Top{in}, ps)
}

// Dropout appends a dropout layer that zeroes inputs with probability
// ratio during training.
func Dropout(ns *netspec.NetSpec, name string, in netspec.Top, ratio float64, ps ...graph.Param) netspec.Top {
	return add(ns, name, "Dropout", []netspec.Top{in}, with(ps, graph.Param{Key: "dropout_ratio", Value: graph.FloatValue(ratio)}))
}

// Embed appends a lookup table of inputDim rows of numOutput values.
func Embed(ns *netspec.NetSpec, name string, in netspec.Top, inputDim, numOutput int, ps ...graph.Param) netspec.Top {
	return add(ns, name, "Embed", []netspec.Top{in}, with(ps,
		graph.Param{Key: "input_dim", Value: graph.IntValue(int64(inputDim))},
		graph.Param{Key: "num_output", Value: graph.IntValue(int64(numOutput))},
	))
}

// EuclideanLoss appends half the mean squared distance between pred and
// target.
func EuclideanLoss(ns *netspec.NetSpec, name string, pred, target netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "EuclideanLoss", []netspec.Top{pred, target}, ps)
}

// SoftmaxWithLoss appends the multinomial logistic loss of a softmax over
// scores against integer labels.
func SoftmaxWithLoss(ns *netspec.NetSpec, name string, scores, label netspec.Top, ps ...graph.Param) netspec.Top {
	return add(ns, name, "SoftmaxWithLoss", []netspec.Top{scores, label}, ps)
}

// DetectionOutput appends an SSD detection head over box regressions loc,
// class probabilities conf and prior boxes prior. Its output rows are
// [image_id, label, score, xmin, ymin, xmax, ymax].
func DetectionOutput(ns *netspec.NetSpec, name string, loc, conf, prior netspec.Top, numClasses int, ps ...graph.Param) netspec.Top {
	return add(ns, name, "DetectionOutput", []netspec.Top{loc, conf, prior}, with(ps, graph.Param{Key: "num_classes", Value: graph.IntValue(int64(numClasses))}))
}
