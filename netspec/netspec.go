// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package netspec builds net definitions in code.
//
// Layers are appended in order and return handles to their outputs; the
// handles are passed as inputs to later layers. Nothing is validated until
// the definition is loaded into a net.
//
// Example:
//
//	ns := netspec.New("mlp")
//	data := ns.Input("data", []int{64, 784})
//	fc1 := layers.InnerProduct(ns, "fc1", data, 128)
//	relu := layers.ReLU(ns, "relu1", fc1)
//	np := ns.ToSerializable()
package netspec

import (
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/netspec"
	"github.com/born-ml/caffe/internal/proto"
)

// NetSpec accumulates a net definition.
type NetSpec = netspec.NetSpec

// Top is a handle to a tensor produced by a NetSpec.
type Top = netspec.Top

// Definition is a compiled net definition.
type Definition = graph.Definition

// LayerSpec is one layer of a Definition.
type LayerSpec = graph.LayerSpec

// BlobData is a shaped array of pre-trained parameter values.
type BlobData = graph.BlobData

// InputLayer is the Top.Layer of external inputs.
const InputLayer = netspec.InputLayer

// New creates an empty spec.
func New(name string) *NetSpec {
	return netspec.New(name)
}

// FromSerializable rebuilds a spec from its wire message.
func FromSerializable(np *proto.NetParameter) (*NetSpec, error) {
	return netspec.FromSerializable(np)
}

// FromDefinition rebuilds a spec from a compiled definition.
func FromDefinition(def *Definition) *NetSpec {
	return netspec.FromDefinition(def)
}
