// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package caffe

import (
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/born-ml/caffe/internal/caffeio"
	"github.com/born-ml/caffe/internal/device"
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/layers"
	"github.com/born-ml/caffe/internal/net"
	"github.com/born-ml/caffe/internal/netspec"
	"github.com/born-ml/caffe/internal/proto"
)

// Net is a loaded, executable net.
type Net = net.Net

// NetState is the lifecycle state of a Net.
type NetState = net.State

// Updater applies accumulated gradients; solvers implement it.
type Updater = net.Updater

// NetSpec builds a net definition in code.
type NetSpec = netspec.NetSpec

// Phase selects training or inference behavior.
type Phase = layers.Phase

// Phases.
const (
	TRAIN = layers.Train
	TEST  = layers.Test
)

// NetOption configures NewNet and LoadNet.
type NetOption = net.Option

// WithController allocates the net under c's device mode instead of the
// process-wide one.
func WithController(c *device.Controller) NetOption {
	return net.WithController(c)
}

// WithRegistry creates layers from r instead of the process-wide registry.
func WithRegistry(r *layers.Registry) NetOption {
	return net.WithRegistry(r)
}

// WithLogger sends the net's log output to l.
func WithLogger(l logr.Logger) NetOption {
	return net.WithLogger(l)
}

// NewNetSpec creates an empty net definition.
func NewNetSpec(name string) *NetSpec {
	return netspec.New(name)
}

// NewNet loads def in the given phase.
func NewNet(def *graph.Definition, phase Phase, opts ...NetOption) (*Net, error) {
	opts = append([]NetOption{net.WithPhase(phase)}, opts...)
	return net.Load(def, opts...)
}

// LoadNet reads a net definition from modelPath and loads it. A non-empty
// weightsPath names a file whose layer blobs are copied into the layers of
// the same name; see ReadWeights for the accepted formats.
func LoadNet(modelPath, weightsPath string, phase Phase, opts ...NetOption) (*Net, error) {
	np, err := proto.ReadFile(modelPath)
	if err != nil {
		return nil, err
	}
	def, err := np.ToDefinition()
	if err != nil {
		return nil, errors.Wrap(err, modelPath)
	}
	n, err := NewNet(&def, phase, opts...)
	if err != nil {
		return nil, err
	}
	if weightsPath == "" {
		return n, nil
	}

	weights, err := ReadWeights(weightsPath)
	if err != nil {
		n.Release()
		return nil, err
	}
	if err := n.CopyTrainedLayersFrom(weights); err != nil {
		n.Release()
		return nil, errors.Wrap(err, weightsPath)
	}
	return n, nil
}

// ReadWeights reads trained layer blobs from path. Files ending in
// .safetensors are read as SafeTensors with tensors named "<layer>.weight",
// "<layer>.bias" or "<layer>.<index>"; anything else is a net file.
func ReadWeights(path string) (*proto.NetParameter, error) {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		return caffeio.ReadSafetensors(path)
	}
	return proto.ReadFile(path)
}

// ToProto serializes the net spec, including any attached blobs.
func ToProto(ns *NetSpec) *proto.NetParameter {
	return ns.ToSerializable()
}
