// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package proto is the serialized form of a net: binary protocol buffer
// wire format for weights files, YAML for hand-written definitions.
//
// Example:
//
//	np, err := proto.ReadFile("lenet.yaml")
//	if err != nil {
//	    return err
//	}
//	err = proto.WriteFile("lenet.caffemodel", np)
package proto

import (
	"github.com/born-ml/caffe/internal/proto"
)

// NetParameter is a serialized net.
type NetParameter = proto.NetParameter

// InputParameter declares an external input.
type InputParameter = proto.InputParameter

// LayerParameter is a serialized layer.
type LayerParameter = proto.LayerParameter

// ParamEntry is one typed layer setting.
type ParamEntry = proto.ParamEntry

// BlobProto is a shaped float32 array.
type BlobProto = proto.BlobProto

// Marshal encodes np in the binary wire format.
func Marshal(np *NetParameter) ([]byte, error) {
	return proto.Marshal(np)
}

// Unmarshal decodes the binary wire format.
func Unmarshal(data []byte) (*NetParameter, error) {
	return proto.Unmarshal(data)
}

// MarshalText encodes np as YAML.
func MarshalText(np *NetParameter) ([]byte, error) {
	return proto.MarshalText(np)
}

// UnmarshalText decodes YAML.
func UnmarshalText(data []byte) (*NetParameter, error) {
	return proto.UnmarshalText(data)
}

// ReadFile reads a net from path: YAML for .yaml and .yml, binary
// otherwise.
func ReadFile(path string) (*NetParameter, error) {
	return proto.ReadFile(path)
}

// WriteFile writes np to path in the format its extension selects.
func WriteFile(path string, np *NetParameter) error {
	return proto.WriteFile(path, np)
}
