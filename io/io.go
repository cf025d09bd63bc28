// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package io moves data in and out of blobs: images through a Transformer
// matched to a net input, text through BPE token ids, and trained weights
// through SafeTensors files.
//
// Example:
//
//	data, _ := n.Blob("data")
//	tr, err := io.NewTransformer(data.Shape())
//	if err != nil {
//	    return err
//	}
//	tr.SetTranspose([]int{2, 0, 1})
//	tr.SetRawScale(255)
//	im, err := io.LoadImage("cat.jpg", true)
//	if err != nil {
//	    return err
//	}
//	values, err := tr.Preprocess(im)
package io

import (
	stdio "io"

	"github.com/born-ml/caffe/internal/caffeio"
	"github.com/born-ml/caffe/internal/proto"
	"github.com/born-ml/caffe/internal/tensor"
)

// Image is a height x width x channels float32 image.
type Image = caffeio.Image

// Transformer maps images to the layout of one net input.
type Transformer = caffeio.Transformer

// Interpolation selects the resampling kernel of ResizeImage.
type Interpolation = caffeio.Interpolation

// Interpolation kernels.
const (
	Nearest    = caffeio.Nearest
	Bilinear   = caffeio.Bilinear
	CatmullRom = caffeio.CatmullRom
)

// DefaultEncoding is the BPE encoding used when none is named.
const DefaultEncoding = caffeio.DefaultEncoding

// NewImage allocates a zeroed image.
func NewImage(height, width, channels int) *Image {
	return caffeio.NewImage(height, width, channels)
}

// LoadImage decodes a PNG, JPEG, GIF, BMP, TIFF or WebP file into values in
// [0, 1]. color selects RGB, otherwise one gray channel.
func LoadImage(path string, color bool) (*Image, error) {
	return caffeio.LoadImage(path, color)
}

// ResizeImage resamples im to height x width.
func ResizeImage(im *Image, height, width int, interp Interpolation) (*Image, error) {
	return caffeio.ResizeImage(im, height, width, interp)
}

// ImageToBlob stacks same-sized images into a {num, channels, height,
// width} blob.
func ImageToBlob(name string, images ...*Image) (*tensor.Blob, error) {
	return caffeio.ImageToBlob(name, images...)
}

// NewTransformer configures a transformer for an input of shape
// {num, channels, height, width}.
func NewTransformer(shape tensor.Shape) (*Transformer, error) {
	return caffeio.NewTransformer(shape)
}

// TokenIDs encodes text with the named BPE encoding as float32 ids.
func TokenIDs(text, encoding string) ([]float32, error) {
	return caffeio.TokenIDs(text, encoding)
}

// TokenBlob encodes text into a blob of shape {tokens}.
func TokenBlob(name, text, encoding string) (*tensor.Blob, error) {
	return caffeio.TokenBlob(name, text, encoding)
}

// DecodeTokens turns ids back into text.
func DecodeTokens(ids []float32, encoding string) (string, error) {
	return caffeio.DecodeTokens(ids, encoding)
}

// VocabSize returns the number of ids of encoding.
func VocabSize(encoding string) (int, error) {
	return caffeio.VocabSize(encoding)
}

// ArrayToBlobProto wraps values of the given shape.
func ArrayToBlobProto(values []float32, shape tensor.Shape) (proto.BlobProto, error) {
	return caffeio.ArrayToBlobProto(values, shape)
}

// BlobProtoToArray returns the values and shape held by bp.
func BlobProtoToArray(bp *proto.BlobProto) ([]float32, tensor.Shape, error) {
	return caffeio.BlobProtoToArray(bp)
}

// ReadSafetensors reads trained weights from a SafeTensors file.
func ReadSafetensors(path string) (*proto.NetParameter, error) {
	return caffeio.ReadSafetensors(path)
}

// DecodeSafetensors is ReadSafetensors over an arbitrary reader.
func DecodeSafetensors(r stdio.Reader) (*proto.NetParameter, error) {
	return caffeio.DecodeSafetensors(r)
}

// WriteSafetensors writes the blobs of np as F32 tensors.
func WriteSafetensors(path string, np *proto.NetParameter, metadata map[string]string) error {
	return caffeio.WriteSafetensors(path, np, metadata)
}
