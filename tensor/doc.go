// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the blobs nets compute on.
//
// # Overview
//
// A Blob is a named float32 array with a shape, paired with a gradient
// (diff) array of the same shape. Its memory lives on the host or on a GPU
// and moves lazily: reading on one side after writing on the other
// triggers one copy.
//
// # Basic Usage
//
//	b, err := tensor.FromSlice("data", values, tensor.Shape{2, 3})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(b.Count(), b.AsumData())
//
// Blobs inside a net belong to the net. Read them through Net.Blob after
// Forward; writes are overwritten by the next pass.
package tensor
