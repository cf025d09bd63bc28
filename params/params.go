// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package params builds typed layer parameters.
//
// Example:
//
//	ns.AddLayer("fc1", "InnerProduct", []string{"data"},
//	    params.Int("num_output", 10),
//	    params.String("weight_filler", "xavier"),
//	)
package params

import (
	"github.com/born-ml/caffe/internal/graph"
	"github.com/born-ml/caffe/internal/netspec"
)

// Param is one keyed layer setting.
type Param = graph.Param

// Value is a tagged parameter value.
type Value = graph.Value

// Kind tags the type held by a Value.
type Kind = graph.Kind

// Int returns an integer parameter.
func Int(key string, v int) Param {
	return Param{Key: key, Value: graph.IntValue(int64(v))}
}

// Float returns a floating point parameter.
func Float(key string, v float64) Param {
	return Param{Key: key, Value: graph.FloatValue(v)}
}

// String returns a string parameter.
func String(key, v string) Param {
	return Param{Key: key, Value: graph.StringValue(v)}
}

// Bool returns a boolean parameter.
func Bool(key string, v bool) Param {
	return Param{Key: key, Value: graph.BoolValue(v)}
}

// Ints returns an integer list parameter.
func Ints(key string, v ...int) Param {
	xs := make([]int64, len(v))
	for i, x := range v {
		xs[i] = int64(x)
	}
	return Param{Key: key, Value: graph.IntsValue(xs...)}
}

// Floats returns a float list parameter.
func Floats(key string, v ...float64) Param {
	return Param{Key: key, Value: graph.FloatsValue(append([]float64(nil), v...)...)}
}

// LossWeight sets the weight of each output in the net loss, in output
// order.
func LossWeight(w ...float64) Param {
	if len(w) == 1 {
		return Float(netspec.LossWeightKey, w[0])
	}
	return Floats(netspec.LossWeightKey, w...)
}

// Seed fixes the random source used to initialise the layer's parameters.
func Seed(seed int) Param {
	return Int("seed", seed)
}

// WeightFiller selects the weight initialiser: constant, uniform,
// gaussian, xavier or msra.
func WeightFiller(kind string) Param {
	return String("weight_filler", kind)
}

// BiasFiller selects the bias initialiser.
func BiasFiller(kind string) Param {
	return String("bias_filler", kind)
}
