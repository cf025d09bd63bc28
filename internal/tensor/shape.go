// Package tensor implements the blob store: shaped float32 buffers with a
// paired gradient (diff) buffer and CPU/GPU residency.
package tensor

import (
	"fmt"
	"math"
	"slices"
)

// Shape lists blob dimensions, outermost first. An empty shape is a scalar
// holding one value.
type Shape []int

// NumElements is the product of the dimensions. Call Validate first on
// shapes from untrusted input; the product is not overflow checked here.
func (s Shape) NumElements() int {
	return s.CountRange(0, len(s))
}

// Validate reports a non-positive dimension or a dimension product that
// does not fit in an int.
func (s Shape) Validate() error {
	total := 1
	for axis, d := range s {
		if d <= 0 {
			return fmt.Errorf("dimension %d of shape %v is %d, want > 0", axis, []int(s), d)
		}
		if total > math.MaxInt/d {
			return fmt.Errorf("shape %v holds more than %d elements", []int(s), math.MaxInt)
		}
		total *= d
	}
	return nil
}

// Equal reports whether s and other have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Clone returns an independent copy of s.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// CountRange returns the product of dimensions in [start, end).
func (s Shape) CountRange(start, end int) int {
	n := 1
	for i := start; i < end; i++ {
		n *= s[i]
	}
	return n
}

// CanonicalAxis maps a possibly negative axis to [0, len(s)).
// Axis -1 is the last axis.
func (s Shape) CanonicalAxis(axis int) (int, error) {
	n := len(s)
	if axis < -n || axis >= n {
		return 0, fmt.Errorf("axis %d out of range for %d-D shape %v", axis, n, []int(s))
	}
	if axis < 0 {
		return axis + n, nil
	}
	return axis, nil
}

// String formats the shape as "4x10" ("scalar" for an empty shape).
func (s Shape) String() string {
	if len(s) == 0 {
		return "scalar"
	}
	out := ""
	for i, d := range s {
		if i > 0 {
			out += "x"
		}
		out += fmt.Sprint(d)
	}
	return out
}
