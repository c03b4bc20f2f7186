// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"reflect"
)

// Equal checks weather t == otherTensor: same shape (dtype and dimensions) and exactly the same values.
// The device is not compared.
// If they are the same pointer they are considered equal.
// If either are invalid (nil) it panics.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	t0V := reflect.ValueOf(t.flat)
	t1V := reflect.ValueOf(otherTensor.flat)
	for ii := range t0V.Len() {
		if !t0V.Index(ii).Equal(t1V.Index(ii)) {
			return false
		}
	}
	return true
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element.
// If the shapes are different it returns false.
// If either are invalid (nil) it panics.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	values0, values1 := flatToFloat64(t.flat), flatToFloat64(otherTensor.flat)
	for ii, v0 := range values0 {
		v1 := values1[ii]
		if math.IsNaN(v0) || math.IsNaN(v1) {
			return false
		}
		if v0 == v1 {
			// Also handles infinities of the same sign.
			continue
		}
		if math.Abs(v0-v1) > delta {
			return false
		}
	}
	return true
}
