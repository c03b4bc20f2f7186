// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/shapes"
	"github.com/pkg/errors"
)

// BroadcastShapes returns the dimensions resulting from broadcasting the two given dimensions, using
// the usual "numpy" rules: dimensions are aligned to the right, and axes with dimension 1 (or missing)
// are broadcast to the other dimension.
func BroadcastShapes(dims0, dims1 []int) ([]int, error) {
	rank := max(len(dims0), len(dims1))
	result := make([]int, rank)
	for ii := range rank {
		d0, d1 := 1, 1
		if jj := ii - (rank - len(dims0)); jj >= 0 {
			d0 = dims0[jj]
		}
		if jj := ii - (rank - len(dims1)); jj >= 0 {
			d1 = dims1[jj]
		}
		switch {
		case d0 == d1:
			result[ii] = d0
		case d0 == 1:
			result[ii] = d1
		case d1 == 1:
			result[ii] = d0
		default:
			return nil, errors.Errorf("dimensions %v and %v are not broadcastable", dims0, dims1)
		}
	}
	return result, nil
}

// broadcastStrides returns the strides to index a tensor of dimensions dims as if it had the
// (larger) outputDims: broadcast axes get stride 0.
func broadcastStrides(dims, outputDims []int) []int {
	rank := len(outputDims)
	strides := make([]int, rank)
	stride := 1
	for ii := len(dims) - 1; ii >= 0; ii-- {
		outAxis := ii + rank - len(dims)
		if dims[ii] != 1 {
			strides[outAxis] = stride
		}
		stride *= dims[ii]
	}
	return strides
}

// binaryOp applies op elementwise on x0 and x1, with broadcasting.
// Both must have the same dtype; the result is on x0's device.
func binaryOp(name string, x0, x1 *Tensor, op func(a, b float64) float64) (*Tensor, error) {
	x0.AssertValid()
	x1.AssertValid()
	if x0.DType() != x1.DType() {
		return nil, errors.Errorf("%s: dtypes don't match: %s and %s", name, x0.DType(), x1.DType())
	}
	if x0.DType() == dtypes.Bool {
		return nil, errors.Errorf("%s: arithmetic not defined for dtype %s", name, x0.DType())
	}
	outDims, err := BroadcastShapes(x0.shape.Dimensions, x1.shape.Dimensions)
	if err != nil {
		return nil, errors.WithMessage(err, name)
	}
	outShape := shapes.Make(x0.DType(), outDims...)
	values0, values1 := flatToFloat64(x0.flat), flatToFloat64(x1.flat)
	out := make([]float64, outShape.Size())
	if x0.shape.EqualDimensions(x1.shape) {
		for ii := range out {
			out[ii] = op(values0[ii], values1[ii])
		}
	} else {
		strides0 := broadcastStrides(x0.shape.Dimensions, outDims)
		strides1 := broadcastStrides(x1.shape.Dimensions, outDims)
		for flatIdx, indices := range outShape.Iter() {
			idx0, idx1 := 0, 0
			for axis, idx := range indices {
				idx0 += idx * strides0[axis]
				idx1 += idx * strides1[axis]
			}
			out[flatIdx] = op(values0[idx0], values1[idx1])
		}
	}
	return newTensor(outShape, x0.device, float64ToFlat(outShape.DType, out)), nil
}

// Add returns x0 + x1, elementwise, with broadcasting.
func Add(x0, x1 *Tensor) (*Tensor, error) {
	return binaryOp("Add", x0, x1, func(a, b float64) float64 { return a + b })
}

// Sub returns x0 - x1, elementwise, with broadcasting.
func Sub(x0, x1 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", x0, x1, func(a, b float64) float64 { return a - b })
}

// Mul returns x0 * x1, elementwise, with broadcasting.
func Mul(x0, x1 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", x0, x1, func(a, b float64) float64 { return a * b })
}

// Neg returns -x, elementwise.
func Neg(x *Tensor) (*Tensor, error) {
	x.AssertValid()
	if x.DType() == dtypes.Bool {
		return nil, errors.Errorf("Neg: arithmetic not defined for dtype %s", x.DType())
	}
	values := flatToFloat64(x.flat)
	for ii, v := range values {
		values[ii] = -v
	}
	return newTensor(x.shape, x.device, float64ToFlat(x.DType(), values)), nil
}
