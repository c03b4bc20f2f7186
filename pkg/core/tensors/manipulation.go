// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/rotary/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Reshape returns a tensor with the same data (shared, since tensors are immutable) and the new dimensions.
// The total size must be the same.
//
// It is used, for instance, to prepend broadcast axes: Reshape(t, 1, 1, seqLen, headDim).
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	t.AssertValid()
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Errorf("Reshape(%v): dimensions must be > 0", dimensions)
		}
	}
	newShape := shapes.Make(t.DType(), dimensions...)
	if newShape.Size() != t.Size() {
		return nil, errors.Errorf("Reshape(%v): incompatible with shape %s (size %d != %d)",
			dimensions, t.shape, newShape.Size(), t.Size())
	}
	return newTensor(newShape, t.device, t.flat), nil
}

// SliceAxis returns the sub-tensor with indices [start, end) along the given axis, and the full range
// on the other axes. Negative axis counts from the end.
//
// The data is copied, except when slicing axis 0, in which case the result shares the contiguous
// block of memory with t.
func (t *Tensor) SliceAxis(axis, start, end int) (*Tensor, error) {
	t.AssertValid()
	rank := t.Rank()
	if rank == 0 {
		return nil, errors.New("SliceAxis: cannot slice a scalar")
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Errorf("SliceAxis: axis out of range for shape %s", t.shape)
	}
	dim := t.shape.Dimensions[axis]
	if start < 0 || end > dim || start >= end {
		return nil, errors.Errorf("SliceAxis(axis=%d, %d:%d): invalid range for shape %s", axis, start, end, t.shape)
	}
	newDims := slices.Clone(t.shape.Dimensions)
	newDims[axis] = end - start
	newShape := shapes.Make(t.DType(), newDims...)
	strides := t.shape.Strides()

	flatV := reflect.ValueOf(t.flat)
	if axis == 0 {
		sub := flatV.Slice(start*strides[0], end*strides[0])
		return newTensor(newShape, t.device, sub.Interface()), nil
	}

	// Copy blocks: for each combination of the outer axes, copy the contiguous inner block.
	outer := 1
	for _, d := range t.shape.Dimensions[:axis] {
		outer *= d
	}
	blockSize := (end - start) * strides[axis]
	outV := reflect.MakeSlice(flatV.Type(), newShape.Size(), newShape.Size())
	outerStride := dim * strides[axis]
	for ii := 0; ii < outer; ii++ {
		src := ii*outerStride + start*strides[axis]
		reflect.Copy(outV.Slice(ii*blockSize, (ii+1)*blockSize), flatV.Slice(src, src+blockSize))
	}
	return newTensor(newShape, t.device, outV.Interface()), nil
}
