// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, an immutable representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions), the device they are associated with, and their actual
// content, stored as a flat (1D) Go slice of the underlying dtype in row-major order.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): generic conversion from a scalar or a regular
//     multidimensional slice. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
// Tensors are never mutated after construction: all operations (ConvertDType, Reshape, SliceAxis,
// Add, Mul, ...) return new tensors. This makes them safe to share across goroutines without locking.
//
// Arithmetic is computed per element in float64 and rounded to the tensor's dtype after each
// operation, which gives the same result as computing natively in the dtype.
package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/shapes"
)

// DeviceNum tags the location (CPU, accelerator number, ...) a Tensor is associated with.
//
// The tensors here are always materialized in host memory: the tag is carried along and propagated
// by operations, so that results end up "on the same device" as their inputs.
type DeviceNum int

// DefaultDevice is the device tensors are created on, if not specified otherwise.
const DefaultDevice DeviceNum = 0

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape, a data type (dtypes.DType) and its axes' dimensions, and their actual content stored as a flat (1D)
// array of values.
//
// A Tensor is immutable: it is safe to use concurrently.
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// device the tensor is associated with.
	device DeviceNum

	// flat is a slice of the Go type corresponding to shape.DType, with shape.Size() elements.
	flat any
}

// newTensor creates a tensor owning the given flat data. It doesn't copy it.
func newTensor(shape shapes.Shape, device DeviceNum, flat any) *Tensor {
	return &Tensor{shape: shape, device: device, flat: flat}
}

// AssertValid panics if the tensor is nil or has an invalid shape.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.shape.Ok() {
		exceptions.Panicf("tensor has invalid shape %s", t.shape)
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Device returns the device the tensor is associated with.
func (t *Tensor) Device() DeviceNum { return t.device }

// OnDevice returns the tensor associated with the given device.
// If it is already on the device, it returns the tensor itself, since tensors are immutable.
//
// The underlying data is shared, since it is never modified.
func (t *Tensor) OnDevice(device DeviceNum) *Tensor {
	t.AssertValid()
	if t.device == device {
		return t
	}
	return newTensor(t.shape, device, t.flat)
}

// String implements fmt.Stringer, and pretty-prints the tensor's content.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return t.Summary(6)
}
