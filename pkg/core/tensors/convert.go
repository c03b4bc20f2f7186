// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/rotary/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// ToFloat64s returns a copy of the tensor values converted to float64.
// Bool values are converted to 0 or 1.
func ToFloat64s(t *Tensor) []float64 {
	t.AssertValid()
	return flatToFloat64(t.flat)
}

// FromFloat64s creates a tensor of the given dtype, device and dimensions, converting (rounding) the float64
// values to dtype. For Bool, any non-zero value is converted to true.
//
// It returns an error if len(values) doesn't match the dimensions or the dtype is not supported.
func FromFloat64s(dtype dtypes.DType, device DeviceNum, values []float64, dimensions ...int) (*Tensor, error) {
	if !dtype.IsSupported() {
		return nil, errors.Errorf("FromFloat64s: unsupported dtype %s", dtype)
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			return nil, errors.Errorf("FromFloat64s: invalid dimensions %v", dimensions)
		}
	}
	shape := shapes.Make(dtype, dimensions...)
	if len(values) != shape.Size() {
		return nil, errors.Errorf("FromFloat64s(%s): got %d values, but shape has %d elements",
			shape, len(values), shape.Size())
	}
	return newTensor(shape, device, float64ToFlat(dtype, values)), nil
}

// ConvertDType returns a tensor with the values converted to the given dtype.
// If the tensor already has the dtype, it is returned itself (tensors are immutable).
func (t *Tensor) ConvertDType(dtype dtypes.DType) (*Tensor, error) {
	t.AssertValid()
	if t.DType() == dtype {
		return t, nil
	}
	if !dtype.IsSupported() {
		return nil, errors.Errorf("ConvertDType(%s): unsupported dtype", dtype)
	}
	return newTensor(t.shape.WithDType(dtype), t.device, float64ToFlat(dtype, flatToFloat64(t.flat))), nil
}

// To converts the tensor to the given dtype and device in one call.
func (t *Tensor) To(dtype dtypes.DType, device DeviceNum) (*Tensor, error) {
	converted, err := t.ConvertDType(dtype)
	if err != nil {
		return nil, err
	}
	return converted.OnDevice(device), nil
}

func castSlice[From, To constraints.Integer | constraints.Float](values []From) []To {
	converted := make([]To, len(values))
	for ii, v := range values {
		converted[ii] = To(v)
	}
	return converted
}

// flatToFloat64 converts any supported flat slice to a new []float64.
func flatToFloat64(flat any) []float64 {
	switch values := flat.(type) {
	case []float64:
		converted := make([]float64, len(values))
		copy(converted, values)
		return converted
	case []float32:
		return castSlice[float32, float64](values)
	case []int32:
		return castSlice[int32, float64](values)
	case []int64:
		return castSlice[int64, float64](values)
	case []float16.Float16:
		converted := make([]float64, len(values))
		for ii, v := range values {
			converted[ii] = float64(v.Float32())
		}
		return converted
	case []bfloat16.BFloat16:
		converted := make([]float64, len(values))
		for ii, v := range values {
			converted[ii] = v.Float64()
		}
		return converted
	case []bool:
		converted := make([]float64, len(values))
		for ii, v := range values {
			if v {
				converted[ii] = 1
			}
		}
		return converted
	default:
		exceptions.Panicf("unsupported flat data type %T", flat)
		panic(nil)
	}
}

// float64ToFlat converts (rounding to nearest) the float64 values to a flat slice of the dtype.
func float64ToFlat(dtype dtypes.DType, values []float64) any {
	switch dtype {
	case dtypes.Float64:
		converted := make([]float64, len(values))
		copy(converted, values)
		return converted
	case dtypes.Float32:
		return castSlice[float64, float32](values)
	case dtypes.Int32:
		return castSlice[float64, int32](values)
	case dtypes.Int64:
		return castSlice[float64, int64](values)
	case dtypes.Float16:
		converted := make([]float16.Float16, len(values))
		for ii, v := range values {
			converted[ii] = float16FromFloat64(v)
		}
		return converted
	case dtypes.BFloat16:
		converted := make([]bfloat16.BFloat16, len(values))
		for ii, v := range values {
			converted[ii] = bfloat16.FromFloat64(v)
		}
		return converted
	case dtypes.Bool:
		converted := make([]bool, len(values))
		for ii, v := range values {
			converted[ii] = v != 0
		}
		return converted
	default:
		exceptions.Panicf("unsupported dtype %s", dtype)
		panic(nil)
	}
}

// float16FromFloat64 goes through float32, since x448/float16 only converts from float32.
// The double rounding is innocuous for the results of float16 arithmetic.
func float16FromFloat64(v float64) float16.Float16 {
	return float16.Fromfloat32(float32(v))
}
