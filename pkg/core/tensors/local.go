// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/rotary/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we enumerate up to 4 dimensions (the rank of query/key tensors).
type MultiDimensionSlice interface {
	bool | float16.Float16 | bfloat16.BFloat16 | float32 | float64 | int | int32 | int64 |
		[]bool | []float16.Float16 | []bfloat16.BFloat16 | []float32 | []float64 | []int | []int32 | []int64 |
		[][]bool | [][]float16.Float16 | [][]bfloat16.BFloat16 | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 |
		[][][]bool | [][][]float16.Float16 | [][][]bfloat16.BFloat16 | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 |
		[][][][]bool | [][][][]float16.Float16 | [][][][]bfloat16.BFloat16 | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return newTensor(shape, DefaultDevice, makeFlat(shape.DType, shape.Size()))
}

// makeFlat allocates a flat slice for the dtype.
func makeFlat(dtype dtypes.DType, size int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
}

// FromScalarAndDimensions creates a local tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	data := make([]T, shape.Size())
	for ii := range data {
		data[ii] = value
	}
	return FromFlatDataAndDimensions(data, dimensions...)
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the
// flattened values given in `data`. The data is copied.
//
// The `data` must have the same size as the product of the dimensions, or it panics.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf(
			"FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape,
			len(data),
			shape.Size(),
		)
	}
	var flat any
	switch values := any(data).(type) {
	case []int:
		// The dtype of `int` depends on the platform: convert element by element.
		if strconv.IntSize == 32 {
			converted := make([]int32, len(values))
			for ii, v := range values {
				converted[ii] = int32(v)
			}
			flat = converted
		} else {
			converted := make([]int64, len(values))
			for ii, v := range values {
				converted[ii] = int64(v)
			}
			flat = converted
		}
	default:
		cloned := make([]T, len(data))
		copy(cloned, data)
		flat = cloned
	}
	return newTensor(shape, DefaultDevice, flat)
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
//
// Notice that FromFlatDataAndDimensions is much faster if speed here is a concern.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return must.M1(FromAnyValue(value))
}

// FromAnyValue is a non-generic version of FromValue.
// The input is expected to be either a scalar or a slice of slices with homogeneous dimensions.
// If the input is a tensor already, it is simply returned.
//
// It returns an error if `value` type is unsupported or the shape is not regular.
func FromAnyValue(value any) (*Tensor, error) {
	if valueT, ok := value.(*Tensor); ok {
		return valueT, nil
	}
	shape, err := shapeForValue(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create shape from %T", value)
	}
	flatV := reflect.ValueOf(makeFlat(shape.DType, shape.Size()))
	if baseType(reflect.TypeOf(value)).Kind() == reflect.Int {
		// Copy through an []int, then convert to the platform's dtype.
		intsV := reflect.ValueOf(make([]int, shape.Size()))
		fillFlat(intsV, reflect.ValueOf(value), shape)
		ints := intsV.Interface().([]int)
		return FromFlatDataAndDimensions(ints, shape.Dimensions...), nil
	}
	fillFlat(flatV, reflect.ValueOf(value), shape)
	return newTensor(shape, DefaultDevice, flatV.Interface()), nil
}

func fillFlat(flatV, valueV reflect.Value, shape shapes.Shape) {
	if shape.IsScalar() {
		flatV.Index(0).Set(valueV)
		return
	}
	copySlicesRecursively(flatV, valueV, shape.Strides())
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		// Last level of slice, just copy over the slice.
		reflect.Copy(data, mdSlice)
		return
	}

	numElements := mdSlice.Len()
	subStrides := strides[1:]
	for ii := 0; ii < numElements; ii++ {
		start := ii * strides[0]
		end := (ii + 1) * strides[0]
		copySlicesRecursively(data.Slice(start, end), mdSlice.Index(ii), subStrides)
	}
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	if v == nil {
		return shapes.Invalid(), errors.New("cannot convert nil to a tensor")
	}
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		// Recurse into inner slices.
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()

		// The first element is the reference.
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}

		// Test that other elements have the same shape as the first one.
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	case reflect.Pointer:
		return errors.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a concrete tensor type", t)
		}
	}
	return nil
}

// baseType will return the underlying type of a multi-dimension slice. So `baseType([][]int{})` would return the
// type `int`.
func baseType(valueType reflect.Type) reflect.Type {
	for valueType.Kind() == reflect.Slice || valueType.Kind() == reflect.Array {
		valueType = valueType.Elem()
	}
	return valueType
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
//
// The slice is shared with the tensor: it must not be modified.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	accessFn(t.flat)
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// It returns an error if T doesn't match the tensor's dtype.
//
// The slice is shared with the tensor: it must not be modified.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	t.AssertValid()
	flat, ok := t.flat.([]T)
	if !ok {
		var dummy T
		return errors.Errorf("ConstFlatData[%T] called for tensor of dtype %s", dummy, t.DType())
	}
	accessFn(flat)
	return nil
}

// CopyFlatData returns a copy of the flat data of the Tensor.
// It returns an error if T doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var data []T
	err := ConstFlatData(t, func(flat []T) {
		data = make([]T, len(flat))
		copy(data, flat)
	})
	return data, err
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	return must.M1(CopyFlatData[T](t))
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values stored
// in the tensor.
// For instance, a float32 tensor of shape [2, 3] returns a [][]float32.
func (t *Tensor) Value() any {
	t.AssertValid()
	if t.shape.IsScalar() {
		return reflect.ValueOf(t.flat).Index(0).Interface()
	}
	flatV := reflect.ValueOf(t.flat)
	copyV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(copyV, flatV)
	return convertDataToSlices(copyV, t.shape.Dimensions...).Interface()
}

// At returns the element at the given indices, as the Go type of the tensor's dtype.
// It panics if the number of indices doesn't match the rank or if they are out of bounds.
func (t *Tensor) At(indices ...int) any {
	t.AssertValid()
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.At(%v): tensor has rank %d", indices, t.Rank())
	}
	strides := t.shape.Strides()
	flatIdx := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape.Dimensions[axis] {
			exceptions.Panicf("Tensor.At(%v): index out of bounds for shape %s", indices, t.shape)
		}
		flatIdx += idx * strides[axis]
	}
	return reflect.ValueOf(t.flat).Index(flatIdx).Interface()
}

// convertDataToSlices takes data as a flat slice, and creates a multidimensional slices with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := make([]int, len(dimensions))
	currentStride := 1
	for dim := len(dimensions) - 1; dim >= 0; dim-- {
		strides[dim] = currentStride
		currentStride *= dimensions[dim]
	}
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

// createSlicesRecursively creates the multidimensional slices pointing to the flat data.
func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := 0; ii < numElements; ii++ {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

// GoString implements fmt.GoStringer, used by "%#v".
func (t *Tensor) GoString() string {
	if t == nil {
		return "(*tensors.Tensor)(nil)"
	}
	return fmt.Sprintf("tensors.Tensor{shape: %s, device: %d}", t.shape, t.device)
}
