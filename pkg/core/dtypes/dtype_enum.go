// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum that represents the data type of a tensor element.
//
// The numeric values follow the XLA/PJRT buffer types, so serialized values stay compatible
// with GoMLX, even though only a subset of the types is supported here.
type DType int32

const (
	// InvalidDType is the zero value, used to flag uninitialized shapes.
	InvalidDType DType = 0

	// Bool holds predicates: used by attention masks.
	Bool DType = 1

	// Int32 and Int64 are used for position indices.
	Int32 DType = 4
	Int64 DType = 5

	// Float16 is IEEE 754 half precision, backed by github.com/x448/float16.
	Float16 DType = 10

	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the truncated "brain" float, see package bfloat16.
	BFloat16 DType = 13
)

// Aliases with the XLA names.
const (
	INVALID = InvalidDType
	PRED    = Bool
	S32     = Int32
	S64     = Int64
	F16     = Float16
	F32     = Float32
	F64     = Float64
	BF16    = BFloat16
)

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"INVALID":      InvalidDType,
	"Bool":         Bool,
	"PRED":         Bool,
	"Int32":        Int32,
	"S32":          Int32,
	"Int64":        Int64,
	"S64":          Int64,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int32:        "Int32",
	Int64:        "Int64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}
