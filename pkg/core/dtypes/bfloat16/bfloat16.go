// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 is a small implementation of the bfloat16 type, following the API of
// https://github.com/x448/float16.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) is a 16-bit float that keeps the 8-bit exponent of float32
// and truncates the mantissa to 7 bits: same range as float32, much lower precision.
type BFloat16 uint16

// Float32 converts the BFloat16 to a float32. The conversion is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// Float64 converts the BFloat16 to a float64. The conversion is exact.
func (f BFloat16) Float64() float64 {
	return float64(f.Float32())
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest even value.
// NaN values are kept NaN (quiet).
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		return BFloat16((bits >> 16) | 0x0040)
	}
	// Round-to-nearest-even on the 16 dropped bits.
	bias := uint32(0x7FFF) + ((bits >> 16) & 1)
	return BFloat16((bits + bias) >> 16)
}

// FromFloat64 converts a float64 to a BFloat16.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// FromBits convert an uint16 to a BFloat16.
func FromBits(u uint16) BFloat16 {
	return BFloat16(u)
}

// Bits convert BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity.
// A sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32(float32(math.Inf(sign)))
}
