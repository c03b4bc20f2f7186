// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pos

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/tensors"
	"github.com/gomlx/rotary/pkg/support/errs"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBase is the usual base frequency for rotary embeddings.
const DefaultBase = 10000.0

// AngleTable holds the precomputed cosine and sine tables of rotary position embeddings
// ("RoFormer", see [1]), each shaped [cacheLen, headDim].
//
// The embedding (aka. features) axis is split into interleaved pairs (2i, 2i+1), each rotated at
// the frequency 1/base^(i/(headDim/2)). Both elements of a pair share the same angle, so row p
// of the cosine table is [cos(p*f_0), cos(p*f_0), cos(p*f_1), cos(p*f_1), ...].
//
// An AngleTable is immutable, and can be shared across goroutines. It implements Encoder.
//
// [1] "RoFormer: Enhanced Transformer with Rotary Position Embedding", https://arxiv.org/abs/2104.09864
type AngleTable struct {
	cos, sin *tensors.Tensor
	base     float64
}

// Assert AngleTable is an Encoder.
var _ Encoder = (*AngleTable)(nil)

// BuildRoPECache precomputes the rotary embedding tables for positions 0 to seqLen-1.
//
// Parameters:
//   - seqLen: number of positions covered by the table, must be > 0.
//   - headDim: size of each attention head, must be > 0 and even.
//   - base: base frequency, typically DefaultBase. Must be > 0 and finite.
//   - dtype: float dtype of the returned tables.
//   - device: device the tables are associated with.
//
// The angles, cosines and sines are computed in float64 and rounded once to dtype.
//
// Example:
//
//	table, err := BuildRoPECache(2048, 64, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
func BuildRoPECache(seqLen, headDim int, base float64, dtype dtypes.DType, device tensors.DeviceNum) (*AngleTable, error) {
	if seqLen <= 0 {
		return nil, errs.InvalidArgumentf("BuildRoPECache: seqLen must be > 0, got %d", seqLen)
	}
	if headDim <= 0 {
		return nil, errs.InvalidArgumentf("BuildRoPECache: headDim must be > 0, got %d", headDim)
	}
	if headDim%2 != 0 {
		return nil, errs.InvalidArgumentf("BuildRoPECache: headDim must be even, got %d", headDim)
	}
	if !(base > 0) || math.IsInf(base, 1) {
		return nil, errs.InvalidArgumentf("BuildRoPECache: base must be a positive finite number, got %g", base)
	}
	if !dtype.IsFloat() {
		return nil, errs.InvalidArgumentf("BuildRoPECache: dtype must be a float, got %s", dtype)
	}

	half := headDim / 2
	invFreq := make([]float64, half)
	for ii := range invFreq {
		invFreq[ii] = 1.0 / math.Pow(base, float64(ii)/float64(half))
	}
	positions, err := SequentialPositions(0, seqLen, device)
	if err != nil {
		return nil, err
	}
	cosValues := make([]float64, seqLen*headDim)
	sinValues := make([]float64, seqLen*headDim)
	for row, position := range tensors.ToFloat64s(positions) {
		for ii, freq := range invFreq {
			angle := position * freq
			c, s := math.Cos(angle), math.Sin(angle)
			idx := row*headDim + 2*ii
			cosValues[idx], cosValues[idx+1] = c, c
			sinValues[idx], sinValues[idx+1] = s, s
		}
	}

	table := &AngleTable{base: base}
	table.cos, err = tensors.FromFloat64s(dtype, device, cosValues, seqLen, headDim)
	if err != nil {
		return nil, errors.WithMessage(err, "BuildRoPECache: cosine table")
	}
	table.sin, err = tensors.FromFloat64s(dtype, device, sinValues, seqLen, headDim)
	if err != nil {
		return nil, errors.WithMessage(err, "BuildRoPECache: sine table")
	}
	klog.V(1).Infof("RoPE cache built: 2 x %s, base=%g, device #%d, %s",
		table.cos.Shape(), base, device, humanize.Bytes(uint64(2*table.cos.Memory())))
	return table, nil
}

// MustBuildRoPECache is like BuildRoPECache, but panics on error.
func MustBuildRoPECache(seqLen, headDim int, base float64, dtype dtypes.DType, device tensors.DeviceNum) *AngleTable {
	return must.M1(BuildRoPECache(seqLen, headDim, base, dtype, device))
}

// Cos returns the cosine table, shaped [Len(), HeadDim()].
func (t *AngleTable) Cos() *tensors.Tensor { return t.cos }

// Sin returns the sine table, shaped [Len(), HeadDim()].
func (t *AngleTable) Sin() *tensors.Tensor { return t.sin }

// Len returns the number of positions covered by the table.
func (t *AngleTable) Len() int { return t.cos.Shape().Dim(0) }

// HeadDim returns the size of the attention heads the table applies to.
func (t *AngleTable) HeadDim() int { return t.cos.Shape().Dim(1) }

// Base returns the base frequency used to build the table.
func (t *AngleTable) Base() float64 { return t.base }

// DType of the tables.
func (t *AngleTable) DType() dtypes.DType { return t.cos.DType() }

// Device the tables are associated with.
func (t *AngleTable) Device() tensors.DeviceNum { return t.cos.Device() }

// Window returns the rows [positionOffset, positionOffset+seqLen) of the cosine and sine tables.
//
// It returns an InvalidArgument error if positionOffset < 0, seqLen <= 0 or if the window
// exceeds the table.
func (t *AngleTable) Window(positionOffset, seqLen int) (cos, sin *tensors.Tensor, err error) {
	if positionOffset < 0 {
		return nil, nil, errs.InvalidArgumentf("AngleTable.Window: positionOffset must be >= 0, got %d", positionOffset)
	}
	if seqLen <= 0 {
		return nil, nil, errs.InvalidArgumentf("AngleTable.Window: seqLen must be > 0, got %d", seqLen)
	}
	if positionOffset > t.Len()-seqLen {
		return nil, nil, errs.InvalidArgumentf("AngleTable.Window: RoPE cache too small: positionOffset (%d) + seqLen (%d) > cache length (%d)",
			positionOffset, seqLen, t.Len())
	}
	cos, err = t.cos.SliceAxis(0, positionOffset, positionOffset+seqLen)
	if err != nil {
		return nil, nil, err
	}
	sin, err = t.sin.SliceAxis(0, positionOffset, positionOffset+seqLen)
	if err != nil {
		return nil, nil, err
	}
	return cos, sin, nil
}

// Apply implements Encoder, by calling ApplyRoPE with the table's cosine and sine.
func (t *AngleTable) Apply(q, k *tensors.Tensor, positionOffset int) (qOut, kOut *tensors.Tensor, err error) {
	return ApplyRoPE(q, k, t.cos, t.sin, positionOffset)
}

// RotateHalf returns x with each interleaved pair (a, b) on the last axis, at indices (2i, 2i+1),
// replaced by (-b, a). That is the 90 degrees rotation of each pair.
//
// The last axis must have an even dimension. The result has the same shape, dtype and device as x.
//
// Example:
//
//	RotateHalf([1, 2, 3, 4]) -> [-2, 1, -4, 3]
func RotateHalf(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil {
		return nil, errs.InvalidArgumentf("RotateHalf: nil tensor")
	}
	if x.Rank() == 0 {
		return nil, errs.InvalidArgumentf("RotateHalf: scalar %s has no axis to rotate", x.Shape())
	}
	if x.DType() == dtypes.Bool {
		return nil, errs.InvalidArgumentf("RotateHalf: dtype %s not supported", x.DType())
	}
	if x.Shape().Dim(-1)%2 != 0 {
		return nil, errs.InvalidArgumentf("RotateHalf: last axis must be even, got shape %s", x.Shape())
	}
	// The last axis is even and the storage is row-major, so pairs are consecutive in the flat data.
	values := tensors.ToFloat64s(x)
	for ii := 0; ii < len(values); ii += 2 {
		values[ii], values[ii+1] = -values[ii+1], values[ii]
	}
	return tensors.FromFloat64s(x.DType(), x.Device(), values, x.Shape().Dimensions...)
}

// ApplyRoPE applies rotary position embeddings to the query and key projections, for the tokens at
// absolute positions [positionOffset, positionOffset+seq_len):
//
//	qOut = q*cos + RotateHalf(q)*sin
//	kOut = k*cos + RotateHalf(k)*sin
//
// Parameters:
//   - q, k: shaped [batch, heads, seq_len, head_dim], with the same dtype, seq_len and head_dim.
//     batch and heads may differ between q and k.
//   - cos, sin: tables shaped [cache_len, head_dim], as returned by BuildRoPECache. They are converted
//     to q's dtype and device.
//   - positionOffset: absolute position of the first token, 0 for a full sequence.
//
// It returns an InvalidArgument error if positionOffset < 0, if cos and sin shapes differ, if the
// head dimensions don't match, or if positionOffset+seq_len > cache_len (cache too small).
// The inputs are not modified, and qOut/kOut have the same shapes as q/k.
func ApplyRoPE(q, k, cos, sin *tensors.Tensor, positionOffset int) (qOut, kOut *tensors.Tensor, err error) {
	if q == nil || k == nil || cos == nil || sin == nil {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: nil tensor given")
	}
	if positionOffset < 0 {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: positionOffset must be >= 0, got %d", positionOffset)
	}
	if !cos.Shape().Equal(sin.Shape()) {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: cos and sin must have the same shape, got %s and %s",
			cos.Shape(), sin.Shape())
	}
	if cos.Rank() != 2 {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: cos and sin must be shaped [cache_len, head_dim], got %s",
			cos.Shape())
	}
	if q.Rank() != 4 || k.Rank() != 4 {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: q and k must be shaped [batch, heads, seq_len, head_dim], got %s and %s",
			q.Shape(), k.Shape())
	}
	if q.DType() != k.DType() || q.Shape().Dim(2) != k.Shape().Dim(2) || q.Shape().Dim(3) != k.Shape().Dim(3) {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: q and k must have the same dtype, seq_len and head_dim, got %s and %s",
			q.Shape(), k.Shape())
	}
	if !q.DType().IsFloat() {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: q and k must be floats, got dtype %s", q.DType())
	}
	seqLen, headDim := q.Shape().Dim(2), q.Shape().Dim(3)
	cacheLen := cos.Shape().Dim(0)
	if cos.Shape().Dim(1) != headDim {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: RoPE cache head_dim (%d) doesn't match q/k head_dim (%d)",
			cos.Shape().Dim(1), headDim)
	}
	if positionOffset > cacheLen-seqLen {
		return nil, nil, errs.InvalidArgumentf("ApplyRoPE: RoPE cache too small: positionOffset (%d) + seq_len (%d) > cache_len (%d)",
			positionOffset, seqLen, cacheLen)
	}
	if klog.V(2).Enabled() {
		klog.Infof("ApplyRoPE: q=%s, k=%s, positions [%d, %d) of %d", q.Shape(), k.Shape(),
			positionOffset, positionOffset+seqLen, cacheLen)
	}

	cosB, err := broadcastWindow(cos, positionOffset, seqLen, q)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ApplyRoPE: cos")
	}
	sinB, err := broadcastWindow(sin, positionOffset, seqLen, q)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ApplyRoPE: sin")
	}
	qOut, err = rotate(q, cosB, sinB)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ApplyRoPE: q")
	}
	kOut, err = rotate(k, cosB, sinB)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ApplyRoPE: k")
	}
	return qOut, kOut, nil
}

// MustApplyRoPE is like ApplyRoPE, but panics on error.
func MustApplyRoPE(q, k, cos, sin *tensors.Tensor, positionOffset int) (qOut, kOut *tensors.Tensor) {
	return must.M2(ApplyRoPE(q, k, cos, sin, positionOffset))
}

// broadcastWindow slices rows [offset, offset+seqLen) of table, converts them to like's dtype and
// device, and reshapes them to [1, 1, seqLen, head_dim] to broadcast over batch and heads.
func broadcastWindow(table *tensors.Tensor, offset, seqLen int, like *tensors.Tensor) (*tensors.Tensor, error) {
	window, err := table.SliceAxis(0, offset, offset+seqLen)
	if err != nil {
		return nil, err
	}
	window, err = window.To(like.DType(), like.Device())
	if err != nil {
		return nil, err
	}
	return window.Reshape(1, 1, seqLen, window.Shape().Dim(1))
}

// rotate returns x*cosB + RotateHalf(x)*sinB.
func rotate(x, cosB, sinB *tensors.Tensor) (*tensors.Tensor, error) {
	rotated, err := RotateHalf(x)
	if err != nil {
		return nil, err
	}
	xCos, err := tensors.Mul(x, cosB)
	if err != nil {
		return nil, err
	}
	rotatedSin, err := tensors.Mul(rotated, sinB)
	if err != nil {
		return nil, err
	}
	return tensors.Add(xCos, rotatedSin)
}
