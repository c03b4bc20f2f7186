// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pos

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/tensors"
	"github.com/gomlx/rotary/pkg/support/errs"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// toyQuery is the 3-token "I love pizza" example, shaped [1, 1, 3, 4].
func toyQuery() *tensors.Tensor {
	return tensors.FromValue([][][][]float32{{{
		{1.0, 0.0, 0.5, -0.5},
		{0.2, 0.8, -0.3, 0.1},
		{0.9, -0.4, 0.7, 0.2},
	}}})
}

// randomTensor returns a deterministic float32 tensor with values in [-1, 1).
func randomTensor(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 17))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = 2*rng.Float32() - 1
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func TestSequentialPositions(t *testing.T) {
	positions, err := SequentialPositions(5, 4, tensors.DeviceNum(1))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, positions.DType())
	assert.Equal(t, tensors.DeviceNum(1), positions.Device())
	assert.Equal(t, []int32{5, 6, 7, 8}, positions.Value())

	_, err = SequentialPositions(-1, 4, tensors.DefaultDevice)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = SequentialPositions(0, 0, tensors.DefaultDevice)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	positions, err = SequentialPositions(math.MaxInt32-1, 2, tensors.DefaultDevice)
	require.NoError(t, err)
	assert.Equal(t, []int32{math.MaxInt32 - 1, math.MaxInt32}, positions.Value())
	_, err = SequentialPositions(math.MaxInt32, 2, tensors.DefaultDevice)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = SequentialPositions(math.MaxInt, 1, tensors.DefaultDevice)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestBuildRoPECache(t *testing.T) {
	t.Run("Shape", func(t *testing.T) {
		table, err := BuildRoPECache(16, 8, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		require.NoError(t, err)
		assert.Equal(t, []int{16, 8}, table.Cos().Shape().Dimensions)
		assert.Equal(t, []int{16, 8}, table.Sin().Shape().Dimensions)
		assert.Equal(t, 16, table.Len())
		assert.Equal(t, 8, table.HeadDim())
		assert.Equal(t, dtypes.Float32, table.DType())
		assert.Equal(t, tensors.DefaultDevice, table.Device())
		assert.Equal(t, DefaultBase, table.Base())
	})

	t.Run("IdentityAtOrigin", func(t *testing.T) {
		table := MustBuildRoPECache(4, 6, DefaultBase, dtypes.Float64, tensors.DefaultDevice)
		assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, table.Cos().Value().([][]float64)[0])
		assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, table.Sin().Value().([][]float64)[0])
	})

	t.Run("Values", func(t *testing.T) {
		const base = 10.0
		table := MustBuildRoPECache(3, 4, base, dtypes.Float64, tensors.DefaultDevice)
		cos := table.Cos().Value().([][]float64)
		sin := table.Sin().Value().([][]float64)
		invFreq := []float64{1, 1 / math.Sqrt(base)}
		for p := range 3 {
			for ii, freq := range invFreq {
				angle := float64(p) * freq
				for _, col := range []int{2 * ii, 2*ii + 1} {
					assert.InDelta(t, math.Cos(angle), cos[p][col], 1e-12, "cos[%d][%d]", p, col)
					assert.InDelta(t, math.Sin(angle), sin[p][col], 1e-12, "sin[%d][%d]", p, col)
				}
			}
		}
		// Interleaved pairs share the same angle.
		assert.Equal(t, cos[2][0], cos[2][1])
		assert.Equal(t, sin[2][2], sin[2][3])
		assert.NotEqual(t, cos[2][0], cos[2][2])
	})

	t.Run("Float16", func(t *testing.T) {
		table, err := BuildRoPECache(3, 6, DefaultBase, dtypes.Float16, tensors.DefaultDevice)
		require.NoError(t, err)
		assert.Equal(t, dtypes.Float16, table.Cos().DType())
		assert.Equal(t, dtypes.Float16, table.Sin().DType())
		assert.Equal(t, []int{3, 6}, table.Cos().Shape().Dimensions)
		assert.Equal(t, []int{3, 6}, table.Sin().Shape().Dimensions)
		one, zero := float16.Fromfloat32(1), float16.Fromfloat32(0)
		cos := table.Cos().Value().([][]float16.Float16)
		sin := table.Sin().Value().([][]float16.Float16)
		for col := range 6 {
			assert.Equal(t, one, cos[0][col])
			assert.Equal(t, zero, sin[0][col])
		}
	})

	t.Run("BFloat16", func(t *testing.T) {
		table := MustBuildRoPECache(2, 4, DefaultBase, dtypes.BFloat16, tensors.DeviceNum(2))
		assert.Equal(t, dtypes.BFloat16, table.DType())
		assert.Equal(t, tensors.DeviceNum(2), table.Sin().Device())
	})

	t.Run("Errors", func(t *testing.T) {
		for name, args := range map[string]struct {
			seqLen, headDim int
			base            float64
			dtype           dtypes.DType
		}{
			"OddHeadDim":     {3, 5, DefaultBase, dtypes.Float32},
			"ZeroSeqLen":     {0, 4, DefaultBase, dtypes.Float32},
			"NegativeSeqLen": {-2, 4, DefaultBase, dtypes.Float32},
			"ZeroHeadDim":    {3, 0, DefaultBase, dtypes.Float32},
			"ZeroBase":       {3, 4, 0, dtypes.Float32},
			"NaNBase":        {3, 4, math.NaN(), dtypes.Float32},
			"InfBase":        {3, 4, math.Inf(1), dtypes.Float32},
			"IntDType":       {3, 4, DefaultBase, dtypes.Int32},
			"InvalidDType":   {3, 4, DefaultBase, dtypes.InvalidDType},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := BuildRoPECache(args.seqLen, args.headDim, args.base, args.dtype, tensors.DefaultDevice)
				require.ErrorIs(t, err, errs.ErrInvalidArgument)
			})
		}
		require.Panics(t, func() { MustBuildRoPECache(3, 5, DefaultBase, dtypes.Float32, tensors.DefaultDevice) })
	})
}

func TestRotateHalf(t *testing.T) {
	t.Run("Pairs", func(t *testing.T) {
		rotated, err := RotateHalf(tensors.FromValue([]float32{1, 2, 3, 4}))
		require.NoError(t, err)
		assert.Equal(t, []float32{-2, 1, -4, 3}, rotated.Value())
	})

	t.Run("ShapePreserving", func(t *testing.T) {
		x := randomTensor(1, 2, 3, 5, 8).OnDevice(4)
		rotated, err := RotateHalf(x)
		require.NoError(t, err)
		assert.True(t, x.Shape().Equal(rotated.Shape()))
		assert.Equal(t, tensors.DeviceNum(4), rotated.Device())
		// Rotating twice negates.
		twice, err := RotateHalf(rotated)
		require.NoError(t, err)
		neg, err := tensors.Neg(x)
		require.NoError(t, err)
		assert.True(t, neg.Equal(twice))
	})

	t.Run("Float16", func(t *testing.T) {
		x := tensors.FromValue([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-1.5)})
		rotated, err := RotateHalf(x)
		require.NoError(t, err)
		assert.Equal(t, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(0.5)}, rotated.Value())
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := RotateHalf(tensors.FromValue([]float32{1, 2, 3}))
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
		_, err = RotateHalf(tensors.FromValue(float32(1)))
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
		_, err = RotateHalf(tensors.FromValue([]bool{true, false}))
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
		_, err = RotateHalf(nil)
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
	})
}

func TestApplyRoPE(t *testing.T) {
	t.Run("IdentityAtOrigin", func(t *testing.T) {
		table := MustBuildRoPECache(8, 16, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q, k := randomTensor(1, 2, 3, 5, 16), randomTensor(2, 2, 3, 5, 16)
		qOut, kOut, err := ApplyRoPE(q, k, table.Cos(), table.Sin(), 0)
		require.NoError(t, err)
		for _, pair := range [][2]*tensors.Tensor{{q, qOut}, {k, kOut}} {
			in := must.M1(pair[0].SliceAxis(2, 0, 1))
			out := must.M1(pair[1].SliceAxis(2, 0, 1))
			assert.True(t, in.InDelta(out, 1e-6), "position 0 must be unchanged")
		}
	})

	t.Run("ShapePreservation", func(t *testing.T) {
		table := MustBuildRoPECache(32, 8, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q, k := randomTensor(3, 2, 4, 7, 8), randomTensor(4, 2, 1, 7, 8)
		qOut, kOut, err := table.Apply(q, k, 5)
		require.NoError(t, err)
		assert.True(t, q.Shape().Equal(qOut.Shape()))
		assert.True(t, k.Shape().Equal(kOut.Shape()))
	})

	t.Run("ToyValues", func(t *testing.T) {
		const base = 10.0
		table := MustBuildRoPECache(3, 4, base, dtypes.Float32, tensors.DefaultDevice)
		q := toyQuery()
		qOut, kOut := MustApplyRoPE(q, q, table.Cos(), table.Sin(), 0)
		assert.True(t, qOut.Equal(kOut))

		in := q.Value().([][][][]float32)[0][0]
		out := qOut.Value().([][][][]float32)[0][0]
		invFreq := []float64{1, 1 / math.Sqrt(base)}
		for p := range 3 {
			for ii, freq := range invFreq {
				angle := float64(p) * freq
				a, b := float64(in[p][2*ii]), float64(in[p][2*ii+1])
				wantA := a*math.Cos(angle) - b*math.Sin(angle)
				wantB := b*math.Cos(angle) + a*math.Sin(angle)
				assert.InDelta(t, wantA, float64(out[p][2*ii]), 1e-6, "q_out[%d][%d]", p, 2*ii)
				assert.InDelta(t, wantB, float64(out[p][2*ii+1]), 1e-6, "q_out[%d][%d]", p, 2*ii+1)
			}
		}
		// Spot check: token 1, first pair, rotated by 1 radian.
		assert.InDelta(t, -0.565116, float64(out[1][0]), 1e-5)
		assert.InDelta(t, 0.600536, float64(out[1][1]), 1e-5)
	})

	t.Run("PreservesPairNorms", func(t *testing.T) {
		table := MustBuildRoPECache(64, 8, DefaultBase, dtypes.Float64, tensors.DefaultDevice)
		q := must.M1(randomTensor(5, 1, 2, 4, 8).ConvertDType(dtypes.Float64))
		qOut, _ := MustApplyRoPE(q, q, table.Cos(), table.Sin(), 60)
		in, out := tensors.ToFloat64s(q), tensors.ToFloat64s(qOut)
		for ii := 0; ii < len(in); ii += 2 {
			assert.InDelta(t, in[ii]*in[ii]+in[ii+1]*in[ii+1], out[ii]*out[ii]+out[ii+1]*out[ii+1], 1e-12)
		}
	})

	t.Run("OffsetConsistency", func(t *testing.T) {
		const offset, seqLen, headDim = 5, 3, 8
		table := MustBuildRoPECache(16, headDim, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q, k := randomTensor(6, 2, 2, seqLen, headDim), randomTensor(7, 2, 2, seqLen, headDim)
		qOut, kOut, err := ApplyRoPE(q, k, table.Cos(), table.Sin(), offset)
		require.NoError(t, err)

		cos := must.M1(must.M1(table.Cos().SliceAxis(0, offset, offset+seqLen)).Reshape(1, 1, seqLen, headDim))
		sin := must.M1(must.M1(table.Sin().SliceAxis(0, offset, offset+seqLen)).Reshape(1, 1, seqLen, headDim))
		manual := func(x *tensors.Tensor) *tensors.Tensor {
			xCos := must.M1(tensors.Mul(x, cos))
			rotatedSin := must.M1(tensors.Mul(must.M1(RotateHalf(x)), sin))
			return must.M1(tensors.Add(xCos, rotatedSin))
		}
		assert.True(t, manual(q).Equal(qOut))
		assert.True(t, manual(k).Equal(kOut))
	})

	t.Run("IncrementalMatchesFullSequence", func(t *testing.T) {
		table := MustBuildRoPECache(8, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q := toyQuery()
		full, _ := MustApplyRoPE(q, q, table.Cos(), table.Sin(), 0)
		for p := range 3 {
			token := must.M1(q.SliceAxis(2, p, p+1))
			incremental, _ := MustApplyRoPE(token, token, table.Cos(), table.Sin(), p)
			assert.True(t, must.M1(full.SliceAxis(2, p, p+1)).Equal(incremental), "token %d", p)
		}
	})

	t.Run("DTypeAndDevice", func(t *testing.T) {
		table := MustBuildRoPECache(4, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q := must.M1(toyQuery().To(dtypes.Float16, tensors.DeviceNum(3)))
		qOut, kOut, err := ApplyRoPE(q, q, table.Cos(), table.Sin(), 1)
		require.NoError(t, err)
		assert.Equal(t, dtypes.Float16, qOut.DType())
		assert.Equal(t, dtypes.Float16, kOut.DType())
		assert.Equal(t, tensors.DeviceNum(3), qOut.Device())
		ref := MustBuildRoPECache(4, 4, DefaultBase, dtypes.Float64, tensors.DefaultDevice)
		q64 := must.M1(toyQuery().ConvertDType(dtypes.Float64))
		refOut, _ := MustApplyRoPE(q64, q64, ref.Cos(), ref.Sin(), 1)
		assert.True(t, refOut.InDelta(must.M1(qOut.ConvertDType(dtypes.Float64)), 5e-3))
	})

	t.Run("InputsNotModified", func(t *testing.T) {
		table := MustBuildRoPECache(4, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q := toyQuery()
		before := tensors.MustCopyFlatData[float32](q)
		cosBefore := tensors.MustCopyFlatData[float32](table.Cos())
		_, _ = MustApplyRoPE(q, q, table.Cos(), table.Sin(), 1)
		assert.Equal(t, before, tensors.MustCopyFlatData[float32](q))
		assert.Equal(t, cosBefore, tensors.MustCopyFlatData[float32](table.Cos()))
	})

	t.Run("Errors", func(t *testing.T) {
		q := toyQuery()
		table := MustBuildRoPECache(8, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)

		// Cache of length 1, offset 1: too small.
		small := MustBuildRoPECache(1, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		token := must.M1(q.SliceAxis(2, 0, 1))
		_, _, err := ApplyRoPE(token, token, small.Cos(), small.Sin(), 1)
		require.ErrorIs(t, err, errs.ErrInvalidArgument)
		require.ErrorContains(t, err, "too small")
		_, _, err = ApplyRoPE(token, token, small.Cos(), small.Sin(), 0)
		require.NoError(t, err)

		// Offsets whose window end doesn't fit an int.
		for _, offset := range []int{math.MaxInt, math.MaxInt - 1} {
			_, _, err = ApplyRoPE(q, q, table.Cos(), table.Sin(), offset)
			require.ErrorIs(t, err, errs.ErrInvalidArgument, "offset %d", offset)
			require.ErrorContains(t, err, "too small")
		}

		_, _, err = ApplyRoPE(q, q, table.Cos(), table.Sin(), 6)
		require.ErrorIs(t, err, errs.ErrInvalidArgument)

		_, _, err = ApplyRoPE(q, q, table.Cos(), table.Sin(), -1)
		require.ErrorIs(t, err, errs.ErrInvalidArgument)

		_, _, err = ApplyRoPE(q, q, table.Cos(), small.Sin(), 0)
		require.ErrorIs(t, err, errs.ErrInvalidArgument, "cos/sin shape mismatch")

		wide := MustBuildRoPECache(8, 6, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		_, _, err = ApplyRoPE(q, q, wide.Cos(), wide.Sin(), 0)
		require.ErrorIs(t, err, errs.ErrInvalidArgument, "head_dim mismatch")

		flat := must.M1(q.Reshape(3, 4))
		_, _, err = ApplyRoPE(flat, flat, table.Cos(), table.Sin(), 0)
		require.ErrorIs(t, err, errs.ErrInvalidArgument, "q/k rank")

		longer := randomTensor(8, 1, 1, 4, 4)
		_, _, err = ApplyRoPE(q, longer, table.Cos(), table.Sin(), 0)
		require.ErrorIs(t, err, errs.ErrInvalidArgument, "q/k seq_len mismatch")

		_, _, err = ApplyRoPE(q, nil, table.Cos(), table.Sin(), 0)
		require.ErrorIs(t, err, errs.ErrInvalidArgument)

		require.Panics(t, func() { MustApplyRoPE(q, q, table.Cos(), table.Sin(), -1) })
	})

	t.Run("Concurrent", func(t *testing.T) {
		table := MustBuildRoPECache(16, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
		q := toyQuery()
		want, _ := MustApplyRoPE(q, q, table.Cos(), table.Sin(), 7)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, _, err := table.Apply(q, q, 7)
				assert.NoError(t, err)
				assert.True(t, want.Equal(got))
			}()
		}
		wg.Wait()
	})
}

func TestAngleTableWindow(t *testing.T) {
	table := MustBuildRoPECache(6, 4, DefaultBase, dtypes.Float32, tensors.DefaultDevice)
	cos, sin, err := table.Window(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, cos.Shape().Dimensions)
	assert.Equal(t, table.Cos().Value().([][]float32)[2], cos.Value().([][]float32)[0])
	assert.Equal(t, table.Sin().Value().([][]float32)[4], sin.Value().([][]float32)[2])

	_, _, err = table.Window(4, 3)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, _, err = table.Window(math.MaxInt, 2)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, _, err = table.Window(0, 7)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, _, err = table.Window(-1, 3)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, _, err = table.Window(0, 0)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}
