// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pos provides positional embedding implementations for attention mechanisms.
//
// Currently, it implements rotary position embeddings (RoPE, see AngleTable and ApplyRoPE), with an
// explicit position offset for incremental decoding. Other strategies can be implemented using the
// common Encoder interface.
package pos

import (
	"math"

	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/tensors"
	"github.com/gomlx/rotary/pkg/support/errs"
)

// Encoder is the interface for applying positional information to the query and key projections
// of an attention layer.
type Encoder interface {
	// Apply applies the positional embedding to q and k, both shaped [batch, heads, seq_len, head_dim].
	//
	// positionOffset is the absolute position of the first token of the sequence: 0 for a full
	// (prefill) sequence, or the number of tokens already processed during incremental decoding.
	//
	// It returns new tensors: q and k are not modified.
	Apply(q, k *tensors.Tensor, positionOffset int) (qOut, kOut *tensors.Tensor, err error)
}

// SequentialPositions creates position indices for sequential positions starting from startPos.
// The last position, startPos+seqLen-1, must fit an int32.
//
// Returns:
//   - Position indices shaped [seqLen] with values [startPos, startPos+1, ..., startPos+seqLen-1],
//     with dtype Int32, associated with the given device.
//
// Example:
//
//	positions, _ := SequentialPositions(5, 4, tensors.DefaultDevice)
//	// Result: [5, 6, 7, 8] with dtype Int32
func SequentialPositions(startPos, seqLen int, device tensors.DeviceNum) (*tensors.Tensor, error) {
	if startPos < 0 {
		return nil, errs.InvalidArgumentf("SequentialPositions: startPos must be >= 0, got %d", startPos)
	}
	if seqLen <= 0 {
		return nil, errs.InvalidArgumentf("SequentialPositions: seqLen must be > 0, got %d", seqLen)
	}
	if startPos > math.MaxInt32-(seqLen-1) {
		return nil, errs.InvalidArgumentf("SequentialPositions: positions [%d, %d+%d) don't fit an int32",
			startPos, startPos, seqLen)
	}
	positions := make([]float64, seqLen)
	for ii := range positions {
		positions[ii] = float64(startPos + ii)
	}
	return tensors.FromFloat64s(dtypes.Int32, device, positions, seqLen)
}
