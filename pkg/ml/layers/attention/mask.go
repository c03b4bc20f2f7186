// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/rotary/pkg/core/tensors"
	"github.com/gomlx/rotary/pkg/support/errs"
)

// CausalMask returns a Bool tensor shaped [seqLen, seqLen], where mask[i, j] is true if query i
// may not attend to key j, that is, if j > i (strictly above the diagonal).
//
// The mask is associated with the given device. It returns an InvalidArgument error if seqLen <= 0.
//
// Example:
//
//	CausalMask(3, tensors.DefaultDevice) ->
//		{{false, true,  true},
//		 {false, false, true},
//		 {false, false, false}}
func CausalMask(seqLen int, device tensors.DeviceNum) (*tensors.Tensor, error) {
	if seqLen <= 0 {
		return nil, errs.InvalidArgumentf("CausalMask: seqLen must be > 0, got %d", seqLen)
	}
	return CausalMaskWithOffset(seqLen, seqLen, 0, device)
}

// CausalMaskWithOffset returns the causal mask used during incremental decoding, shaped
// [querySeqLen, keySeqLen]: query i is the token at absolute position offset+i, key j is the
// token at absolute position j, and mask[i, j] is true (blocked) if j > offset+i.
//
// CausalMask(n) is the same as CausalMaskWithOffset(n, n, 0).
// It returns an InvalidArgument error if querySeqLen or keySeqLen are <= 0, or if offset < 0.
func CausalMaskWithOffset(querySeqLen, keySeqLen, offset int, device tensors.DeviceNum) (*tensors.Tensor, error) {
	if querySeqLen <= 0 || keySeqLen <= 0 {
		return nil, errs.InvalidArgumentf("CausalMaskWithOffset: querySeqLen (%d) and keySeqLen (%d) must be > 0",
			querySeqLen, keySeqLen)
	}
	if offset < 0 {
		return nil, errs.InvalidArgumentf("CausalMaskWithOffset: offset must be >= 0, got %d", offset)
	}
	mask := make([]bool, querySeqLen*keySeqLen)
	for ii := range querySeqLen {
		row := mask[ii*keySeqLen : (ii+1)*keySeqLen]
		for jj := range row {
			// Same as jj > offset+ii, without overflowing.
			row[jj] = jj-ii > offset
		}
	}
	return tensors.FromFlatDataAndDimensions(mask, querySeqLen, keySeqLen).OnDevice(device), nil
}
