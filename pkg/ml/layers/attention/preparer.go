// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/tensors"
	"github.com/gomlx/rotary/pkg/ml/layers/attention/pos"
	"github.com/gomlx/rotary/pkg/support/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Preparer prepares the query and key projections of an attention layer according to a Config:
// it applies rotary position embeddings (if Config.UseRoPE) and builds the causal mask (if Config.Masked).
//
// The RoPE cache is built once, for Config.MaxSeqLen positions, when the Preparer is created.
// A Preparer is immutable, and can be used concurrently.
type Preparer struct {
	config Config
	device tensors.DeviceNum

	// encoder is nil if RoPE is disabled.
	encoder pos.Encoder
	table   *pos.AngleTable
}

// NewPreparer validates config and creates a Preparer. If config.UseRoPE is set, the RoPE cache is built
// with the given dtype and device.
func NewPreparer(config Config, dtype dtypes.DType, device tensors.DeviceNum) (*Preparer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Preparer{config: config, device: device}
	if config.UseRoPE {
		table, err := pos.BuildRoPECache(config.MaxSeqLen, config.HeadDim(), config.RoPEBase, dtype, device)
		if err != nil {
			return nil, errors.WithMessage(err, "NewPreparer")
		}
		p.table = table
		p.encoder = table
		klog.V(1).Infof("attention.Preparer: d_model=%d, num_heads=%d, head_dim=%d, masked=%v, RoPE cache of %s (%s)",
			config.DModel, config.NumHeads, config.HeadDim(), config.Masked, table.Cos().Shape(),
			humanize.Bytes(uint64(2*table.Cos().Memory())))
	} else {
		klog.V(1).Infof("attention.Preparer: d_model=%d, num_heads=%d, head_dim=%d, masked=%v, no RoPE",
			config.DModel, config.NumHeads, config.HeadDim(), config.Masked)
	}
	return p, nil
}

// Config returns the configuration of the Preparer.
func (p *Preparer) Config() Config { return p.config }

// Device the RoPE cache is associated with.
func (p *Preparer) Device() tensors.DeviceNum { return p.device }

// AngleTable returns the RoPE cache, or nil if RoPE is disabled.
func (p *Preparer) AngleTable() *pos.AngleTable { return p.table }

// Prepare applies the configured transformations to q and k, shaped [batch, num_heads, seq_len, head_dim],
// for the tokens at absolute positions [positionOffset, positionOffset+seq_len).
//
// It returns:
//   - qOut, kOut: q and k rotated with RoPE, or q and k themselves if RoPE is disabled.
//   - mask: nil if masking is disabled. Otherwise, for positionOffset == 0, the causal mask shaped
//     [seq_len, seq_len]. For positionOffset > 0 (incremental decoding), the mask against all keys
//     seen so far, shaped [seq_len, positionOffset+seq_len] (see CausalMaskWithOffset).
//
// It returns an InvalidArgument error if the shapes don't match the configuration or each other, or if
// positionOffset+seq_len > Config.MaxSeqLen.
func (p *Preparer) Prepare(q, k *tensors.Tensor, positionOffset int) (qOut, kOut, mask *tensors.Tensor, err error) {
	if q == nil || k == nil {
		err = errs.InvalidArgumentf("Preparer.Prepare: nil tensor given")
		return
	}
	if positionOffset < 0 {
		err = errs.InvalidArgumentf("Preparer.Prepare: positionOffset must be >= 0, got %d", positionOffset)
		return
	}
	for _, x := range []*tensors.Tensor{q, k} {
		if x.Rank() != 4 || x.Shape().Dim(1) != p.config.NumHeads || x.Shape().Dim(3) != p.config.HeadDim() {
			err = errs.InvalidArgumentf("Preparer.Prepare: q and k must be shaped [batch, %d, seq_len, %d], got %s",
				p.config.NumHeads, p.config.HeadDim(), x.Shape())
			return
		}
	}
	seqLen := q.Shape().Dim(2)
	if k.Shape().Dim(2) != seqLen || k.DType() != q.DType() {
		err = errs.InvalidArgumentf("Preparer.Prepare: q and k must have the same dtype and seq_len, got %s and %s",
			q.Shape(), k.Shape())
		return
	}
	if positionOffset > p.config.MaxSeqLen-seqLen {
		err = errs.InvalidArgumentf("Preparer.Prepare: positionOffset (%d) + seq_len (%d) > max_seq_len (%d)",
			positionOffset, seqLen, p.config.MaxSeqLen)
		return
	}

	qOut, kOut = q, k
	if p.encoder != nil {
		qOut, kOut, err = p.encoder.Apply(q, k, positionOffset)
		if err != nil {
			err = errors.WithMessage(err, "Preparer.Prepare")
			return
		}
	}
	if p.config.Masked {
		if positionOffset == 0 {
			mask, err = CausalMask(seqLen, q.Device())
		} else {
			mask, err = CausalMaskWithOffset(seqLen, positionOffset+seqLen, positionOffset, q.Device())
		}
		if err != nil {
			err = errors.WithMessage(err, "Preparer.Prepare")
			return nil, nil, nil, err
		}
	}
	return
}
