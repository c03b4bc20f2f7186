// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention holds the configuration of a multi-head attention layer, and the pieces used to
// prepare its inputs: rotary position embeddings (see sub-package pos) for the query and key
// projections, and causal masks.
//
// A typical use:
//
//	cfg := attention.DefaultConfig()
//	if _, err := attention.ParseSettings(&cfg, "d_model=64;num_heads=4"); err != nil { ... }
//	preparer, err := attention.NewPreparer(cfg, dtypes.Float32, tensors.DefaultDevice)
//	...
//	q, k, mask, err := preparer.Prepare(q, k, positionOffset)
package attention

import (
	"github.com/gomlx/rotary/pkg/ml/layers/attention/pos"
	"github.com/gomlx/rotary/pkg/support/errs"
)

// Config of a multi-head attention layer. Use DefaultConfig to get the default values.
type Config struct {
	// DModel is the model (embedding) dimension. It is split among the heads.
	DModel int

	// NumHeads is the number of attention heads.
	NumHeads int

	// MaxSeqLen is the maximum number of positions: the RoPE cache is built for this length.
	MaxSeqLen int

	// Masked enables causal masking: tokens don't attend to future tokens.
	Masked bool

	// UseRoPE enables rotary position embeddings on the query and key projections.
	UseRoPE bool

	// RoPEBase is the base frequency of the rotary embeddings.
	RoPEBase float64
}

// DefaultConfig returns the default configuration: d_model=512, num_heads=8, max_seq_len=2048,
// masked, with RoPE of base 10000.
func DefaultConfig() Config {
	return Config{
		DModel:    512,
		NumHeads:  8,
		MaxSeqLen: 2048,
		Masked:    true,
		UseRoPE:   true,
		RoPEBase:  pos.DefaultBase,
	}
}

// HeadDim returns the dimension of each head, DModel / NumHeads.
// It returns 0 if NumHeads is not positive.
func (c Config) HeadDim() int {
	if c.NumHeads <= 0 {
		return 0
	}
	return c.DModel / c.NumHeads
}

// Validate returns an InvalidArgument error if the configuration is not usable.
func (c Config) Validate() error {
	if c.DModel <= 0 {
		return errs.InvalidArgumentf("attention.Config: d_model must be > 0, got %d", c.DModel)
	}
	if c.NumHeads <= 0 {
		return errs.InvalidArgumentf("attention.Config: num_heads must be > 0, got %d", c.NumHeads)
	}
	if c.MaxSeqLen <= 0 {
		return errs.InvalidArgumentf("attention.Config: max_seq_len must be > 0, got %d", c.MaxSeqLen)
	}
	if c.DModel%c.NumHeads != 0 {
		return errs.InvalidArgumentf("attention.Config: d_model (%d) must be divisible by num_heads (%d)",
			c.DModel, c.NumHeads)
	}
	if c.UseRoPE {
		if !(c.RoPEBase > 0) {
			return errs.InvalidArgumentf("attention.Config: rope_base must be > 0, got %g", c.RoPEBase)
		}
		if c.HeadDim()%2 != 0 {
			return errs.InvalidArgumentf("attention.Config: RoPE requires an even head dimension, got %d (d_model=%d, num_heads=%d)",
				c.HeadDim(), c.DModel, c.NumHeads)
		}
	}
	return nil
}
