// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rope_debug builds a RoPE cache and applies it, with the causal mask, to a tiny 3-token example
// ("I love pizza", head_dim=4), printing the intermediate tensors.
//
// Example:
//
//	go run ./cmd/rope_debug -dtype=Float16 -offset=2 -config="max_seq_len=8"
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rotary/pkg/core/dtypes"
	"github.com/gomlx/rotary/pkg/core/tensors"
	"github.com/gomlx/rotary/pkg/ml/layers/attention"
	"github.com/gomlx/rotary/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDType  = flag.String("dtype", "Float32", "DType of the RoPE cache and of the example query/key: Float16, BFloat16, Float32 or Float64.")
	flagOffset = flag.Int("offset", 0, "Absolute position of the first token of the example (incremental decoding).")
)

// demoConfig is a single head of dimension 4, with base 10 so the rotations are visible on 3 tokens.
func demoConfig() attention.Config {
	return attention.Config{
		DModel:    4,
		NumHeads:  1,
		MaxSeqLen: 3,
		Masked:    true,
		UseRoPE:   true,
		RoPEBase:  10,
	}
}

// toyQuery returns the query of the example, shaped [1, 1, 3, 4].
func toyQuery() *tensors.Tensor {
	return tensors.FromValue([][][][]float64{{{
		{1.0, 0.0, 0.5, -0.5}, // pos 0: "I"
		{0.2, 0.8, -0.3, 0.1}, // pos 1: "love"
		{0.9, -0.4, 0.7, 0.2}, // pos 2: "pizza"
	}}})
}

func main() {
	cfg := demoConfig()
	settings := attention.CreateSettingsFlag(cfg, "config")
	klog.InitFlags(nil)
	flag.Parse()

	dtype, err := dtypes.Parse(*flagDType)
	if err != nil || !dtype.IsFloat() {
		klog.Errorf("Invalid -dtype=%q, it must be a float dtype. See 'rope_debug -help'.", *flagDType)
		os.Exit(1)
	}
	paramsSet, err := attention.ParseSettings(&cfg, *settings)
	if err != nil {
		klog.Errorf("Invalid -config: %v", err)
		os.Exit(1)
	}
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Modified settings:\n%s", attention.SprintModifiedSettings(cfg, paramsSet))
	}

	err = exceptions.TryCatch[error](func() { report(cfg, dtype, *flagOffset) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// matrixTable renders a 2D tensor, with one row per position starting at firstPos.
func matrixTable(title string, matrix *tensors.Tensor, firstPos int, format func(v any) string) string {
	rows, cols := matrix.Shape().Dim(0), matrix.Shape().Dim(1)
	table := newPlainTable()
	colNames := make([]int, cols)
	for ii := range colNames {
		colNames[ii] = ii
	}
	table.Headers(append([]string{"pos"}, xslices.Map(colNames, strconv.Itoa)...)...)
	for row := range rows {
		cells := []string{strconv.Itoa(firstPos + row)}
		for col := range cols {
			cells = append(cells, format(matrix.At(row, col)))
		}
		table.Row(cells...)
	}
	return titleStyle.Render(fmt.Sprintf("%s %s", title, matrix.Shape())) + "\n" + table.Render()
}

func formatFloat(v any) string {
	values := tensors.ToFloat64s(must.M1(tensors.FromAnyValue(v)))
	return strconv.FormatFloat(values[0], 'f', 4, 64)
}

func formatMask(v any) string {
	if v.(bool) {
		return "x"
	}
	return "."
}

func report(cfg attention.Config, dtype dtypes.DType, offset int) {
	preparer := must.M1(attention.NewPreparer(cfg, dtype, tensors.DefaultDevice))
	q := must.M1(toyQuery().ConvertDType(dtype))
	k := q
	qOut, kOut, mask := must.M3(preparer.Prepare(q, k, offset))
	seqLen, headDim := q.Shape().Dim(2), q.Shape().Dim(3)

	summary := newPlainTable()
	summary.Row("d_model", strconv.Itoa(cfg.DModel))
	summary.Row("num_heads", strconv.Itoa(cfg.NumHeads))
	summary.Row("head_dim", strconv.Itoa(cfg.HeadDim()))
	summary.Row("max_seq_len", humanize.Comma(int64(cfg.MaxSeqLen)))
	summary.Row("masked", strconv.FormatBool(cfg.Masked))
	summary.Row("use_rope", strconv.FormatBool(cfg.UseRoPE))
	summary.Row("rope_base", strconv.FormatFloat(cfg.RoPEBase, 'g', -1, 64))
	summary.Row("dtype", dtype.String())
	summary.Row("offset", strconv.Itoa(offset))
	if table := preparer.AngleTable(); table != nil {
		summary.Row("cache size", humanize.Bytes(uint64(2*table.Cos().Memory())))
	}
	fmt.Println(titleStyle.Render("Configuration"))
	fmt.Println(summary.Render())

	if table := preparer.AngleTable(); table != nil {
		fmt.Println(matrixTable("cos", table.Cos(), 0, formatFloat))
		fmt.Println(matrixTable("sin", table.Sin(), 0, formatFloat))
	}
	fmt.Println(matrixTable("q", must.M1(q.Reshape(seqLen, headDim)), offset, formatFloat))
	fmt.Println(matrixTable("q2", must.M1(qOut.Reshape(seqLen, headDim)), offset, formatFloat))
	fmt.Println(matrixTable("k2", must.M1(kOut.Reshape(seqLen, headDim)), offset, formatFloat))
	if mask != nil {
		fmt.Println(matrixTable("causal mask (x = blocked)", mask, offset, formatMask))
	}
}
