// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/rotary/pkg/core/dtypes/bfloat16"
	"github.com/x448/float16"
)

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// maxPrintedElements is the number of elements per axis printed before using an ellipsis.
const maxPrintedElements = 6

// Summary returns a multi-line summary of the Tensor's content, with the given number of significant
// digits for floats. Inspired by numpy output.
//
// Axes with more than 6 elements are abbreviated with "...".
func (t *Tensor) Summary(precision int) string {
	t.AssertValid()

	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }

	wValue := func(v reflect.Value) {
		switch v.Type() {
		case typeFloat16:
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		case typeBFloat16:
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	dims := t.shape.Dimensions
	values := reflect.ValueOf(t.flat)
	w("%s", t.shape)
	if len(dims) == 0 {
		w("(")
		wValue(values.Index(0))
		w(")")
		return buf.String()
	}

	// Indices of an axis that are printed: all, or the first 3 and the last 3.
	printedIndices := func(dim int) (indices []int, ellipsisAfter int) {
		ellipsisAfter = -1
		if dim <= maxPrintedElements {
			for ii := range dim {
				indices = append(indices, ii)
			}
			return
		}
		indices = []int{0, 1, 2, dim - 3, dim - 2, dim - 1}
		ellipsisAfter = 2
		return
	}

	strides := t.shape.Strides()
	var printAxis func(axis, offset int)
	printAxis = func(axis, offset int) {
		indices, ellipsisAfter := printedIndices(dims[axis])
		w("{")
		for pos, idx := range indices {
			if pos > 0 {
				if axis == len(dims)-1 {
					w(", ")
				} else {
					w(",\n%s", strings.Repeat(" ", axis+1))
				}
			}
			if axis == len(dims)-1 {
				wValue(values.Index(offset + idx*strides[axis]))
			} else {
				printAxis(axis+1, offset+idx*strides[axis])
			}
			if pos == ellipsisAfter {
				if axis == len(dims)-1 {
					w(", ...")
				} else {
					w(",\n%s...", strings.Repeat(" ", axis+1))
				}
			}
		}
		w("}")
	}
	if len(dims) > 1 {
		w("\n")
	}
	printAxis(0, 0)
	return buf.String()
}
