// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, Map([]int{1, 2, 3}, strconv.Itoa))
	assert.Empty(t, Map([]int{}, strconv.Itoa))
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
}

func TestUnique(t *testing.T) {
	in := []string{"num_heads", "d_model", "num_heads"}
	assert.Equal(t, []string{"d_model", "num_heads"}, Unique(in))
	assert.Equal(t, []string{"num_heads", "d_model", "num_heads"}, in, "input must not be modified")
}
