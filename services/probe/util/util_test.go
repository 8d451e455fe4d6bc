// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHex verifies the persisted hex representation.
func TestHex(t *testing.T) {
	assert.Equal(t, "0x0", Hex(uint64(0)))
	assert.Equal(t, "0x1a0", Hex(uint32(0x1a0)))
	assert.Equal(t, "0xffffffffffffffff", Hex(^uint64(0)))
}

// TestParseHex verifies prefixed and bare hex parse identically.
func TestParseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x10", 0x10, false},
		{"10", 0x10, false},
		{"0XC0000080", 0xc0000080, false},
		{"", 0, true},
		{"0x", 0, true},
		{"zz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHex64(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseHex32("0x100000000")
	assert.Error(t, err)
}

// TestParseAddress verifies base detection for CLI addresses.
func TestParseAddress(t *testing.T) {
	v, err := ParseAddress("0x1a0")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1a0), v)

	v, err = ParseAddress("16")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), v)

	_, err = ParseAddress("msr")
	assert.Error(t, err)
}

// TestFormatFloat_RoundTrip verifies persisted floats parse back exactly.
func TestFormatFloat_RoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1000, 1234.5678901234, -1, 1e-9, 0.1 * 3} {
		got, err := ParseFloat(FormatFloat(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

// TestMedian verifies odd, even and empty inputs.
func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median([]int{}))
	assert.Equal(t, 2.0, Median([]int{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]int{4, 1, 3, 2}))

	in := []int{3, 1, 2}
	Median(in)
	assert.Equal(t, []int{3, 1, 2}, in, "input must not be reordered")
}

// TestMinMax verifies bounds and the empty case.
func TestMinMax(t *testing.T) {
	lo, hi := MinMax([]int{5, 2, 9})
	assert.Equal(t, 2, lo)
	assert.Equal(t, 9, hi)

	lo, hi = MinMax([]int{})
	assert.Equal(t, 0, lo)
	assert.Equal(t, 0, hi)
}

// TestPopcount verifies set-bit counting.
func TestPopcount(t *testing.T) {
	assert.Equal(t, 0, Popcount(0))
	assert.Equal(t, 3, Popcount(0b1011))
	assert.Equal(t, 64, Popcount(^uint64(0)))
}
