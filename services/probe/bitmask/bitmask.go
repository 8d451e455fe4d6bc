// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bitmask generates the candidate flip-masks tested by the side-effect
// and tracing phases.
//
// All functions are pure and safe for concurrent use.
package bitmask

import (
	"math/bits"
	"slices"
)

// RegisterWidth is the number of bits in a model-specific register.
const RegisterWidth = 64

// Positions returns the set-bit positions of mask in ascending order.
func Positions(mask uint64) []int {
	out := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		pos := bits.TrailingZeros64(mask)
		out = append(out, pos)
		mask &^= 1 << pos
	}
	return out
}

// FromPositions builds a mask with the given bit positions set. Positions
// outside [0, 63] are ignored.
func FromPositions(positions []int) uint64 {
	var mask uint64
	for _, p := range positions {
		if p >= 0 && p < RegisterWidth {
			mask |= 1 << p
		}
	}
	return mask
}

// IsSubset reports whether every bit of a is also set in b.
func IsSubset(a, b uint64) bool {
	return a&^b == 0
}

// AllSubsetMasks enumerates every mask formed by a subset of positions.
//
// # Description
//
// Produces 2^k masks for k positions, including the zero mask. Enumeration
// is iterative: mask i of the result sets position j when bit j of i is set.
// The caller bounds k (the window size), so the result stays small.
// Duplicate positions produce duplicate masks.
//
// # Inputs
//
//   - positions: Bit positions in [0, 63]
//
// # Outputs
//
//   - []uint64: 2^len(positions) masks; [0] for no positions
func AllSubsetMasks(positions []int) []uint64 {
	n := 1 << len(positions)
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		var mask uint64
		for j, p := range positions {
			if i&(1<<j) != 0 {
				mask |= 1 << p
			}
		}
		out = append(out, mask)
	}
	return out
}

// SlidingWindowMasks enumerates every submask of every window of
// windowSize consecutive flippable bits.
//
// # Description
//
// Windows are taken over the set-bit positions of flipMask, not over raw bit
// offsets, so a window always holds windowSize flippable bits. windowSize is
// clamped to the number of set bits. Results from overlapping windows are
// merged, sorted ascending and de-duplicated. The zero mask is included
// whenever flipMask is non-empty; callers skip it.
//
// # Example
//
//	SlidingWindowMasks(0b111, 2) = [0b000, 0b001, 0b010, 0b011, 0b100, 0b110]
//
// # Outputs
//
//   - []uint64: Masks, each a subset of flipMask; nil when flipMask is 0
//     or windowSize < 1
func SlidingWindowMasks(flipMask uint64, windowSize int) []uint64 {
	positions := Positions(flipMask)
	if len(positions) == 0 || windowSize < 1 {
		return nil
	}
	if windowSize > len(positions) {
		windowSize = len(positions)
	}
	var out []uint64
	for start := 0; start+windowSize <= len(positions); start++ {
		out = append(out, AllSubsetMasks(positions[start:start+windowSize])...)
	}
	return sortUnique(out)
}

// CombPattern repeats the low windowSize bits of value at every windowSize
// offset across the 64-bit register.
func CombPattern(value uint64, windowSize int) uint64 {
	var mask uint64
	for offset := 0; offset < RegisterWidth; offset += windowSize {
		mask |= value << offset
	}
	return mask
}

// Project maps the low bits of pattern onto the set bits of flipMask.
//
// Bit i of pattern lands on the i-th flippable position; non-flippable
// positions consume no pattern bit.
func Project(pattern, flipMask uint64) uint64 {
	var out uint64
	for _, pos := range Positions(flipMask) {
		out |= (pattern & 1) << pos
		pattern >>= 1
	}
	return out
}

// UnifiedWindowMasks builds masks that test the same windowSize-bit value
// in every window of flipMask at once.
//
// # Description
//
// For each of the 2^windowSize window values, a comb pattern repeating the
// value every windowSize bits is built over the full register and then
// projected onto the flippable bits. Structurally repeating fields (per-core
// or per-lane configuration) are covered in 2^windowSize trials instead of
// one trial per window position. Projection can collapse distinct patterns,
// so the result is sorted and de-duplicated.
//
// # Outputs
//
//   - []uint64: At most 2^windowSize masks, each a subset of flipMask; nil
//     when windowSize is outside [1, 63]
func UnifiedWindowMasks(flipMask uint64, windowSize int) []uint64 {
	if windowSize < 1 || windowSize >= RegisterWidth {
		return nil
	}
	n := uint64(1) << windowSize
	out := make([]uint64, 0, n)
	for value := uint64(0); value < n; value++ {
		out = append(out, Project(CombPattern(value, windowSize), flipMask))
	}
	return sortUnique(out)
}

// WithoutZero returns masks with every zero mask removed, preserving order.
func WithoutZero(masks []uint64) []uint64 {
	out := make([]uint64, 0, len(masks))
	for _, m := range masks {
		if m != 0 {
			out = append(out, m)
		}
	}
	return out
}

func sortUnique(masks []uint64) []uint64 {
	slices.Sort(masks)
	return slices.Compact(masks)
}
