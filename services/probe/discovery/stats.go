// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"math"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// Stats summarizes the flippable bits found by Phase 1.
type Stats struct {
	// Registers is the number of probed registers.
	Registers int

	// Writable is the number of registers with at least one flippable bit.
	Writable int

	// Bits is the total number of flippable bits.
	Bits int

	// Average is the integer mean of flippable bits per register.
	Average int
	Median  float64
	Min     int
	Max     int

	// Exhaustive is the number of values an exhaustive search of every
	// register's flippable bits would test: the sum of 2^bits.
	Exhaustive float64

	// Windowed is the number of values the window search tests: the sum
	// of 2^window * bits.
	Windowed float64
}

// Summarize computes Stats over results with the given window size.
//
// Search spaces are float64 because a register with 64 flippable bits alone
// contributes 2^64 values.
func Summarize(results []Result, window int) Stats {
	s := Stats{Registers: len(results)}
	if len(results) == 0 {
		return s
	}
	counts := make([]int, 0, len(results))
	for _, r := range results {
		bits := util.Popcount(r.FlipMask)
		if bits > 0 {
			s.Writable++
		}
		counts = append(counts, bits)
		s.Bits += bits
		s.Exhaustive += math.Ldexp(1, bits)
		s.Windowed += math.Ldexp(1, window) * float64(bits)
	}
	s.Average = s.Bits / len(counts)
	s.Median = util.Median(counts)
	s.Min, s.Max = util.MinMax(counts)
	return s
}
