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
	"cmp"
	"slices"
)

// Number is any value the statistics helpers accept.
type Number interface {
	~int | ~int64 | ~uint64 | ~float64
}

// Median returns the median of values, averaging the two middle elements for
// even-length input. Returns 0 for an empty slice. The input is not modified.
func Median[T Number](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (float64(sorted[(n-1)/2]) + float64(sorted[n/2])) / 2
	}
	return float64(sorted[n/2])
}

// MinMax returns the smallest and largest element, or zero values when
// values is empty.
func MinMax[T cmp.Ordered](values []T) (T, T) {
	var lo, hi T
	if len(values) == 0 {
		return lo, hi
	}
	return slices.Min(values), slices.Max(values)
}
