// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util holds the small formatting and statistics helpers shared by
// the probe packages.
package util

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Hex formats a value as lowercase hex with a 0x prefix, e.g. 0x1a0.
//
// This is the on-disk representation of register addresses and flip-masks
// in every persisted CSV file.
func Hex[T ~uint32 | ~uint64 | ~int](v T) string {
	return fmt.Sprintf("0x%x", uint64(v))
}

// ParseHex64 parses a hex value with or without a 0x prefix.
//
// # Outputs
//
//   - uint64: Parsed value
//   - error: Non-nil if the input is empty or not valid hex
func ParseHex64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex value %q", s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", s, err)
	}
	return v, nil
}

// ParseHex32 parses a 32-bit register address in hex.
func ParseHex32(s string) (uint32, error) {
	v, err := ParseHex64(s)
	if err != nil {
		return 0, err
	}
	if v > 0xffffffff {
		return 0, fmt.Errorf("value %q exceeds 32 bits", s)
	}
	return uint32(v), nil
}

// ParseAddress parses a user-supplied register address. Accepts the same
// forms as strtoll with base 0: 0x-prefixed hex, 0-prefixed octal, decimal.
func ParseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid register address %q: %w", s, err)
	}
	return uint32(v), nil
}

// Popcount returns the number of set bits in v.
func Popcount(v uint64) int {
	return bits.OnesCount64(v)
}

// FormatFloat renders a float with the shortest representation that parses
// back to the identical value.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseFloat parses a persisted counter or threshold value.
func ParseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return v, nil
}
