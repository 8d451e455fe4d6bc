// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package descriptor loads the list of registers and candidate bits that
// flippable-bit discovery probes.
package descriptor

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/bitmask"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// Header is the first line of a descriptor file.
const Header = "msr;name;bits-to-check"

// Register is one register to probe.
type Register struct {
	Address uint32
	Name    string

	// Bits lists candidate bit positions, ascending and duplicate-free.
	Bits []int
}

// Mask returns the candidate bits as a mask.
func (r Register) Mask() uint64 {
	return bitmask.FromPositions(r.Bits)
}

// ForAddress synthesizes a descriptor covering all 64 bits of address.
func ForAddress(address uint32) Register {
	bits := make([]int, bitmask.RegisterWidth)
	for i := range bits {
		bits[i] = i
	}
	return Register{Address: address, Bits: bits}
}

// ParseBits expands "begin-end" ranges such as "9-63,24-63,1-4".
//
// Bounds accept decimal or 0x-prefixed hex. Ranges may overlap; the
// result is sorted and de-duplicated. An empty string yields no bits.
func ParseBits(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var bits []int
	for _, r := range strings.Split(spec, ",") {
		begin, end, ok := strings.Cut(strings.TrimSpace(r), "-")
		if !ok {
			return nil, fmt.Errorf("ill-formatted bit range %q", r)
		}
		lo, err := strconv.ParseUint(strings.TrimSpace(begin), 0, 8)
		if err != nil {
			return nil, fmt.Errorf("ill-formatted bit range %q: %w", r, err)
		}
		hi, err := strconv.ParseUint(strings.TrimSpace(end), 0, 8)
		if err != nil {
			return nil, fmt.Errorf("ill-formatted bit range %q: %w", r, err)
		}
		if lo > hi || hi >= bitmask.RegisterWidth {
			return nil, fmt.Errorf("bit range %q outside 0-63 or reversed", r)
		}
		for b := int(lo); b <= int(hi); b++ {
			bits = append(bits, b)
		}
	}
	slices.Sort(bits)
	return slices.Compact(bits), nil
}

// Load reads a descriptor file.
//
// # Description
//
// Expects Header on the first line, then "address;name;ranges" rows with a
// hex address (0x prefix optional). Blank lines are ignored.
//
// # Outputs
//
//   - []Register: Registers in file order
//   - error: *util.FormatError with the line number on any format violation
func Load(path string) ([]Register, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptor file: %w", err)
	}
	defer f.Close()

	var regs []Register
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if line == 1 {
			if text != Header {
				return nil, &util.FormatError{Path: path, Line: line, Reason: "unexpected header"}
			}
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, ";")
		if len(fields) != 3 {
			return nil, &util.FormatError{Path: path, Line: line, Reason: fmt.Sprintf("expected 3 fields, got %d", len(fields))}
		}
		addr, err := util.ParseHex32(fields[0])
		if err != nil {
			return nil, &util.FormatError{Path: path, Line: line, Reason: err.Error()}
		}
		bits, err := ParseBits(fields[2])
		if err != nil {
			return nil, &util.FormatError{Path: path, Line: line, Reason: err.Error()}
		}
		regs = append(regs, Register{Address: addr, Name: fields[1], Bits: bits})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read descriptor file: %w", err)
	}
	if line == 0 {
		return nil, &util.FormatError{Path: path, Reason: "empty file"}
	}
	return regs, nil
}
