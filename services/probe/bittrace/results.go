// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bittrace

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// ResultsHeader is the first line of a traced-bits file.
const ResultsHeader = "msr;flipped_bits;" + pmc.DeviationHeader + ";"

// DefaultResultsPath is where Phase 3 results are persisted.
const DefaultResultsPath = "./traced_bits.csv"

const rowFields = 2 + pmc.DeviationFields

// WriteResults persists results at path with one row per (register, mask,
// deviation).
func WriteResults(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create traced-bits file: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, ResultsHeader)
	for _, r := range results {
		for _, d := range r.Deviations {
			fmt.Fprintf(w, "%s;%s;%s\n", util.Hex(r.Address), util.Hex(r.FlipMask), pmc.FormatDeviation(d))
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write traced-bits file: %w", err)
	}
	return f.Close()
}

// ReadResults loads a traced-bits file. Consecutive rows with the same
// register and mask are grouped into one Result.
func ReadResults(path string) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open traced-bits file (run phase 3 first): %w", err)
	}
	defer f.Close()

	var results []Result
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if line == 1 {
			if text != ResultsHeader {
				return nil, &util.FormatError{Path: path, Line: line, Reason: "unexpected header"}
			}
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		address, mask, dev, err := parseRow(text)
		if err != nil {
			return nil, &util.FormatError{Path: path, Line: line, Reason: err.Error()}
		}
		if n := len(results); n > 0 && results[n-1].Address == address && results[n-1].FlipMask == mask {
			results[n-1].Deviations = append(results[n-1].Deviations, dev)
			continue
		}
		results = append(results, Result{Address: address, FlipMask: mask, Deviations: []pmc.Deviation{dev}})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read traced-bits file: %w", err)
	}
	if line == 0 {
		return nil, &util.FormatError{Path: path, Reason: "empty file"}
	}
	return results, nil
}

func parseRow(text string) (uint32, uint64, pmc.Deviation, error) {
	fields := strings.Split(text, ";")
	if len(fields) != rowFields {
		return 0, 0, pmc.Deviation{}, fmt.Errorf("expected %d fields, got %d", rowFields, len(fields))
	}
	address, err := util.ParseHex32(fields[0])
	if err != nil {
		return 0, 0, pmc.Deviation{}, err
	}
	mask, err := util.ParseHex64(fields[1])
	if err != nil {
		return 0, 0, pmc.Deviation{}, err
	}
	dev, err := pmc.ParseDeviation(fields[2:])
	if err != nil {
		return 0, 0, pmc.Deviation{}, err
	}
	return address, mask, dev, nil
}
