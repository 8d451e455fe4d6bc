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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// ResultsHeader is the first line of a flippable-bits file.
const ResultsHeader = "msr;errorcode;flipmask"

// DefaultResultsPath is where Phase 1 results are persisted.
const DefaultResultsPath = "./flippable_msrs.csv"

// WriteResults persists results at path, overwriting it. The flip-mask of
// any register whose outcome is not Success is written as 0.
func WriteResults(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create flippable-bits file: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, ResultsHeader)
	for _, r := range results {
		mask := r.FlipMask
		if r.Outcome != Success {
			mask = 0
		}
		fmt.Fprintf(w, "%s;%s;%s\n", util.Hex(r.Address), r.Outcome, util.Hex(mask))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write flippable-bits file: %w", err)
	}
	return f.Close()
}

// ReadResults loads a flippable-bits file.
//
// # Outputs
//
//   - []Result: Rows in file order
//   - error: *util.FormatError for a wrong header, field count, address, outcome
//     or mask; the open error otherwise
func ReadResults(path string) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flippable-bits file (run phase 1 first): %w", err)
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
		r, err := parseResult(text)
		if err != nil {
			return nil, &util.FormatError{Path: path, Line: line, Reason: err.Error()}
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read flippable-bits file: %w", err)
	}
	if line == 0 {
		return nil, &util.FormatError{Path: path, Reason: "empty file"}
	}
	return results, nil
}

func parseResult(text string) (Result, error) {
	fields := strings.Split(text, ";")
	if len(fields) != 3 {
		return Result{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	address, err := util.ParseHex32(fields[0])
	if err != nil {
		return Result{}, err
	}
	outcome, err := ParseOutcome(fields[1])
	if err != nil {
		return Result{}, err
	}
	mask, err := util.ParseHex64(fields[2])
	if err != nil {
		return Result{}, err
	}
	return Result{Address: address, Outcome: outcome, FlipMask: mask}, nil
}

// Find returns the result for address.
func Find(results []Result, address uint32) (Result, bool) {
	for _, r := range results {
		if r.Address == address {
			return r, true
		}
	}
	return Result{}, false
}
