// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sideeffect

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// ResultsHeader is the first line of a side-effect file.
const ResultsHeader = "msr;flipped_bits;(" + pmc.DeviationHeader + ";)*"

// DefaultResultsPath is where Phase 2 results are persisted.
const DefaultResultsPath = "./observed_sideeffects.csv"

// WriteResults persists results at path, one row per register:
// msr;flipped_bits followed by one group of pmc.DeviationFields fields per
// deviation.
func WriteResults(path string, results []Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create side-effect file: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, ResultsHeader)
	for _, r := range results {
		fmt.Fprintf(w, "%s;%s", util.Hex(r.Address), util.Hex(r.FlipMask))
		for _, d := range r.Deviations {
			fmt.Fprintf(w, ";%s", pmc.FormatDeviation(d))
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write side-effect file: %w", err)
	}
	return f.Close()
}

// ReadResults loads a side-effect file.
//
// # Outputs
//
//   - []Result: Rows in file order
//   - error: *util.FormatError for a wrong header, a field count that is not
//     2 plus a multiple of pmc.DeviationFields, or an unparsable field
func ReadResults(path string) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open side-effect file (run phase 2 first): %w", err)
	}
	defer f.Close()

	var results []Result
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
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
		return nil, fmt.Errorf("read side-effect file: %w", err)
	}
	if line == 0 {
		return nil, &util.FormatError{Path: path, Reason: "empty file"}
	}
	return results, nil
}

func parseResult(text string) (Result, error) {
	fields := strings.Split(text, ";")
	if len(fields) < 2 || (len(fields)-2)%pmc.DeviationFields != 0 {
		return Result{}, fmt.Errorf("unexpected field count %d", len(fields))
	}
	address, err := util.ParseHex32(fields[0])
	if err != nil {
		return Result{}, err
	}
	mask, err := util.ParseHex64(fields[1])
	if err != nil {
		return Result{}, err
	}
	r := Result{Address: address, FlipMask: mask}
	for i := 2; i < len(fields); i += pmc.DeviationFields {
		d, err := pmc.ParseDeviation(fields[i : i+pmc.DeviationFields])
		if err != nil {
			return Result{}, err
		}
		r.Deviations = append(r.Deviations, d)
	}
	return r, nil
}
