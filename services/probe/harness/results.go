// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package harness

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// HeaderName is the first column of a harness results header.
const HeaderName = "NAME"

// Results is one parsed harness run: a value per (test, counter).
type Results struct {
	// Counters lists the counter names in header order.
	Counters []string

	// Rows holds one entry per test, in file order.
	Rows []Row
}

// Row is the counter values of one test. Values align with Results.Counters.
type Row struct {
	Test   string
	Values []float64
}

// Observation is a single (test, counter, value) triple.
type Observation struct {
	Test    string
	Counter string
	Value   float64
}

// Observations flattens the results in row-major order.
func (r *Results) Observations() []Observation {
	if r == nil {
		return nil
	}
	out := make([]Observation, 0, len(r.Rows)*len(r.Counters))
	for _, row := range r.Rows {
		for i, v := range row.Values {
			out = append(out, Observation{Test: row.Test, Counter: r.Counters[i], Value: v})
		}
	}
	return out
}

// Len returns the number of observations.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows) * len(r.Counters)
}

// Parse reads harness output.
//
// # Description
//
// The first line is "NAME;<counter1>;<counter2>;..." and every following
// non-blank line is "<test>;<value1>;<value2>;...". Every value must be
// present and numeric.
//
// # Outputs
//
//   - *Results: Parsed values
//   - error: Wraps ErrMalformedResults with the line number on any format
//     violation
func Parse(r io.Reader) (*Results, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResults, err)
		}
		return nil, fmt.Errorf("%w: empty output", ErrMalformedResults)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r"), ";")
	if header[0] != HeaderName {
		return nil, fmt.Errorf("%w: line 1: header must start with %s", ErrMalformedResults, HeaderName)
	}
	res := &Results{Counters: header[1:]}
	for i, c := range res.Counters {
		if c == "" {
			return nil, fmt.Errorf("%w: line 1: empty counter name in column %d", ErrMalformedResults, i+2)
		}
	}

	line := 1
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Split(text, ";")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("%w: line %d: %d fields, header has %d",
				ErrMalformedResults, line, len(fields), len(header))
		}
		row := Row{Test: fields[0], Values: make([]float64, 0, len(fields)-1)}
		for i, f := range fields[1:] {
			if f == "" {
				return nil, fmt.Errorf("%w: line %d: missing value for %s",
					ErrMalformedResults, line, res.Counters[i])
			}
			v, err := util.ParseFloat(f)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %s: %v",
					ErrMalformedResults, line, res.Counters[i], err)
			}
			row.Values = append(row.Values, v)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResults, err)
	}
	return res, nil
}

// ReadResults parses the harness output file at path.
//
// A missing file is reported as ErrMeasurementFailed, since the harness
// did not produce output; a present but unparsable file is malformed.
func ReadResults(path string) (*Results, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open results %s: %v", ErrMeasurementFailed, path, err)
	}
	defer f.Close()
	res, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}
