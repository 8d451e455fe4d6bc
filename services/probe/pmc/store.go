// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pmc holds calibrated performance-counter thresholds and the logic
// that calibrates them and flags deviations.
package pmc

import (
	"bufio"
	"cmp"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// StoreHeader is the header line of a threshold file.
const StoreHeader = "testname;pmcname;reference_value;lower_threshold;upper_threshold"

// DefaultStorePath is where calibration persists its thresholds.
const DefaultStorePath = "./pmc_thresholds.csv"

// Key identifies one counter of one test.
type Key struct {
	Test    string
	Counter string
}

func (k Key) String() string {
	return k.Test + "---" + k.Counter
}

// Threshold is the calibrated band of one (test, counter).
//
// After calibration Lower <= Reference <= Upper.
type Threshold struct {
	Test      string
	Counter   string
	Reference float64
	Lower     float64
	Upper     float64
}

// Key returns the identity of the threshold.
func (t Threshold) Key() Key {
	return Key{Test: t.Test, Counter: t.Counter}
}

// Contains reports whether v lies inside the band.
func (t Threshold) Contains(v float64) bool {
	return v >= t.Lower && v <= t.Upper
}

// Store maps (test, counter) to its threshold. One threshold per key.
//
// Not safe for concurrent mutation.
type Store struct {
	m map[Key]Threshold
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{m: make(map[Key]Threshold)}
}

// Get returns the threshold for k.
func (s *Store) Get(k Key) (Threshold, bool) {
	t, ok := s.m[k]
	return t, ok
}

// Put inserts or replaces a threshold.
func (s *Store) Put(t Threshold) {
	s.m[t.Key()] = t
}

// Len returns the number of thresholds.
func (s *Store) Len() int {
	return len(s.m)
}

// Sorted returns all thresholds ordered by test then counter.
func (s *Store) Sorted() []Threshold {
	out := make([]Threshold, 0, len(s.m))
	for _, t := range s.m {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Threshold) int {
		return cmp.Or(cmp.Compare(a.Test, b.Test), cmp.Compare(a.Counter, b.Counter))
	})
	return out
}

// WriteStore persists the store at path, overwriting it.
//
// Rows are sorted so repeated calibrations diff cleanly. Floats use the
// shortest exact representation, so ReadStore reproduces them bit for bit.
func WriteStore(path string, s *Store) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create threshold file: %w", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, StoreHeader)
	for _, t := range s.Sorted() {
		fmt.Fprintf(w, "%s;%s;%s;%s;%s\n", t.Test, t.Counter,
			util.FormatFloat(t.Reference), util.FormatFloat(t.Lower), util.FormatFloat(t.Upper))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write threshold file: %w", err)
	}
	return f.Close()
}

// ReadStore loads a threshold file.
//
// # Outputs
//
//   - *Store: The thresholds
//   - error: *util.FormatError for a wrong header, a malformed row or a
//     repeated (test, counter) pair; the open
//     error (wrapping fs.ErrNotExist when absent) otherwise
func ReadStore(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open threshold file (run calibration first): %w", err)
	}
	defer f.Close()

	s := NewStore()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if line == 1 {
			if text != StoreHeader {
				return nil, &util.FormatError{Path: path, Line: line, Reason: "unexpected header"}
			}
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		t, err := parseThreshold(text)
		if err != nil {
			return nil, &util.FormatError{Path: path, Line: line, Reason: err.Error()}
		}
		if _, dup := s.Get(t.Key()); dup {
			return nil, &util.FormatError{Path: path, Line: line,
				Reason: fmt.Sprintf("duplicate threshold for test %q counter %q", t.Test, t.Counter)}
		}
		s.Put(t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read threshold file: %w", err)
	}
	if line == 0 {
		return nil, &util.FormatError{Path: path, Reason: "empty file"}
	}
	return s, nil
}

func parseThreshold(text string) (Threshold, error) {
	fields := strings.Split(text, ";")
	if len(fields) != 5 {
		return Threshold{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	t := Threshold{Test: fields[0], Counter: fields[1]}
	var err error
	if t.Reference, err = util.ParseFloat(fields[2]); err != nil {
		return Threshold{}, err
	}
	if t.Lower, err = util.ParseFloat(fields[3]); err != nil {
		return Threshold{}, err
	}
	if t.Upper, err = util.ParseFloat(fields[4]); err != nil {
		return Threshold{}, err
	}
	return t, nil
}
