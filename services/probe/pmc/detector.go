// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pmc

import (
	"log/slog"
	"math"
	"sync"

	"github.com/AleutianAI/msrprobe/services/probe/harness"
)

// Deviation is a counter value that left its calibrated band by more than
// the counter's floor.
type Deviation struct {
	Threshold
	Observed float64
}

// Detector compares measurement results against a threshold store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Detector struct {
	floors FloorPolicy
	logger *slog.Logger

	mu     sync.Mutex
	warned map[Key]struct{}
}

// NewDetector creates a detector with the given floor policy.
func NewDetector(floors FloorPolicy, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		floors: floors,
		logger: logger.With(slog.String("component", "detector")),
		warned: make(map[Key]struct{}),
	}
}

// Check returns every deviation in results.
//
// # Description
//
// A value is a deviation when it lies outside [Lower, Upper] and
// |value - Reference| >= Floor(counter). Results are in the harness
// output order. Counters without a threshold are skipped; each such key is
// logged once per detector.
//
// # Inputs
//
//   - store: Calibrated thresholds
//   - results: One harness run
//
// # Outputs
//
//   - []Deviation: Deviations, nil when there are none
func (d *Detector) Check(store *Store, results *harness.Results) []Deviation {
	var out []Deviation
	for _, obs := range results.Observations() {
		key := Key{Test: obs.Test, Counter: obs.Counter}
		t, ok := store.Get(key)
		if !ok {
			d.warnMissing(key)
			continue
		}
		if t.Contains(obs.Value) {
			continue
		}
		if math.Abs(obs.Value-t.Reference) < d.floors.Floor(obs.Counter) {
			continue
		}
		out = append(out, Deviation{Threshold: t, Observed: obs.Value})
	}
	return out
}

func (d *Detector) warnMissing(key Key) {
	d.mu.Lock()
	_, seen := d.warned[key]
	d.warned[key] = struct{}{}
	d.mu.Unlock()
	if !seen {
		d.logger.Warn("no threshold for counter, skipping",
			slog.String("test", key.Test),
			slog.String("counter", key.Counter))
	}
}

// Intersect keeps the deviations of a whose key also appears in b.
//
// Order and observed values come from a.
func Intersect(a, b []Deviation) []Deviation {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	keys := make(map[Key]struct{}, len(b))
	for _, dev := range b {
		keys[dev.Key()] = struct{}{}
	}
	var out []Deviation
	for _, dev := range a {
		if _, ok := keys[dev.Key()]; ok {
			out = append(out, dev)
		}
	}
	return out
}
