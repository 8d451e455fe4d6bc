// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package harness runs the external PMC benchmarking harness and parses
// its output.
//
// The probe engines only see the Provider interface. NanobenchProvider
// shells out to the nanoBench wrapper script; MockProvider serves tests.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// DefaultScript is the wrapper script invoked per measurement.
const DefaultScript = "../../scripts/invoke-nanobench_combined_dir-v2.sh"

// DefaultInstructionDir is the folder of instruction sequences to benchmark.
const DefaultInstructionDir = "../../data/instructions"

// Request describes one measurement run.
type Request struct {
	// CoreID is the logical core the harness pins its benchmarks to.
	CoreID int

	// InstructionDir is the folder of instruction sequences to run.
	InstructionDir string

	// OutputPath is where the harness writes its results file.
	OutputPath string
}

// Provider performs one blocking measurement run.
//
// # Description
//
// Returns the counter values for every (test, counter) pair of the run.
// Errors wrapping ErrMeasurementFailed are transient; errors wrapping
// ErrMalformedResults are fatal.
//
// # Thread Safety
//
// Callers never overlap measurements; implementations need not be
// concurrent-safe.
type Provider interface {
	Measure(ctx context.Context, req Request) (*Results, error)
}

// NanobenchProvider invokes "<script> <core> <instruction-dir> <output>"
// and parses the output file.
type NanobenchProvider struct {
	script string
	pm     ProcessManager
	logger *slog.Logger
}

// NewNanobenchProvider creates a provider for the given wrapper script.
//
// # Inputs
//
//   - script: Path to the wrapper script. Empty selects DefaultScript.
//   - pm: Process runner. Nil selects DefaultProcessManager.
//   - logger: Logger. Nil selects slog.Default().
func NewNanobenchProvider(script string, pm ProcessManager, logger *slog.Logger) *NanobenchProvider {
	if script == "" {
		script = DefaultScript
	}
	if pm == nil {
		pm = NewDefaultProcessManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NanobenchProvider{
		script: script,
		pm:     pm,
		logger: logger.With(slog.String("component", "harness")),
	}
}

// Measure runs the harness once.
//
// # Description
//
// Removes any stale output file, runs the script, then parses the file the
// script wrote. A failed or timed-out run wraps ErrMeasurementFailed and the
// *CommandError describing it.
func (p *NanobenchProvider) Measure(ctx context.Context, req Request) (*Results, error) {
	if err := os.Remove(req.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: remove stale output: %v", ErrMeasurementFailed, err)
	}

	p.logger.Debug("running harness",
		slog.String("script", p.script),
		slog.Int("core", req.CoreID),
		slog.String("output", req.OutputPath))

	if _, err := p.pm.Run(ctx, p.script, strconv.Itoa(req.CoreID), req.InstructionDir, req.OutputPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMeasurementFailed, err)
	}
	return ReadResults(req.OutputPath)
}

// MockProvider is a test double for Provider.
//
// MeasureFunc is called for every run; Requests records each request.
type MockProvider struct {
	MeasureFunc func(ctx context.Context, req Request) (*Results, error)

	mu       sync.Mutex
	requests []Request
}

// Measure delegates to MeasureFunc and records the request.
func (m *MockProvider) Measure(ctx context.Context, req Request) (*Results, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.MeasureFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockProvider.MeasureFunc not set")
	}
	return fn(ctx, req)
}

// Calls returns the number of Measure invocations.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of all recorded requests.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// NewResults builds Results from a single test's counter values. Intended
// for tests and simulations.
func NewResults(test string, counters []string, values []float64) *Results {
	return &Results{
		Counters: counters,
		Rows:     []Row{{Test: test, Values: values}},
	}
}

var (
	_ Provider = (*NanobenchProvider)(nil)
	_ Provider = (*MockProvider)(nil)
)
