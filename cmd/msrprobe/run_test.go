// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/msrprobe/cmd/msrprobe/config"
	"github.com/AleutianAI/msrprobe/services/probe/bittrace"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/report"
	"github.com/AleutianAI/msrprobe/services/probe/sideeffect"
	"github.com/AleutianAI/msrprobe/services/probe/storage/badger"
)

// recordingSink keeps every finding it receives.
type recordingSink struct {
	mu           sync.Mutex
	masks        map[string][]uint64
	calibrations int
}

func (s *recordingSink) Deviations(_ context.Context, phase string, _ uint32, mask uint64, _ []pmc.Deviation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masks == nil {
		s.masks = make(map[string][]uint64)
	}
	s.masks[phase] = append(s.masks[phase], mask)
	return nil
}

func (s *recordingSink) Calibration(context.Context, *pmc.Store, pmc.CalibrationStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrations++
	return nil
}

func (s *recordingSink) Close() error {
	return nil
}

type pipelineFixture struct {
	p    *pipeline
	dev  *msr.SimulatedDevice
	sink *recordingSink
	j    *journal.Journal
	out  *bytes.Buffer
}

// newPipelineFixture builds a pipeline over a simulated register 0x10 whose
// low nibble is writable. Setting bit 1 raises counterA from 50 to 500.
func newPipelineFixture(t *testing.T, sel selection, descriptor string) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Paths = config.PathsConfig{
		Descriptor:  filepath.Join(dir, "msrs.csv"),
		Flippable:   filepath.Join(dir, "flippable_msrs.csv"),
		Thresholds:  filepath.Join(dir, "pmc_thresholds.csv"),
		SideEffects: filepath.Join(dir, "observed_sideeffects.csv"),
		Traced:      filepath.Join(dir, "traced_bits.csv"),
	}
	cfg.Harness.CalibrationOutput = filepath.Join(dir, "calibrate.csv")
	cfg.Harness.TrialOutput = filepath.Join(dir, "trial.csv")
	require.NoError(t, os.WriteFile(cfg.Paths.Descriptor, []byte(descriptor), 0o644))

	dev := msr.NewSimulatedDevice(cfg.Core, map[uint32]msr.SimulatedRegister{
		0x10: {Value: 0xf0, Writable: 0x0f},
		0x30: {Value: 0, Writable: 0x1},
	})
	provider := &harness.MockProvider{
		MeasureFunc: func(context.Context, harness.Request) (*harness.Results, error) {
			counterA := 50.0
			if dev.Value(0x10)&0x2 != 0 {
				counterA = 500
			}
			return harness.NewResults("t1", []string{"RDTSC", "counterA"}, []float64{1000, counterA}), nil
		},
	}

	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	j, err := journal.New(context.Background(), db, journal.Config{RunID: uuid.NewString()})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	rec := &recordingSink{}
	return &pipelineFixture{
		p: &pipeline{
			cfg:      cfg,
			sel:      sel,
			dev:      dev,
			provider: provider,
			journal:  j,
			sink:     rec,
			out:      report.New(out, out, report.LevelPlain),
		},
		dev:  dev,
		sink: rec,
		j:    j,
		out:  out,
	}
}

const testDescriptor = "msr;name;bits-to-check\n0x10;TEST_CTL;0-7\n0x1b;APIC_BASE;0-63\n"

// TestPipeline_AllPhases verifies every phase runs in order and persists
// what the next phase reads.
func TestPipeline_AllPhases(t *testing.T) {
	f := newPipelineFixture(t, selection{phase1: true, calibrate: true, phase2: true, phase3: true}, testDescriptor)

	require.NoError(t, f.p.run(context.Background()))

	phase1, err := discovery.ReadResults(f.p.cfg.Paths.Flippable)
	require.NoError(t, err)
	require.Len(t, phase1, 1, "denylisted register is left out")
	assert.Equal(t, discovery.Result{Address: 0x10, Outcome: discovery.Success, FlipMask: 0x0f}, phase1[0])

	store, err := pmc.ReadStore(f.p.cfg.Paths.Thresholds)
	require.NoError(t, err)
	th, ok := store.Get(pmc.Key{Test: "t1", Counter: "counterA"})
	require.True(t, ok)
	assert.Equal(t, 50.0, th.Lower)
	assert.Equal(t, 50.0, th.Upper)

	phase2, err := sideeffect.ReadResults(f.p.cfg.Paths.SideEffects)
	require.NoError(t, err)
	require.Len(t, phase2, 1)
	assert.Equal(t, uint64(0x2), phase2[0].FlipMask)
	require.Len(t, phase2[0].Deviations, 1)
	assert.Equal(t, 500.0, phase2[0].Deviations[0].Observed)

	traced, err := bittrace.ReadResults(f.p.cfg.Paths.Traced)
	require.NoError(t, err)
	var masks []uint64
	for _, r := range traced {
		masks = append(masks, r.FlipMask)
	}
	assert.Equal(t, []uint64{0x2, 0x3, 0x6, 0x7, 0xa, 0xb, 0xe, 0xf}, masks)

	assert.Equal(t, uint64(0xf0), f.dev.Value(0x10), "register restored")
	pending, err := f.j.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, 1, f.sink.calibrations)
	assert.Equal(t, []uint64{0x2}, f.sink.masks[sideeffect.PhaseName])
	assert.Len(t, f.sink.masks[bittrace.PhaseName], 8)
	assert.Contains(t, f.out.String(), "EFFECT: msr 0x10 mask 0x2")
}

// TestPipeline_ResumeFromFiles verifies a later phase runs alone from the
// files of an earlier invocation.
func TestPipeline_ResumeFromFiles(t *testing.T) {
	f := newPipelineFixture(t, selection{phase1: true, calibrate: true}, testDescriptor)
	require.NoError(t, f.p.run(context.Background()))

	f.p.sel = selection{phase2: true}
	f.p.store = nil
	require.NoError(t, f.p.run(context.Background()))

	phase2, err := sideeffect.ReadResults(f.p.cfg.Paths.SideEffects)
	require.NoError(t, err)
	require.Len(t, phase2, 1)
	assert.Equal(t, uint64(0x2), phase2[0].FlipMask)
}

// TestPipeline_MSRFilter verifies --msr narrows every phase to one
// register and fails when a prior phase has no data for it.
func TestPipeline_MSRFilter(t *testing.T) {
	t.Run("phase1 synthesizes a full descriptor", func(t *testing.T) {
		f := newPipelineFixture(t, selection{phase1: true, msr: 0x30, hasMSR: true}, testDescriptor)
		require.NoError(t, f.p.run(context.Background()))

		phase1, err := discovery.ReadResults(f.p.cfg.Paths.Flippable)
		require.NoError(t, err)
		require.Len(t, phase1, 1)
		assert.Equal(t, uint32(0x30), phase1[0].Address)
		assert.Equal(t, uint64(0x1), phase1[0].FlipMask)
	})

	t.Run("phase2 needs phase1 data", func(t *testing.T) {
		f := newPipelineFixture(t, selection{phase1: true, calibrate: true}, testDescriptor)
		require.NoError(t, f.p.run(context.Background()))

		f.p.sel = selection{phase2: true, msr: 0x30, hasMSR: true}
		err := f.p.run(context.Background())
		assert.ErrorIs(t, err, errNotInResults)
		assert.Contains(t, err.Error(), "0x30")
	})
}

// TestPipeline_RestoreFailure verifies a failed restore aborts the run
// after persisting the results gathered so far.
func TestPipeline_RestoreFailure(t *testing.T) {
	descriptor := "msr;name;bits-to-check\n0x10;TEST_CTL;0-7\n0x30;OTHER;0-0\n"
	f := newPipelineFixture(t, selection{phase1: true, calibrate: true}, descriptor)
	// Four flips and four restores on 0x10, then the flip of 0x30 is the
	// last write that succeeds.
	f.dev.FailWritesAfter = 9

	err := f.p.run(context.Background())
	require.ErrorIs(t, err, msr.ErrRestoreFailed)
	assert.Equal(t, exitFatal, exitCode(err))

	phase1, err := discovery.ReadResults(f.p.cfg.Paths.Flippable)
	require.NoError(t, err)
	require.Len(t, phase1, 2)
	assert.Equal(t, discovery.Success, phase1[0].Outcome)
	assert.Equal(t, discovery.RestoreError, phase1[1].Outcome)
	assert.Zero(t, phase1[1].FlipMask)

	_, err = os.Stat(f.p.cfg.Paths.Thresholds)
	assert.ErrorIs(t, err, os.ErrNotExist, "calibration never ran")

	pending, err := f.j.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the unrestored flip stays journaled")
}

// TestPipeline_MissingThresholds verifies Phase 2 without thresholds is a
// format-level failure, not a silent no-op.
func TestPipeline_MissingThresholds(t *testing.T) {
	f := newPipelineFixture(t, selection{phase1: true, phase2: true}, testDescriptor)
	err := f.p.run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase 2")
	assert.Empty(t, f.dev.Writes()[8:], "no phase 2 trial ran")
}

// TestExitCode verifies the process status mapping.
func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitDiverged, exitCode(fmt.Errorf("calibration: %w", pmc.ErrCalibrationDiverged)))
	assert.Equal(t, exitFatal, exitCode(os.ErrNotExist))
}

// TestParseSelection verifies the --msr flag accepts hex and decimal.
func TestParseSelection(t *testing.T) {
	defer func() { msrFlag, phase1Flag = "", false }()

	phase1Flag = true
	msrFlag = "0x1a0"
	sel, err := parseSelection()
	require.NoError(t, err)
	assert.True(t, sel.phase1)
	assert.True(t, sel.hasMSR)
	assert.Equal(t, uint32(0x1a0), sel.msr)
	assert.False(t, sel.empty())

	msrFlag = "not-a-number"
	_, err = parseSelection()
	assert.Error(t, err)

	msrFlag, phase1Flag = "", false
	sel, err = parseSelection()
	require.NoError(t, err)
	assert.True(t, sel.empty())
}

// TestConfigCommand verifies the default configuration prints as YAML.
func TestConfigCommand(t *testing.T) {
	var buf bytes.Buffer
	configCmd.SetOut(&buf)
	require.NoError(t, runConfig(configCmd, nil))
	assert.Contains(t, buf.String(), "window_size: 4")

	path := filepath.Join(t.TempDir(), "msrprobe.yaml")
	require.NoError(t, runConfig(configCmd, []string{path}))
	cfg, err := config.Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Core, cfg.Core)
}
