// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trial

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/storage/badger"
)

var testCounters = []string{"RDTSC", "counterA"}

func testStore() *pmc.Store {
	s := pmc.NewStore()
	s.Put(pmc.Threshold{Test: "t1", Counter: "RDTSC", Reference: 1000, Lower: 1000, Upper: 1000})
	s.Put(pmc.Threshold{Test: "t1", Counter: "counterA", Reference: 50, Lower: 50, Upper: 50})
	return s
}

// sequence returns a MeasureFunc yielding one result per call, repeating
// the last one.
func sequence(runs ...[]float64) func(context.Context, harness.Request) (*harness.Results, error) {
	i := 0
	return func(context.Context, harness.Request) (*harness.Results, error) {
		values := runs[min(i, len(runs)-1)]
		i++
		return harness.NewResults("t1", testCounters, values), nil
	}
}

type fixture struct {
	dev      *msr.SimulatedDevice
	provider *harness.MockProvider
	runner   *Runner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dev := msr.NewSimulatedDevice(3, map[uint32]msr.SimulatedRegister{
		0x10: {Value: 0xf0, Writable: 0xff},
		0x20: {Value: 0, Writable: 0xf, WriteOnly: true},
	})
	provider := &harness.MockProvider{MeasureFunc: sequence([]float64{1000, 50})}
	cfg.Phase = "test"
	r, err := NewRunner(cfg, dev, provider, pmc.NewDetector(pmc.DefaultFloorPolicy(), nil), testStore())
	require.NoError(t, err)
	return &fixture{dev: dev, provider: provider, runner: r}
}

func newJournal(t *testing.T) *journal.Journal {
	t.Helper()
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	j, err := journal.New(context.Background(), db, journal.Config{RunID: uuid.NewString()})
	require.NoError(t, err)
	return j
}

// TestNewRunner_MissingDependency verifies nil collaborators are rejected.
func TestNewRunner_MissingDependency(t *testing.T) {
	_, err := NewRunner(Config{}, nil, &harness.MockProvider{}, pmc.NewDetector(pmc.DefaultFloorPolicy(), nil), pmc.NewStore())
	assert.ErrorIs(t, err, ErrMissingDependency)
}

// TestMeasure_Deviation verifies a timestamp counter 150 above its
// reference is reported when the floor is 100.
func TestMeasure_Deviation(t *testing.T) {
	f := newFixture(t, Config{VerifyRestore: true})
	f.provider.MeasureFunc = sequence([]float64{1150, 50})

	res, err := f.runner.Measure(context.Background(), 0x10, 0x1)
	require.NoError(t, err)
	assert.Equal(t, Measured, res.Outcome)
	require.Len(t, res.Deviations, 1)
	assert.Equal(t, "RDTSC", res.Deviations[0].Counter)
	assert.Equal(t, 1150.0, res.Deviations[0].Observed)

	assert.Equal(t, uint64(0xf0), f.dev.Value(0x10))
	writes := f.dev.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, uint64(0xf1), writes[0].Value)
	assert.Equal(t, uint64(0xf0), writes[1].Value)
}

// TestMeasure_BelowFloor verifies small excursions are ignored.
func TestMeasure_BelowFloor(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.MeasureFunc = sequence([]float64{1099, 50})

	res, err := f.runner.Measure(context.Background(), 0x10, 0x1)
	require.NoError(t, err)
	assert.Empty(t, res.Deviations)
}

// TestMeasure_RequestUsesDeviceCore verifies the harness is pinned to the
// probed core.
func TestMeasure_RequestUsesDeviceCore(t *testing.T) {
	f := newFixture(t, Config{InstructionDir: "ins", OutputPath: "out.csv"})
	_, err := f.runner.Measure(context.Background(), 0x10, 0x1)
	require.NoError(t, err)
	require.Len(t, f.provider.Requests(), 1)
	assert.Equal(t, harness.Request{CoreID: 3, InstructionDir: "ins", OutputPath: "out.csv"}, f.provider.Requests()[0])
}

// TestMeasure_AlwaysRestores verifies the register is restored when the
// measurement fails.
func TestMeasure_AlwaysRestores(t *testing.T) {
	t.Run("transient failure skips", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provider.MeasureFunc = func(context.Context, harness.Request) (*harness.Results, error) {
			return nil, fmt.Errorf("%w: exit status 1", harness.ErrMeasurementFailed)
		}
		res, err := f.runner.Measure(context.Background(), 0x10, 0x3)
		require.NoError(t, err)
		assert.Equal(t, Skipped, res.Outcome)
		assert.ErrorIs(t, res.Reason, harness.ErrMeasurementFailed)
		assert.Equal(t, uint64(0xf0), f.dev.Value(0x10))
		assert.Len(t, f.dev.Writes(), 2)
	})

	t.Run("malformed output is fatal", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provider.MeasureFunc = func(context.Context, harness.Request) (*harness.Results, error) {
			return nil, fmt.Errorf("%w: empty field", harness.ErrMalformedResults)
		}
		_, err := f.runner.Measure(context.Background(), 0x10, 0x3)
		assert.ErrorIs(t, err, harness.ErrMalformedResults)
		assert.Equal(t, uint64(0xf0), f.dev.Value(0x10))
	})

	t.Run("cancellation during measurement", func(t *testing.T) {
		f := newFixture(t, Config{})
		ctx, cancel := context.WithCancel(context.Background())
		f.provider.MeasureFunc = func(mctx context.Context, _ harness.Request) (*harness.Results, error) {
			cancel()
			return nil, fmt.Errorf("%w: %w", harness.ErrMeasurementFailed, mctx.Err())
		}
		_, err := f.runner.Measure(ctx, 0x10, 0x3)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, uint64(0xf0), f.dev.Value(0x10))
	})
}

// TestMeasure_RestoreFailure verifies a failed restore write is fatal and
// leaves the journal entry for recovery.
func TestMeasure_RestoreFailure(t *testing.T) {
	j := newJournal(t)
	f := newFixture(t, Config{Journal: j})
	f.dev.FailWritesAfter = 1

	_, err := f.runner.Measure(context.Background(), 0x10, 0x1)
	var re *msr.RestoreError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, uint32(0x10), re.Address)
	assert.ErrorIs(t, err, msr.ErrRestoreFailed)

	pending, err := j.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(0xf0), pending[0].RestoreValue)
	assert.Equal(t, "test", pending[0].Phase)

	f.dev.FailWritesAfter = 0
	report, err := j.Recover(context.Background(), f.dev)
	require.NoError(t, err)
	assert.Len(t, report.Restored, 1)
	assert.Equal(t, uint64(0xf0), f.dev.Value(0x10))
}

// TestMeasure_VerifyRestore verifies a restore that does not bring the
// masked bits back is fatal.
func TestMeasure_VerifyRestore(t *testing.T) {
	f := newFixture(t, Config{VerifyRestore: true})
	f.provider.MeasureFunc = func(context.Context, harness.Request) (*harness.Results, error) {
		// The flipped bit clears itself while the harness runs.
		f.dev.SetValue(0x10, 0xf0)
		return harness.NewResults("t1", testCounters, []float64{1000, 50}), nil
	}

	_, err := f.runner.Measure(context.Background(), 0x10, 0x1)
	var re *msr.RestoreError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.True(t, re.Verified)
	assert.Equal(t, uint64(0xf0), re.Expected)
	assert.Equal(t, uint64(0xf1), re.Actual)
}

// TestMeasure_JournalCleared verifies successful trials leave no entries.
func TestMeasure_JournalCleared(t *testing.T) {
	j := newJournal(t)
	f := newFixture(t, Config{Journal: j})

	_, err := f.runner.Measure(context.Background(), 0x10, 0x1)
	require.NoError(t, err)
	res, err := f.runner.Measure(context.Background(), 0x10, 0x100)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome, "reserved bit write is rejected")
	assert.ErrorIs(t, res.Reason, msr.ErrWriteFailed)

	pending, err := j.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, f.provider.Calls())
}

// TestMeasure_WriteOnly verifies unreadable registers follow AcceptWriteOnly.
func TestMeasure_WriteOnly(t *testing.T) {
	t.Run("skipped", func(t *testing.T) {
		f := newFixture(t, Config{})
		res, err := f.runner.Measure(context.Background(), 0x20, 0x1)
		require.NoError(t, err)
		assert.Equal(t, Skipped, res.Outcome)
		assert.ErrorIs(t, res.Reason, msr.ErrReadFailed)
		assert.Empty(t, f.dev.Writes())
		assert.Zero(t, f.provider.Calls())
	})

	t.Run("accepted", func(t *testing.T) {
		j := newJournal(t)
		f := newFixture(t, Config{AcceptWriteOnly: true, VerifyRestore: true, Journal: j})
		f.dev.FailWritesAfter = 1

		_, err := f.runner.Measure(context.Background(), 0x20, 0x3)
		require.ErrorIs(t, err, msr.ErrRestoreFailed)
		pending, err := j.Pending(context.Background())
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.True(t, pending[0].WriteOnly)
		assert.Zero(t, pending[0].RestoreValue)
	})
}

// TestMeasure_Cancelled verifies no register is touched after cancellation.
func TestMeasure_Cancelled(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.runner.Measure(ctx, 0x10, 0x1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.dev.Writes())
}

// TestConfirm verifies the replicated intersection.
func TestConfirm(t *testing.T) {
	t.Run("confirmed in all replicas", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provider.MeasureFunc = sequence(
			[]float64{1500, 90},
			[]float64{1400, 50},
			[]float64{1300, 10},
		)
		devs, err := f.runner.Confirm(context.Background(), 0x10, 0x1)
		require.NoError(t, err)
		require.Len(t, devs, 1)
		assert.Equal(t, "RDTSC", devs[0].Counter)
		assert.Equal(t, 1500.0, devs[0].Observed, "first run's value is kept")
		assert.Equal(t, Replicas, f.provider.Calls())
		assert.Equal(t, uint64(0xf0), f.dev.Value(0x10))
	})

	t.Run("second run disagrees", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provider.MeasureFunc = sequence(
			[]float64{1000, 90},
			[]float64{1000, 50},
		)
		devs, err := f.runner.Confirm(context.Background(), 0x10, 0x1)
		require.NoError(t, err)
		assert.Empty(t, devs)
		assert.Equal(t, 2, f.provider.Calls())
	})

	t.Run("clean first run", func(t *testing.T) {
		f := newFixture(t, Config{})
		devs, err := f.runner.Confirm(context.Background(), 0x10, 0x1)
		require.NoError(t, err)
		assert.Empty(t, devs)
		assert.Equal(t, 1, f.provider.Calls())
	})

	t.Run("skipped replica", func(t *testing.T) {
		f := newFixture(t, Config{})
		calls := 0
		f.provider.MeasureFunc = func(context.Context, harness.Request) (*harness.Results, error) {
			calls++
			if calls == 2 {
				return nil, harness.ErrMeasurementFailed
			}
			return harness.NewResults("t1", testCounters, []float64{2000, 50}), nil
		}
		devs, err := f.runner.Confirm(context.Background(), 0x10, 0x1)
		require.NoError(t, err)
		assert.Empty(t, devs)
	})
}
