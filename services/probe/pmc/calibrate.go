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
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
)

// CalibrationConfig controls the calibration loop.
type CalibrationConfig struct {
	// CoreID is the core the harness measures on.
	CoreID int

	// InstructionDir is passed to the harness.
	InstructionDir string

	// OutputPath is the scratch file the harness writes.
	OutputPath string

	// UpperFactor scales an exceeded upper bound. Must be > 1.
	UpperFactor float64

	// LowerFactor scales an undershot lower bound. Must be in (0, 1).
	LowerFactor float64

	// ConsecutiveRuns is the streak of clean runs that ends calibration.
	ConsecutiveRuns int

	// MaxTries bounds the number of runs after the reference run.
	MaxTries int

	// Floors suppresses differences too small to matter.
	Floors FloorPolicy
}

// DefaultCalibrationConfig returns the stock calibration settings.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		CoreID:          3,
		InstructionDir:  harness.DefaultInstructionDir,
		OutputPath:      "./pmc_calibrate_results.csv",
		UpperFactor:     1.1,
		LowerFactor:     0.9,
		ConsecutiveRuns: 15,
		MaxTries:        250,
		Floors:          DefaultFloorPolicy(),
	}
}

// Validate rejects settings that cannot converge.
func (c CalibrationConfig) Validate() error {
	switch {
	case c.UpperFactor <= 1:
		return fmt.Errorf("%w: upper factor %v must be > 1", ErrInvalidConfig, c.UpperFactor)
	case c.LowerFactor <= 0 || c.LowerFactor >= 1:
		return fmt.Errorf("%w: lower factor %v must be in (0, 1)", ErrInvalidConfig, c.LowerFactor)
	case c.ConsecutiveRuns < 1:
		return fmt.Errorf("%w: consecutive runs must be positive", ErrInvalidConfig)
	case c.MaxTries < c.ConsecutiveRuns:
		return fmt.Errorf("%w: max tries %d below consecutive runs %d", ErrInvalidConfig, c.MaxTries, c.ConsecutiveRuns)
	}
	return nil
}

// CalibrationStats summarizes one calibration.
type CalibrationStats struct {
	// Tries is the number of runs after the reference run.
	Tries int

	// Widenings is the number of bounds widened.
	Widenings int

	// Streak is the final run of clean measurements.
	Streak int

	// Thresholds is the number of (test, counter) pairs.
	Thresholds int

	// Converged is true when Streak reached ConsecutiveRuns.
	Converged bool

	Duration time.Duration
}

// Calibrator establishes the noise band of every counter on an unmodified
// machine.
//
// # Description
//
// One reference run seeds zero-width bands. Every following run that
// leaves a band by more than the counter's floor widens that bound and
// resets the clean-run streak. Calibration ends once ConsecutiveRuns runs
// in a row produce no deviation.
//
// # Thread Safety
//
// Not safe for concurrent use. No register is touched.
type Calibrator struct {
	cfg      CalibrationConfig
	provider harness.Provider
	detector *Detector
	logger   *slog.Logger
}

// NewCalibrator validates cfg and creates a calibrator.
func NewCalibrator(cfg CalibrationConfig, provider harness.Provider, logger *slog.Logger) (*Calibrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{
		cfg:      cfg,
		provider: provider,
		detector: NewDetector(cfg.Floors, logger),
		logger:   logger.With(slog.String("component", "calibration")),
	}, nil
}

// Calibrate runs the calibration loop.
//
// # Outputs
//
//   - *Store: Calibrated thresholds; nil on error
//   - CalibrationStats: Progress, filled in on every return
//   - error: ErrCalibrationDiverged when the try budget runs out; any
//     measurement error (a band cannot be built without data); ctx.Err()
//     on cancellation
func (c *Calibrator) Calibrate(ctx context.Context) (*Store, CalibrationStats, error) {
	ctx, span := telemetry.StartSpan(ctx, "probe.pmc", "Calibrator.Calibrate",
		trace.WithAttributes(
			attribute.Int("core", c.cfg.CoreID),
			attribute.Int("consecutive_runs", c.cfg.ConsecutiveRuns),
			attribute.Int("max_tries", c.cfg.MaxTries),
		),
	)
	defer span.End()

	start := time.Now()
	var stats CalibrationStats
	fail := func(err error) (*Store, CalibrationStats, error) {
		stats.Duration = time.Since(start)
		telemetry.RecordError(span, err)
		return nil, stats, err
	}

	store, err := c.reference(ctx)
	if err != nil {
		return fail(err)
	}
	stats.Thresholds = store.Len()
	c.logger.Info("reference recorded", slog.Int("thresholds", store.Len()))

	metrics := telemetry.Default()
	for stats.Tries < c.cfg.MaxTries && stats.Streak < c.cfg.ConsecutiveRuns {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		results, err := c.measure(ctx)
		if err != nil {
			return fail(err)
		}
		stats.Tries++
		metrics.CalibrationRunsTotal.Add(ctx, 1)

		devs := c.detector.Check(store, results)
		if len(devs) == 0 {
			stats.Streak++
			continue
		}
		stats.Streak = 0
		for _, dev := range devs {
			widened, direction := Widen(dev.Threshold, dev.Observed, c.cfg.UpperFactor, c.cfg.LowerFactor)
			store.Put(widened)
			stats.Widenings++
			metrics.CalibrationWideningsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("direction", direction)))
			c.logger.Debug("threshold widened",
				slog.String("test", dev.Test),
				slog.String("counter", dev.Counter),
				slog.String("direction", direction),
				slog.Float64("observed", dev.Observed),
				slog.Float64("lower", widened.Lower),
				slog.Float64("upper", widened.Upper))
		}
	}

	stats.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("tries", stats.Tries),
		attribute.Int("widenings", stats.Widenings),
	)
	if stats.Streak < c.cfg.ConsecutiveRuns {
		return fail(fmt.Errorf("%w: %d clean runs in a row after %d tries, need %d",
			ErrCalibrationDiverged, stats.Streak, stats.Tries, c.cfg.ConsecutiveRuns))
	}
	stats.Converged = true
	telemetry.SetSpanOK(span)
	c.logger.Info("calibration converged",
		slog.Int("tries", stats.Tries),
		slog.Int("widenings", stats.Widenings),
		slog.Duration("duration", stats.Duration))
	return store, stats, nil
}

func (c *Calibrator) reference(ctx context.Context) (*Store, error) {
	results, err := c.measure(ctx)
	if err != nil {
		return nil, fmt.Errorf("record reference: %w", err)
	}
	store := NewStore()
	for _, obs := range results.Observations() {
		store.Put(Threshold{
			Test:      obs.Test,
			Counter:   obs.Counter,
			Reference: obs.Value,
			Lower:     obs.Value,
			Upper:     obs.Value,
		})
	}
	if store.Len() == 0 {
		return nil, ErrNoReference
	}
	return store, nil
}

func (c *Calibrator) measure(ctx context.Context) (*harness.Results, error) {
	return c.provider.Measure(ctx, harness.Request{
		CoreID:         c.cfg.CoreID,
		InstructionDir: c.cfg.InstructionDir,
		OutputPath:     c.cfg.OutputPath,
	})
}

// Widen moves the bound of t that observed crossed.
//
// # Description
//
// Above the band: Upper = max(observed, Upper*upperFactor). Otherwise:
// Lower = min(observed, Lower*lowerFactor), decremented by exactly 1 when
// that leaves Lower unchanged (a zero bound never moves multiplicatively).
//
// # Outputs
//
//   - Threshold: The widened threshold
//   - string: "upper" or "lower"
func Widen(t Threshold, observed, upperFactor, lowerFactor float64) (Threshold, string) {
	if observed > t.Upper {
		t.Upper = math.Max(observed, t.Upper*upperFactor)
		return t, "upper"
	}
	old := t.Lower
	next := math.Min(observed, t.Lower*lowerFactor)
	if math.Abs(old-next) <= epsilon {
		next = old - 1
	}
	t.Lower = next
	return t, "lower"
}

const epsilon = 2.220446049250313e-16
