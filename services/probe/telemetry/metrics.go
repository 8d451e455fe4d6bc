// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of all msrprobe metrics.
const MeterName = "msrprobe"

// Metrics contains the pre-defined metrics of a probing run.
//
// Description:
//
//	Counters and histograms for trials, deviations, restores, Phase 1
//	probing and calibration. All metrics use the "msrprobe_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Trial Metrics ---

	// TrialsTotal counts trials by phase and outcome.
	TrialsTotal metric.Int64Counter

	// TrialDuration records flip/measure/restore duration in seconds.
	TrialDuration metric.Float64Histogram

	// DeviationsTotal counts confirmed deviations by phase.
	DeviationsTotal metric.Int64Counter

	// RestoreFailuresTotal counts fatal restore failures.
	RestoreFailuresTotal metric.Int64Counter

	// --- Discovery Metrics ---

	// RegistersProbedTotal counts Phase 1 registers by outcome.
	RegistersProbedTotal metric.Int64Counter

	// FlippableBitsTotal counts bits found flippable in Phase 1.
	FlippableBitsTotal metric.Int64Counter

	// --- Calibration Metrics ---

	// CalibrationRunsTotal counts calibration measurement runs.
	CalibrationRunsTotal metric.Int64Counter

	// CalibrationWideningsTotal counts widened threshold bounds by direction.
	CalibrationWideningsTotal metric.Int64Counter

	// --- Recovery Metrics ---

	// JournalRecoveredTotal counts registers restored from the journal.
	JournalRecoveredTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//
// Outputs:
//
//	*Metrics - The metrics instance.
//	error - Non-nil if registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TrialsTotal, err = meter.Int64Counter(
		"msrprobe_trials_total",
		metric.WithDescription("Flip/measure/restore trials"),
		metric.WithUnit("{trial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create trials_total: %w", err)
	}

	m.TrialDuration, err = meter.Float64Histogram(
		"msrprobe_trial_duration_seconds",
		metric.WithDescription("Trial duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("create trial_duration: %w", err)
	}

	m.DeviationsTotal, err = meter.Int64Counter(
		"msrprobe_deviations_total",
		metric.WithDescription("Deviations confirmed by triple replication"),
		metric.WithUnit("{deviation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deviations_total: %w", err)
	}

	m.RestoreFailuresTotal, err = meter.Int64Counter(
		"msrprobe_restore_failures_total",
		metric.WithDescription("Registers that could not be restored"),
		metric.WithUnit("{register}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create restore_failures_total: %w", err)
	}

	m.RegistersProbedTotal, err = meter.Int64Counter(
		"msrprobe_registers_probed_total",
		metric.WithDescription("Registers probed for flippable bits"),
		metric.WithUnit("{register}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create registers_probed_total: %w", err)
	}

	m.FlippableBitsTotal, err = meter.Int64Counter(
		"msrprobe_flippable_bits_total",
		metric.WithDescription("Bits found flippable"),
		metric.WithUnit("{bit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create flippable_bits_total: %w", err)
	}

	m.CalibrationRunsTotal, err = meter.Int64Counter(
		"msrprobe_calibration_runs_total",
		metric.WithDescription("Calibration measurement runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create calibration_runs_total: %w", err)
	}

	m.CalibrationWideningsTotal, err = meter.Int64Counter(
		"msrprobe_calibration_widenings_total",
		metric.WithDescription("Threshold bounds widened during calibration"),
		metric.WithUnit("{bound}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create calibration_widenings_total: %w", err)
	}

	m.JournalRecoveredTotal, err = meter.Int64Counter(
		"msrprobe_journal_recovered_total",
		metric.WithDescription("Registers restored from the journal"),
		metric.WithUnit("{register}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create journal_recovered_total: %w", err)
	}

	return m, nil
}

var current atomic.Pointer[Metrics]

// Default returns the process-wide metrics, creating them from the global
// meter provider on first use.
func Default() *Metrics {
	if m := current.Load(); m != nil {
		return m
	}
	if err := Reset(); err != nil {
		m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
		current.CompareAndSwap(nil, m)
	}
	return current.Load()
}

// Reset rebinds the process-wide metrics to the current global meter
// provider. Init calls it after installing a provider.
func Reset() error {
	m, err := NewMetrics(otel.Meter(MeterName))
	if err != nil {
		return err
	}
	current.Store(m)
	return nil
}
