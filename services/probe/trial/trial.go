// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trial runs the flip, measure, restore protocol shared by the
// side-effect and tracing phases.
//
// A trial toggles a mask in one register, runs the measurement harness once,
// and always writes the register back before returning. Confirm repeats a
// trial that produced deviations and keeps only the (test, counter) pairs
// every replica agrees on, which filters out one-off measurement noise.
//
// A failed restore is returned as *msr.RestoreError and must end the run.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// Replicas is the number of runs a deviation must survive to be confirmed.
const Replicas = 3

// DefaultTrialTimeout bounds one harness run.
const DefaultTrialTimeout = 10 * time.Minute

// ErrMissingDependency is returned by NewRunner when a required collaborator
// is nil.
var ErrMissingDependency = errors.New("trial runner dependency is nil")

// Config configures a Runner.
type Config struct {
	// Phase labels logs, spans, metrics and journal entries.
	Phase string

	// InstructionDir and OutputPath are passed to the harness.
	InstructionDir string
	OutputPath     string

	// TrialTimeout bounds one harness run. Zero selects DefaultTrialTimeout.
	TrialTimeout time.Duration

	// TrialInterval is the minimum spacing between trials. Zero disables
	// pacing.
	TrialInterval time.Duration

	// VerifyRestore re-reads the register after the restore and treats a
	// masked-bit mismatch as a failed restore.
	VerifyRestore bool

	// AcceptWriteOnly probes registers whose reads fail.
	AcceptWriteOnly bool

	// Journal is optional.
	Journal journal.Recorder

	Logger *slog.Logger
}

// Outcome classifies one trial.
type Outcome int

const (
	// Measured means the harness produced results and the register was
	// restored.
	Measured Outcome = iota

	// Skipped means the trial yielded no usable measurement. The register
	// is unchanged.
	Skipped
)

func (o Outcome) String() string {
	if o == Measured {
		return "measured"
	}
	return "skipped"
}

// Result is the outcome of one trial.
type Result struct {
	Outcome Outcome

	// Deviations holds the detector output when Outcome is Measured.
	Deviations []pmc.Deviation

	// Reason explains a Skipped outcome.
	Reason error
}

// Runner executes trials against one register device.
//
// # Thread Safety
//
// Not safe for concurrent use. Trials never overlap.
type Runner struct {
	cfg      Config
	dev      msr.Device
	provider harness.Provider
	detector *pmc.Detector
	store    *pmc.Store
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewRunner creates a runner.
//
// # Inputs
//
//   - cfg: Runner settings
//   - dev: Register device bound to the probed core
//   - provider: Measurement harness
//   - detector: Deviation detector
//   - store: Calibrated thresholds
//
// # Outputs
//
//   - *Runner: Ready runner
//   - error: ErrMissingDependency when a collaborator is nil
func NewRunner(cfg Config, dev msr.Device, provider harness.Provider, detector *pmc.Detector, store *pmc.Store) (*Runner, error) {
	if dev == nil || provider == nil || detector == nil || store == nil {
		return nil, ErrMissingDependency
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = DefaultTrialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.TrialInterval > 0 {
		limit = rate.Every(cfg.TrialInterval)
	}
	return &Runner{
		cfg:      cfg,
		dev:      dev,
		provider: provider,
		detector: detector,
		store:    store,
		limiter:  rate.NewLimiter(limit, 1),
		logger: cfg.Logger.With(
			slog.String("component", "trial"),
			slog.String("phase", cfg.Phase)),
	}, nil
}

// Measure runs one flip, measure, restore trial.
//
// # Description
//
// Steps, in order:
//
//  1. Wait for the pacing limiter.
//  2. Read the register and journal the value that undoes the flip.
//  3. Flip mask. A failed flip skips the trial; nothing needs restoring.
//  4. Run the harness once with TrialTimeout.
//  5. Restore, whatever the measurement did. Failure is fatal.
//  6. With VerifyRestore, re-read and compare the masked bits.
//  7. Clear the journal entry and evaluate the measurement.
//
// # Outputs
//
//   - Result: Measured with deviations, or Skipped with a reason
//   - error: *msr.RestoreError; harness.ErrMalformedResults; journal
//     errors; ctx.Err() when cancelled. All are fatal.
func (r *Runner) Measure(ctx context.Context, address uint32, mask uint64) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "probe.trial", "Runner.Measure",
		trace.WithAttributes(
			attribute.String("phase", r.cfg.Phase),
			attribute.String("msr", util.Hex(address)),
			attribute.String("mask", util.Hex(mask)),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := r.measure(ctx, address, mask)
	r.observe(ctx, start, res, err)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("outcome", res.Outcome.String()),
		attribute.Int("deviations", len(res.Deviations)),
	)
	telemetry.SetSpanOK(span)
	return res, nil
}

func (r *Runner) measure(ctx context.Context, address uint32, mask uint64) (Result, error) {
	logger := r.logger.With(slog.String("msr", util.Hex(address)), slog.String("mask", util.Hex(mask)))

	before, readErr := r.dev.Read(address)
	readable := readErr == nil
	if !readable && !r.cfg.AcceptWriteOnly {
		return Result{Outcome: Skipped, Reason: readErr}, nil
	}

	entryID, err := r.record(ctx, address, mask, msr.RestoreValue(before, readable), !readable)
	if err != nil {
		return Result{}, err
	}

	if err := msr.FlipBits(r.dev, address, mask, false, r.cfg.AcceptWriteOnly); err != nil {
		logger.Debug("flip rejected", slog.String("error", err.Error()))
		if cerr := r.clear(ctx, entryID); cerr != nil {
			return Result{}, cerr
		}
		return Result{Outcome: Skipped, Reason: err}, nil
	}

	mctx, cancel := context.WithTimeout(ctx, r.cfg.TrialTimeout)
	results, measureErr := r.provider.Measure(mctx, harness.Request{
		CoreID:         r.dev.CoreID(),
		InstructionDir: r.cfg.InstructionDir,
		OutputPath:     r.cfg.OutputPath,
	})
	cancel()

	if err := r.restore(address, mask, before, readable); err != nil {
		logger.Error("restore failed, register state unknown", slog.String("error", err.Error()))
		return Result{}, err
	}
	if err := r.clear(ctx, entryID); err != nil {
		return Result{}, err
	}

	switch {
	case measureErr == nil:
		return Result{Outcome: Measured, Deviations: r.detector.Check(r.store, results)}, nil
	case errors.Is(measureErr, harness.ErrMalformedResults):
		return Result{}, measureErr
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	default:
		logger.Warn("measurement failed, trial skipped", slog.String("error", measureErr.Error()))
		return Result{Outcome: Skipped, Reason: measureErr}, nil
	}
}

func (r *Runner) restore(address uint32, mask, before uint64, readable bool) error {
	if err := msr.FlipBits(r.dev, address, mask, true, r.cfg.AcceptWriteOnly); err != nil {
		return &msr.RestoreError{Address: address, Mask: mask, Err: err}
	}
	if !r.cfg.VerifyRestore || !readable {
		return nil
	}
	after, err := r.dev.Read(address)
	if err != nil {
		return &msr.RestoreError{Address: address, Mask: mask, Err: err}
	}
	if (after^before)&mask != 0 {
		return &msr.RestoreError{
			Address:  address,
			Mask:     mask,
			Expected: before,
			Actual:   after,
			Verified: true,
		}
	}
	return nil
}

func (r *Runner) record(ctx context.Context, address uint32, mask, restoreValue uint64, writeOnly bool) (uint64, error) {
	if r.cfg.Journal == nil {
		return 0, nil
	}
	id, err := r.cfg.Journal.Record(ctx, journal.Entry{
		Core:         r.dev.CoreID(),
		Address:      address,
		Mask:         mask,
		RestoreValue: restoreValue,
		WriteOnly:    writeOnly,
		Phase:        r.cfg.Phase,
	})
	if err != nil {
		return 0, fmt.Errorf("journal msr %s: %w", util.Hex(address), err)
	}
	return id, nil
}

// clear runs even after cancellation: the register is already restored.
func (r *Runner) clear(ctx context.Context, id uint64) error {
	if r.cfg.Journal == nil {
		return nil
	}
	if err := r.cfg.Journal.Clear(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("clear journal entry %d: %w", id, err)
	}
	return nil
}

func (r *Runner) observe(ctx context.Context, start time.Time, res Result, err error) {
	m := telemetry.Default()
	outcome := res.Outcome.String()
	if err != nil {
		outcome = "error"
	}
	phase := attribute.String("phase", r.cfg.Phase)
	m.TrialsTotal.Add(ctx, 1, metric.WithAttributes(phase, attribute.String("outcome", outcome)))
	m.TrialDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(phase))
	if errors.Is(err, msr.ErrRestoreFailed) {
		m.RestoreFailuresTotal.Add(ctx, 1, metric.WithAttributes(phase))
	}
}

// Confirm runs the replicated trial for one mask.
//
// # Description
//
// The first trial decides whether replication is needed. When it shows
// deviations, the trial is repeated and each replica's deviations are
// intersected with the running result by (test, counter); an empty
// intersection or a skipped replica ends the check unconfirmed. Observed
// values of the first run are kept.
//
// # Outputs
//
//   - []pmc.Deviation: Deviations present in all Replicas runs; nil when
//     unconfirmed
//   - error: Fatal errors from Measure
func (r *Runner) Confirm(ctx context.Context, address uint32, mask uint64) ([]pmc.Deviation, error) {
	var confirmed []pmc.Deviation
	for i := 0; i < Replicas; i++ {
		res, err := r.Measure(ctx, address, mask)
		if err != nil {
			return nil, err
		}
		if res.Outcome == Skipped {
			return nil, nil
		}
		if i == 0 {
			confirmed = res.Deviations
		} else {
			confirmed = pmc.Intersect(confirmed, res.Deviations)
		}
		if len(confirmed) == 0 {
			return nil, nil
		}
	}
	telemetry.Default().DeviationsTotal.Add(ctx, int64(len(confirmed)),
		metric.WithAttributes(attribute.String("phase", r.cfg.Phase)))
	r.logger.Info("side effect confirmed",
		slog.String("msr", util.Hex(address)),
		slog.String("mask", util.Hex(mask)),
		slog.Int("deviations", len(confirmed)))
	return confirmed, nil
}
