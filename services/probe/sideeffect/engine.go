// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sideeffect implements Phase 2: finding, per register, a flip-mask
// whose flip measurably perturbs the performance counters.
//
// Candidates come from bitmask.UnifiedWindowMasks over the register's Phase 1
// flip-mask. The search stops at the first confirmed mask of each register;
// bittrace localizes effects exhaustively for the registers flagged here.
package sideeffect

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/msrprobe/services/probe/bitmask"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// PhaseName labels trials, spans and metrics.
const PhaseName = "phase2"

// DefaultWindowSize is the comb period of candidate masks.
const DefaultWindowSize = 4

// DefaultDenylist lists registers that break the measurement harness when
// flipped (0x140).
var DefaultDenylist = []uint32{0x140}

// ErrNilTrials is returned by NewEngine without a trial runner.
var ErrNilTrials = errors.New("trial runner must not be nil")

// Confirmer runs the replicated flip, measure, restore trial.
// *trial.Runner implements it.
type Confirmer interface {
	Confirm(ctx context.Context, address uint32, mask uint64) ([]pmc.Deviation, error)
}

// Config configures an Engine.
type Config struct {
	// WindowSize is the comb period. Zero selects DefaultWindowSize.
	WindowSize int

	// Denylist registers are skipped.
	Denylist []uint32

	Logger *slog.Logger
}

// Result is the first confirmed side effect of one register.
type Result struct {
	Address    uint32
	FlipMask   uint64
	Deviations []pmc.Deviation
}

// Engine searches registers for side effects.
type Engine struct {
	cfg    Config
	trials Confirmer
	logger *slog.Logger
}

// NewEngine creates a Phase 2 engine.
func NewEngine(cfg Config, trials Confirmer) (*Engine, error) {
	if trials == nil {
		return nil, ErrNilTrials
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		trials: trials,
		logger: cfg.Logger.With(slog.String("component", "sideeffect")),
	}, nil
}

// Run searches every Phase 1 register with a non-empty flip-mask.
//
// # Description
//
// Registers with an outcome other than Success, an empty flip-mask, or a
// denylisted address are skipped. Each remaining register is searched with
// Search; at most one result is recorded per register.
//
// # Outputs
//
//   - []Result: Registers with a confirmed side effect, in input order. On
//     error, the results so far.
//   - error: Fatal trial errors (*msr.RestoreError, malformed harness
//     output) or ctx.Err()
func (e *Engine) Run(ctx context.Context, phase1 []discovery.Result) ([]Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "probe.sideeffect", "Engine.Run",
		trace.WithAttributes(attribute.Int("registers", len(phase1))))
	defer span.End()

	var results []Result
	for _, p := range phase1 {
		if p.Outcome != discovery.Success || p.FlipMask == 0 {
			continue
		}
		if slices.Contains(e.cfg.Denylist, p.Address) {
			e.logger.Warn("skipping denylisted register", slog.String("msr", util.Hex(p.Address)))
			continue
		}
		res, found, err := e.Search(ctx, p.Address, p.FlipMask)
		if err != nil {
			telemetry.RecordError(span, err)
			return results, err
		}
		if found {
			results = append(results, res)
		}
	}
	span.SetAttributes(attribute.Int("side_effects", len(results)))
	telemetry.SetSpanOK(span)
	return results, nil
}

// Search tries the unified window masks of flipMask in ascending order and
// returns the first one with a confirmed deviation.
func (e *Engine) Search(ctx context.Context, address uint32, flipMask uint64) (Result, bool, error) {
	logger := e.logger.With(slog.String("msr", util.Hex(address)))
	candidates := bitmask.WithoutZero(bitmask.UnifiedWindowMasks(flipMask, e.cfg.WindowSize))
	logger.Info("searching register",
		slog.String("flipmask", util.Hex(flipMask)),
		slog.Int("candidates", len(candidates)))

	for _, mask := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, false, err
		}
		devs, err := e.trials.Confirm(ctx, address, mask)
		if err != nil {
			return Result{}, false, err
		}
		if len(devs) > 0 {
			logger.Info("side effect found", slog.String("mask", util.Hex(mask)), slog.Int("deviations", len(devs)))
			return Result{Address: address, FlipMask: mask, Deviations: devs}, true, nil
		}
	}
	return Result{}, false, nil
}

// Find returns the result for address.
func Find(results []Result, address uint32) (Result, bool) {
	for _, r := range results {
		if r.Address == address {
			return r, true
		}
	}
	return Result{}, false
}
