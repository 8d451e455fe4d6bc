// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bittrace implements Phase 3: localizing the side effects found by
// Phase 2 to narrow windows of bits.
//
// Every sliding-window mask over a flagged register's flip-mask is tested
// with the replicated trial, and every confirmed mask is recorded.
package bittrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/msrprobe/services/probe/bitmask"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/sideeffect"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// PhaseName labels trials, spans and metrics.
const PhaseName = "phase3"

// DefaultWindowSize is the number of flippable bits per window.
const DefaultWindowSize = 4

var (
	// ErrNilTrials is returned by NewEngine without a trial runner.
	ErrNilTrials = errors.New("trial runner must not be nil")

	// ErrMissingPhase1 is returned when a flagged register has no
	// successful Phase 1 result.
	ErrMissingPhase1 = errors.New("no phase 1 result for flagged register")
)

// Config configures an Engine.
type Config struct {
	// WindowSize is the window width. Zero selects DefaultWindowSize.
	WindowSize int

	Logger *slog.Logger
}

// Result is one confirmed effect of one window of a register.
type Result struct {
	Address    uint32
	FlipMask   uint64
	Deviations []pmc.Deviation
}

// Engine traces effects down to bit windows.
type Engine struct {
	cfg    Config
	trials sideeffect.Confirmer
	logger *slog.Logger
}

// NewEngine creates a Phase 3 engine.
func NewEngine(cfg Config, trials sideeffect.Confirmer) (*Engine, error) {
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
		logger: cfg.Logger.With(slog.String("component", "bittrace")),
	}, nil
}

// Run traces every register flagged by Phase 2.
//
// # Inputs
//
//   - ctx: Cancellation
//   - phase1: Flip-masks, looked up by address
//   - phase2: Registers to trace
//
// # Outputs
//
//   - []Result: Every confirmed window, grouped by register in Phase 2
//     order. On error, the results so far.
//   - error: ErrMissingPhase1, fatal trial errors or ctx.Err()
func (e *Engine) Run(ctx context.Context, phase1 []discovery.Result, phase2 []sideeffect.Result) ([]Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "probe.bittrace", "Engine.Run",
		trace.WithAttributes(attribute.Int("registers", len(phase2))))
	defer span.End()

	var results []Result
	for _, flagged := range phase2 {
		p, ok := discovery.Find(phase1, flagged.Address)
		if !ok || p.Outcome != discovery.Success {
			err := fmt.Errorf("%w: msr %s", ErrMissingPhase1, util.Hex(flagged.Address))
			telemetry.RecordError(span, err)
			return results, err
		}
		found, err := e.Trace(ctx, p.Address, p.FlipMask)
		results = append(results, found...)
		if err != nil {
			telemetry.RecordError(span, err)
			return results, err
		}
	}
	span.SetAttributes(attribute.Int("traced", len(results)))
	telemetry.SetSpanOK(span)
	return results, nil
}

// Trace tests every non-zero sliding-window mask of flipMask in ascending
// order and returns one result per confirmed mask.
func (e *Engine) Trace(ctx context.Context, address uint32, flipMask uint64) ([]Result, error) {
	logger := e.logger.With(slog.String("msr", util.Hex(address)))
	candidates := bitmask.WithoutZero(bitmask.SlidingWindowMasks(flipMask, e.cfg.WindowSize))
	logger.Info("tracing register",
		slog.String("flipmask", util.Hex(flipMask)),
		slog.Int("candidates", len(candidates)))

	var out []Result
	for _, mask := range candidates {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		devs, err := e.trials.Confirm(ctx, address, mask)
		if err != nil {
			return out, err
		}
		if len(devs) > 0 {
			logger.Info("effect traced", slog.String("mask", util.Hex(mask)), slog.Int("deviations", len(devs)))
			out = append(out, Result{Address: address, FlipMask: mask, Deviations: devs})
		}
	}
	return out, nil
}
