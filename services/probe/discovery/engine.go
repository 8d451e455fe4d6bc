// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery implements Phase 1: finding the bits of each register
// that can be toggled and restored safely.
//
// Every candidate bit is written individually, read back, and written back to
// the original value. Bits the CPU rejects, silently drops, or cannot confirm
// are skipped; only a failed restore ends the run.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/msrprobe/services/probe/descriptor"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// PhaseName labels journal entries, spans and metrics.
const PhaseName = "phase1"

// DefaultDenylist lists registers that freeze the CPU (0xc0000101, 0x1b,
// 0x2e0) or force an OS restart (0xc0000080, 0x1a0) when probed.
var DefaultDenylist = []uint32{0xc0000101, 0x1b, 0x2e0, 0xc0000080, 0x1a0}

// ErrNilDevice is returned by NewEngine without a device.
var ErrNilDevice = errors.New("register device must not be nil")

// Config configures an Engine.
type Config struct {
	// AcceptWriteOnly probes registers whose reads fail, assuming they
	// hold 0.
	AcceptWriteOnly bool

	// VerifyRestore re-reads the register after each restore.
	VerifyRestore bool

	// Denylist registers are skipped and left out of the results.
	Denylist []uint32

	// Journal is optional.
	Journal journal.Recorder

	Logger *slog.Logger
}

// Result is the Phase 1 outcome for one register.
type Result struct {
	Address uint32
	Outcome Outcome

	// FlipMask holds the bits confirmed togglable.
	FlipMask uint64
}

// Engine probes registers bit by bit.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Engine struct {
	cfg    Config
	dev    msr.Device
	logger *slog.Logger
}

// NewEngine creates a Phase 1 engine on dev.
func NewEngine(cfg Config, dev msr.Device) (*Engine, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		dev:    dev,
		logger: cfg.Logger.With(slog.String("component", "discovery")),
	}, nil
}

// Run probes every register in order.
//
// # Description
//
// Denylisted registers are skipped with a warning. Cancellation is checked
// between registers and between bits; a register is never left mid-probe.
//
// # Inputs
//
//   - ctx: Cancellation
//   - registers: Registers and candidate bits, probed in order
//
// # Outputs
//
//   - []Result: One result per probed register. On error, the results so
//     far; a register whose restore failed is included with outcome
//     RestoreError.
//   - error: *msr.RestoreError, journal errors or ctx.Err()
func (e *Engine) Run(ctx context.Context, registers []descriptor.Register) ([]Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "probe.discovery", "Engine.Run",
		trace.WithAttributes(attribute.Int("registers", len(registers))))
	defer span.End()

	results := make([]Result, 0, len(registers))
	for _, reg := range registers {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if slices.Contains(e.cfg.Denylist, reg.Address) {
			e.logger.Warn("skipping denylisted register", slog.String("msr", util.Hex(reg.Address)))
			continue
		}
		res, err := e.Probe(ctx, reg)
		if err == nil || res.Outcome == RestoreError {
			results = append(results, res)
		}
		if err != nil {
			telemetry.RecordError(span, err)
			return results, err
		}
	}
	telemetry.SetSpanOK(span)
	return results, nil
}

// Probe finds the flippable bits of one register.
//
// # Description
//
// The original value is read once. For each candidate bit, original with
// that bit toggled is written:
//
//   - Write rejected: the register is re-read and the bit skipped. Nothing
//     is written back, so a drifting or read-only register never aborts
//     the run.
//   - Write accepted: the register is re-read. The bit is flippable when
//     the read returns the toggled value, or fails and write-only
//     registers are accepted. Only a flippable bit is restored; a failed
//     restore ends the probe with outcome RestoreError. Restore
//     verification checks the toggled bit alone.
//
// Flippable bits are accumulated by set union.
func (e *Engine) Probe(ctx context.Context, reg descriptor.Register) (Result, error) {
	logger := e.logger.With(slog.String("msr", util.Hex(reg.Address)))
	res := Result{Address: reg.Address}

	original, err := e.dev.Read(reg.Address)
	readable := err == nil
	if !readable {
		if !e.cfg.AcceptWriteOnly {
			res.Outcome = InitialReadError
			e.count(ctx, res)
			logger.Debug("register unreadable", slog.String("error", err.Error()))
			return res, nil
		}
		original = 0
	}

	for _, bit := range reg.Bits {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		flippable, skip, err := e.probeBit(ctx, reg.Address, bit, original, readable)
		if errors.Is(err, msr.ErrRestoreFailed) {
			res.Outcome = RestoreError
			e.count(ctx, res)
			telemetry.Default().RestoreFailuresTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("phase", PhaseName)))
			logger.Error("restore failed, register state unknown", slog.String("error", err.Error()))
			return res, err
		}
		if err != nil {
			return res, err
		}
		if flippable {
			res.FlipMask |= 1 << bit
		} else if skip != Success {
			logger.Debug("bit skipped", slog.Int("bit", bit), slog.String("reason", skip.String()))
		}
	}

	res.Outcome = Success
	e.count(ctx, res)
	logger.Info("register probed",
		slog.String("flipmask", util.Hex(res.FlipMask)),
		slog.Int("bits", util.Popcount(res.FlipMask)))
	return res, nil
}

// probeBit toggles one bit. skip names why a non-flippable bit was skipped;
// it is Success for a bit the CPU accepted but silently ignored.
func (e *Engine) probeBit(ctx context.Context, address uint32, bit int, original uint64, readable bool) (flippable bool, skip Outcome, err error) {
	modified := original ^ (1 << bit)

	id, err := e.record(ctx, address, uint64(1)<<bit, original, !readable)
	if err != nil {
		return false, Success, err
	}

	if werr := e.dev.Write(address, modified); werr != nil {
		after, rerr := e.dev.Read(address)
		if err := e.clear(ctx, id); err != nil {
			return false, Success, err
		}
		switch {
		case rerr != nil:
			return false, ReadAfterFailedWriteError, nil
		case after != original:
			return false, ValueChangeAfterFailedWriteError, nil
		}
		return false, Success, nil
	}

	after, rerr := e.dev.Read(address)
	if rerr != nil && !e.cfg.AcceptWriteOnly {
		if err := e.clear(ctx, id); err != nil {
			return false, Success, err
		}
		return false, ReadAfterSuccessfulWriteError, nil
	}
	confirmed := rerr != nil || after == modified
	if confirmed {
		if err := e.restore(address, uint64(1)<<bit, original, readable && rerr == nil); err != nil {
			return false, Success, err
		}
	}
	if err := e.clear(ctx, id); err != nil {
		return false, Success, err
	}
	return confirmed, Success, nil
}

// restore writes original back after a confirmed toggle. Verification
// compares only the bits in mask so registers that tick on their own are
// not reported as corrupted.
func (e *Engine) restore(address uint32, mask, original uint64, verify bool) error {
	if err := e.dev.Write(address, original); err != nil {
		return &msr.RestoreError{Address: address, Mask: mask, Err: err}
	}
	if !e.cfg.VerifyRestore || !verify {
		return nil
	}
	after, err := e.dev.Read(address)
	if err != nil {
		return &msr.RestoreError{Address: address, Mask: mask, Err: err}
	}
	if (after^original)&mask != 0 {
		return &msr.RestoreError{Address: address, Mask: mask, Expected: original, Actual: after, Verified: true}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, address uint32, mask, original uint64, writeOnly bool) (uint64, error) {
	if e.cfg.Journal == nil {
		return 0, nil
	}
	id, err := e.cfg.Journal.Record(ctx, journal.Entry{
		Core:         e.dev.CoreID(),
		Address:      address,
		Mask:         mask,
		RestoreValue: original,
		WriteOnly:    writeOnly,
		Phase:        PhaseName,
	})
	if err != nil {
		return 0, fmt.Errorf("journal msr %s: %w", util.Hex(address), err)
	}
	return id, nil
}

func (e *Engine) clear(ctx context.Context, id uint64) error {
	if e.cfg.Journal == nil {
		return nil
	}
	if err := e.cfg.Journal.Clear(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("clear journal entry %d: %w", id, err)
	}
	return nil
}

func (e *Engine) count(ctx context.Context, res Result) {
	m := telemetry.Default()
	m.RegistersProbedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", res.Outcome.String())))
	if res.Outcome == Success {
		m.FlippableBitsTotal.Add(ctx, int64(util.Popcount(res.FlipMask)))
	}
}
