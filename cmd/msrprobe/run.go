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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/msrprobe/cmd/msrprobe/config"
	"github.com/AleutianAI/msrprobe/services/probe/bittrace"
	"github.com/AleutianAI/msrprobe/services/probe/descriptor"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/report"
	"github.com/AleutianAI/msrprobe/services/probe/sideeffect"
	"github.com/AleutianAI/msrprobe/services/probe/sink"
	"github.com/AleutianAI/msrprobe/services/probe/trial"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// errNotInResults is returned when --msr names a register the prior phase
// has no data for.
var errNotInResults = errors.New("register not found in prior phase results")

// selection is the set of phases requested on the command line.
type selection struct {
	phase1    bool
	calibrate bool
	phase2    bool
	phase3    bool

	// msr restricts every phase to one register when hasMSR is set.
	msr    uint32
	hasMSR bool
}

func (s selection) empty() bool {
	return !s.phase1 && !s.calibrate && !s.phase2 && !s.phase3
}

// pipeline runs the selected phases against one core.
//
// # Description
//
// Phases always run in the order discovery, calibration, side-effect
// search, tracing. Each phase reads the previous phase's output from disk,
// so a run may start at any phase. Results are persisted after every
// phase, including the partial results of a phase aborted by a failed
// restore.
type pipeline struct {
	cfg      config.MsrprobeConfig
	sel      selection
	dev      msr.Device
	provider harness.Provider
	journal  journal.Recorder
	sink     sink.Sink
	out      *report.Printer
	logger   *slog.Logger

	// store holds thresholds calibrated in this run.
	store *pmc.Store
}

func (p *pipeline) run(ctx context.Context) error {
	if p.sel.phase1 {
		if err := p.runPhase1(ctx); err != nil {
			return fmt.Errorf("phase 1: %w", err)
		}
	}
	if p.sel.calibrate {
		if err := p.runCalibration(ctx); err != nil {
			return fmt.Errorf("calibration: %w", err)
		}
	}
	if p.sel.phase2 {
		if err := p.runPhase2(ctx); err != nil {
			return fmt.Errorf("phase 2: %w", err)
		}
	}
	if p.sel.phase3 {
		if err := p.runPhase3(ctx); err != nil {
			return fmt.Errorf("phase 3: %w", err)
		}
	}
	return nil
}

func (p *pipeline) runPhase1(ctx context.Context) error {
	p.out.Title("Phase 1: flippable bit discovery")

	var registers []descriptor.Register
	if p.sel.hasMSR {
		registers = []descriptor.Register{descriptor.ForAddress(p.sel.msr)}
	} else {
		var err error
		if registers, err = descriptor.Load(p.cfg.Paths.Descriptor); err != nil {
			return err
		}
	}

	engine, err := discovery.NewEngine(discovery.Config{
		AcceptWriteOnly: p.cfg.AcceptWriteOnly,
		VerifyRestore:   p.cfg.VerifyRestore,
		Denylist:        p.cfg.Phase1.Denylist,
		Journal:         p.journal,
		Logger:          p.logger,
	}, p.dev)
	if err != nil {
		return err
	}

	results, runErr := engine.Run(ctx, registers)
	if err := discovery.WriteResults(p.cfg.Paths.Flippable, results); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}
	p.out.Phase1Summary(discovery.Summarize(results, p.cfg.Phase2.WindowSize), p.cfg.Phase2.WindowSize)
	p.out.Success(fmt.Sprintf("wrote %d registers to %s", len(results), p.cfg.Paths.Flippable))
	return nil
}

func (p *pipeline) runCalibration(ctx context.Context) error {
	p.out.Title("Calibration")

	cal, err := pmc.NewCalibrator(p.cfg.CalibrationSettings(), p.provider, p.logger)
	if err != nil {
		return err
	}
	store, stats, err := cal.Calibrate(ctx)
	p.out.Calibration(stats)
	if err != nil {
		return err
	}
	if err := pmc.WriteStore(p.cfg.Paths.Thresholds, store); err != nil {
		return err
	}
	if err := p.sink.Calibration(ctx, store, stats); err != nil {
		p.logger.Warn("sink rejected calibration", slog.String("error", err.Error()))
	}
	p.store = store
	p.out.Success(fmt.Sprintf("wrote %d thresholds to %s", store.Len(), p.cfg.Paths.Thresholds))
	return nil
}

func (p *pipeline) runPhase2(ctx context.Context) error {
	p.out.Title("Phase 2: side-effect discovery")

	phase1, err := p.phase1Input()
	if err != nil {
		return err
	}
	runner, err := p.trialRunner(sideeffect.PhaseName)
	if err != nil {
		return err
	}
	engine, err := sideeffect.NewEngine(sideeffect.Config{
		WindowSize: p.cfg.Phase2.WindowSize,
		Denylist:   p.cfg.Phase2.Denylist,
		Logger:     p.logger,
	}, runner)
	if err != nil {
		return err
	}

	results, runErr := engine.Run(ctx, phase1)
	if err := sideeffect.WriteResults(p.cfg.Paths.SideEffects, results); err != nil {
		return errors.Join(runErr, err)
	}
	for _, r := range results {
		p.export(ctx, sideeffect.PhaseName, r.Address, r.FlipMask, r.Deviations)
	}
	p.out.SideEffects(results)
	return runErr
}

func (p *pipeline) runPhase3(ctx context.Context) error {
	p.out.Title("Phase 3: bit tracing")

	phase1, err := p.phase1Input()
	if err != nil {
		return err
	}
	phase2, err := sideeffect.ReadResults(p.cfg.Paths.SideEffects)
	if err != nil {
		return err
	}
	if p.sel.hasMSR {
		r, ok := sideeffect.Find(phase2, p.sel.msr)
		if !ok {
			return fmt.Errorf("%w: msr %s in %s", errNotInResults, util.Hex(p.sel.msr), p.cfg.Paths.SideEffects)
		}
		phase2 = []sideeffect.Result{r}
	}
	runner, err := p.trialRunner(bittrace.PhaseName)
	if err != nil {
		return err
	}
	engine, err := bittrace.NewEngine(bittrace.Config{
		WindowSize: p.cfg.Phase3.WindowSize,
		Logger:     p.logger,
	}, runner)
	if err != nil {
		return err
	}

	results, runErr := engine.Run(ctx, phase1, phase2)
	if err := bittrace.WriteResults(p.cfg.Paths.Traced, results); err != nil {
		return errors.Join(runErr, err)
	}
	for _, r := range results {
		p.export(ctx, bittrace.PhaseName, r.Address, r.FlipMask, r.Deviations)
	}
	p.out.Traced(results)
	return runErr
}

// phase1Input reads the Phase 1 results, narrowed to --msr when given.
func (p *pipeline) phase1Input() ([]discovery.Result, error) {
	results, err := discovery.ReadResults(p.cfg.Paths.Flippable)
	if err != nil {
		return nil, err
	}
	if !p.sel.hasMSR {
		return results, nil
	}
	r, ok := discovery.Find(results, p.sel.msr)
	if !ok {
		return nil, fmt.Errorf("%w: msr %s in %s", errNotInResults, util.Hex(p.sel.msr), p.cfg.Paths.Flippable)
	}
	return []discovery.Result{r}, nil
}

// thresholds returns the thresholds calibrated in this run, or the
// persisted ones.
func (p *pipeline) thresholds() (*pmc.Store, error) {
	if p.store != nil {
		return p.store, nil
	}
	store, err := pmc.ReadStore(p.cfg.Paths.Thresholds)
	if err != nil {
		return nil, err
	}
	p.store = store
	return store, nil
}

func (p *pipeline) trialRunner(phase string) (*trial.Runner, error) {
	store, err := p.thresholds()
	if err != nil {
		return nil, err
	}
	cfg := p.cfg.TrialSettings(phase)
	cfg.Journal = p.journal
	cfg.Logger = p.logger
	return trial.NewRunner(cfg, p.dev, p.provider, pmc.NewDetector(p.cfg.Floors, p.logger), store)
}

// export hands one finding to the sink. Sink failures never abort probing.
func (p *pipeline) export(ctx context.Context, phase string, address uint32, mask uint64, devs []pmc.Deviation) {
	if err := p.sink.Deviations(ctx, phase, address, mask, devs); err != nil {
		p.logger.Warn("sink rejected deviations",
			slog.String("phase", phase),
			slog.String("msr", util.Hex(address)),
			slog.String("error", err.Error()))
	}
}
