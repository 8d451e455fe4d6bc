// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command msrprobe discovers writable bits in x86 model-specific registers
// and measures their effect on performance counters.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/msrprobe/cmd/msrprobe/config"
	"github.com/AleutianAI/msrprobe/cmd/msrprobe/internal/lock"
	"github.com/AleutianAI/msrprobe/cmd/msrprobe/internal/logging"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/report"
	"github.com/AleutianAI/msrprobe/services/probe/sink"
	"github.com/AleutianAI/msrprobe/services/probe/storage/badger"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// Exit codes.
const (
	exitOK       = 0
	exitFatal    = 1
	exitDiverged = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		report.NewStd().Fatal("msrprobe", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pmc.ErrCalibrationDiverged):
		return exitDiverged
	default:
		return exitFatal
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	sel, err := parseSelection()
	if err != nil {
		return err
	}
	if sel.empty() {
		return cmd.Help()
	}
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Logger
	ctx := cmd.Context()
	out := report.NewStd()

	s, err := openSession(ctx, cfg, logger, out, true)
	if err != nil {
		return err
	}
	defer s.close(logger)

	p := &pipeline{
		cfg:      cfg,
		sel:      sel,
		dev:      s.dev,
		provider: harness.NewNanobenchProvider(cfg.Harness.Script, nil, logger),
		sink:     s.sink,
		out:      out,
		logger:   logger.With(slog.String("run_id", s.runID)),
	}
	if s.journal != nil {
		p.journal = s.journal
	}
	return p.run(ctx)
}

func runRecover(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Logger
	if cfg.Journal.Disabled {
		return errors.New("the restore journal is disabled in the configuration")
	}
	s, err := openSession(cmd.Context(), cfg, logger, report.NewStd(), false)
	if err != nil {
		return err
	}
	defer s.close(logger)
	return s.recover(cmd.Context())
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Close()
	results, err := discovery.ReadResults(cfg.Paths.Flippable)
	if err != nil {
		return err
	}
	report.NewStd().Phase1Summary(discovery.Summarize(results, cfg.Phase2.WindowSize), cfg.Phase2.WindowSize)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if len(args) == 1 {
		return config.Save(args[0], cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// parseSelection reads the phase flags.
func parseSelection() (selection, error) {
	sel := selection{
		phase1:    phase1Flag,
		calibrate: calibrateFlag,
		phase2:    phase2Flag,
		phase3:    phase3Flag,
	}
	if msrFlag != "" {
		addr, err := util.ParseAddress(msrFlag)
		if err != nil {
			return sel, fmt.Errorf("--msr: %w", err)
		}
		sel.msr, sel.hasMSR = addr, true
	}
	return sel, nil
}

// loadConfig merges the config file and the flags, and installs the logger.
// The caller closes the returned logger.
func loadConfig(cmd *cobra.Command) (config.MsrprobeConfig, *logging.Logger, error) {
	cfg, err := config.Load(configPath, configPath != "")
	if err != nil {
		return cfg, nil, err
	}
	if cmd.Flags().Changed("keepwo") {
		cfg.AcceptWriteOnly = keepWOFlag
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, nil, err
	}

	logger, err := logging.New(logging.Config{
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
		Dir:   cfg.LogDir,
	})
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger.Logger)
	return cfg, logger, nil
}

// session owns the process-wide resources of one run.
type session struct {
	runID   string
	lock    *lock.Lock
	dev     msr.Device
	unpin   func()
	db      *badger.DB
	journal *journal.Journal
	sink    sink.Sink
	out     *report.Printer

	textfile          string
	shutdownTelemetry func(context.Context) error
}

// openSession acquires the process lock, opens the register device and the
// journal, and replays any entries an interrupted run left behind. With
// probing set it also pins the calling goroutine to the core, initializes
// telemetry and connects the result sink.
//
// On error everything opened so far is released.
func openSession(ctx context.Context, cfg config.MsrprobeConfig, logger *slog.Logger, out *report.Printer, probing bool) (_ *session, err error) {
	s := &session{runID: uuid.NewString(), sink: sink.Nop{}, out: out}
	defer func() {
		if err != nil {
			s.close(logger)
		}
	}()

	s.lock = lock.New(lock.Config{Dir: cfg.Paths.LockDir})
	if err := s.lock.Acquire(); err != nil {
		return nil, err
	}

	if probing {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		s.shutdownTelemetry = shutdown
		if cfg.Telemetry.MetricExporter == "prometheus" {
			s.textfile = cfg.Telemetry.TextfilePath
		}
	}

	dev, err := msr.Open(cfg.Core)
	if err != nil {
		return nil, err
	}
	s.dev = dev

	if probing {
		unpin, err := msr.PinToCore(cfg.Core)
		if err != nil {
			return nil, err
		}
		s.unpin = unpin
	}

	if !cfg.Journal.Disabled {
		bcfg := badger.DefaultConfig(cfg.Journal.Path)
		bcfg.Logger = logger
		if s.db, err = badger.Open(bcfg); err != nil {
			return nil, err
		}
		s.journal, err = journal.New(ctx, s.db, journal.Config{RunID: s.runID, Logger: logger})
		if err != nil {
			return nil, err
		}
		if probing {
			if err := s.recover(ctx); err != nil {
				return nil, err
			}
		}
	}

	if probing && cfg.Influx != nil {
		influx, err := sink.NewInfluxSink(ctx, *cfg.Influx, s.runID, cfg.Core, logger)
		if err != nil {
			return nil, err
		}
		s.sink = influx
	}

	logger.Info("session ready",
		slog.String("run_id", s.runID),
		slog.Int("core", cfg.Core),
		slog.Bool("journal", s.journal != nil))
	return s, nil
}

// recover replays the journal. Any entry that cannot be restored is fatal:
// probing on top of an unrestored register is unsafe.
func (s *session) recover(ctx context.Context) error {
	rep, err := s.journal.Recover(ctx, s.dev)
	s.out.Recovery(rep)
	if err != nil {
		return err
	}
	if n := len(rep.Restored); n > 0 {
		s.out.Success(fmt.Sprintf("restored %d register(s) left by an interrupted run", n))
	}
	return nil
}

// close releases everything in reverse order of acquisition. The sink and
// the telemetry exporters are flushed concurrently.
func (s *session) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(s.sink.Close)
	g.Go(func() error {
		if err := telemetry.WriteTextfile(s.textfile); err != nil {
			return err
		}
		if s.shutdownTelemetry != nil {
			return s.shutdownTelemetry(ctx)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Warn("flush failed", slog.String("error", err.Error()))
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logger.Warn("close journal", slog.String("error", err.Error()))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Warn("close journal database", slog.String("error", err.Error()))
		}
	}
	if s.unpin != nil {
		s.unpin()
	}
	if s.dev != nil {
		s.dev.Close()
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			logger.Warn("release lock", slog.String("error", err.Error()))
		}
	}
}
