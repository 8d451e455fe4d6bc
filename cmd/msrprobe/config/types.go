// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"slices"
	"time"

	"github.com/AleutianAI/msrprobe/services/probe/bittrace"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/harness"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/sideeffect"
	"github.com/AleutianAI/msrprobe/services/probe/sink"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/trial"
)

// MsrprobeConfig is the full run configuration.
type MsrprobeConfig struct {
	// Core is the logical CPU whose registers are probed and measured.
	Core int `yaml:"core" validate:"gte=0"`

	// AcceptWriteOnly probes registers whose reads fail (--keepwo).
	AcceptWriteOnly bool `yaml:"accept_write_only"`

	// VerifyRestore re-reads every register after its restore.
	VerifyRestore bool `yaml:"verify_restore"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogJSON writes console logs as JSON.
	LogJSON bool `yaml:"log_json"`

	// LogDir enables a daily JSON audit log of every run.
	LogDir string `yaml:"log_dir"`

	Paths       PathsConfig       `yaml:"paths"`
	Harness     HarnessConfig     `yaml:"harness"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Floors      pmc.FloorPolicy   `yaml:"floors"`
	Phase1      Phase1Config      `yaml:"phase1"`
	Phase2      Phase2Config      `yaml:"phase2"`
	Phase3      Phase3Config      `yaml:"phase3"`
	Journal     JournalConfig     `yaml:"journal"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`

	// Influx enables the InfluxDB result sink when set.
	Influx *sink.InfluxConfig `yaml:"influx,omitempty"`
}

// PathsConfig names every file the pipeline reads or writes.
type PathsConfig struct {
	Descriptor  string `yaml:"descriptor" validate:"required"`
	Flippable   string `yaml:"flippable" validate:"required"`
	Thresholds  string `yaml:"thresholds" validate:"required"`
	SideEffects string `yaml:"side_effects" validate:"required"`
	Traced      string `yaml:"traced" validate:"required"`
	LockDir     string `yaml:"lock_dir"`
}

// HarnessConfig locates the benchmarking harness.
type HarnessConfig struct {
	Script         string `yaml:"script" validate:"required"`
	InstructionDir string `yaml:"instruction_dir" validate:"required"`

	// CalibrationOutput and TrialOutput are scratch files the harness writes.
	CalibrationOutput string `yaml:"calibration_output" validate:"required"`
	TrialOutput       string `yaml:"trial_output" validate:"required"`

	TrialTimeout  time.Duration `yaml:"trial_timeout" validate:"gt=0"`
	TrialInterval time.Duration `yaml:"trial_interval" validate:"gte=0"`
}

type CalibrationConfig struct {
	UpperFactor     float64 `yaml:"upper_factor" validate:"gt=1"`
	LowerFactor     float64 `yaml:"lower_factor" validate:"gt=0,lt=1"`
	ConsecutiveRuns int     `yaml:"consecutive_runs" validate:"gte=1"`
	MaxTries        int     `yaml:"max_tries" validate:"gtefield=ConsecutiveRuns"`
}

type Phase1Config struct {
	Denylist []uint32 `yaml:"denylist"`
}

type Phase2Config struct {
	WindowSize int      `yaml:"window_size" validate:"gte=1,lte=16"`
	Denylist   []uint32 `yaml:"denylist"`
}

type Phase3Config struct {
	WindowSize int `yaml:"window_size" validate:"gte=1,lte=16"`
}

// JournalConfig locates the restore journal.
type JournalConfig struct {
	// Path is the badger directory.
	Path string `yaml:"path" validate:"required_unless=Disabled true"`

	// Disabled runs without crash recovery.
	Disabled bool `yaml:"disabled"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() MsrprobeConfig {
	cal := pmc.DefaultCalibrationConfig()
	return MsrprobeConfig{
		Core:          cal.CoreID,
		VerifyRestore: true,
		LogLevel:      "info",
		Paths: PathsConfig{
			Descriptor:  "../unknown_msrs_formatted.csv",
			Flippable:   discovery.DefaultResultsPath,
			Thresholds:  pmc.DefaultStorePath,
			SideEffects: sideeffect.DefaultResultsPath,
			Traced:      bittrace.DefaultResultsPath,
		},
		Harness: HarnessConfig{
			Script:            harness.DefaultScript,
			InstructionDir:    harness.DefaultInstructionDir,
			CalibrationOutput: cal.OutputPath,
			TrialOutput:       "./pmc_results.csv",
			TrialTimeout:      trial.DefaultTrialTimeout,
		},
		Calibration: CalibrationConfig{
			UpperFactor:     cal.UpperFactor,
			LowerFactor:     cal.LowerFactor,
			ConsecutiveRuns: cal.ConsecutiveRuns,
			MaxTries:        cal.MaxTries,
		},
		Floors:    cal.Floors,
		Phase1:    Phase1Config{Denylist: slices.Clone(discovery.DefaultDenylist)},
		Phase2:    Phase2Config{WindowSize: sideeffect.DefaultWindowSize, Denylist: slices.Clone(sideeffect.DefaultDenylist)},
		Phase3:    Phase3Config{WindowSize: bittrace.DefaultWindowSize},
		Journal:   JournalConfig{Path: "./.msrprobe-journal"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// CalibrationSettings builds the calibrator's config.
func (c MsrprobeConfig) CalibrationSettings() pmc.CalibrationConfig {
	return pmc.CalibrationConfig{
		CoreID:          c.Core,
		InstructionDir:  c.Harness.InstructionDir,
		OutputPath:      c.Harness.CalibrationOutput,
		UpperFactor:     c.Calibration.UpperFactor,
		LowerFactor:     c.Calibration.LowerFactor,
		ConsecutiveRuns: c.Calibration.ConsecutiveRuns,
		MaxTries:        c.Calibration.MaxTries,
		Floors:          c.Floors,
	}
}

// TrialSettings builds the trial runner's config for phase. The journal and
// logger are attached by the caller.
func (c MsrprobeConfig) TrialSettings(phase string) trial.Config {
	return trial.Config{
		Phase:           phase,
		InstructionDir:  c.Harness.InstructionDir,
		OutputPath:      c.Harness.TrialOutput,
		TrialTimeout:    c.Harness.TrialTimeout,
		TrialInterval:   c.Harness.TrialInterval,
		VerifyRestore:   c.VerifyRestore,
		AcceptWriteOnly: c.AcceptWriteOnly,
	}
}
