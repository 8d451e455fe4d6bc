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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msrprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestDefaultConfig verifies the stock settings validate and match the
// calibrator defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 3, cfg.Core)
	assert.Equal(t, 4, cfg.Phase2.WindowSize)
	assert.Equal(t, 4, cfg.Phase3.WindowSize)
	assert.Equal(t, "./flippable_msrs.csv", cfg.Paths.Flippable)
	assert.Equal(t, "./pmc_thresholds.csv", cfg.Paths.Thresholds)
	assert.Equal(t, "./observed_sideeffects.csv", cfg.Paths.SideEffects)
	assert.Equal(t, "./traced_bits.csv", cfg.Paths.Traced)
	assert.Contains(t, cfg.Phase2.Denylist, uint32(0x140))
	assert.Nil(t, cfg.Influx)

	cal := cfg.CalibrationSettings()
	require.NoError(t, cal.Validate())
	assert.Equal(t, 15, cal.ConsecutiveRuns)
	assert.Equal(t, 250, cal.MaxTries)

	tr := cfg.TrialSettings("phase2")
	assert.Equal(t, "phase2", tr.Phase)
	assert.True(t, tr.VerifyRestore)
}

// TestLoad_MissingFile verifies the implicit default path is optional and
// an explicit path is not.
func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := Load(missing, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Core, cfg.Core)

	_, err = Load(missing, true)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestLoad_MergesOverDefaults verifies file values replace only the fields
// they name.
func TestLoad_MergesOverDefaults(t *testing.T) {
	path := writeFile(t, `
core: 5
accept_write_only: true
harness:
  trial_timeout: 30s
phase2:
  window_size: 2
  denylist: [0x140, 0x1a4]
influx:
  url: http://localhost:8086
  org: lab
  bucket: msr
`)
	cfg, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Core)
	assert.True(t, cfg.AcceptWriteOnly)
	assert.Equal(t, 30*time.Second, cfg.Harness.TrialTimeout)
	assert.Equal(t, []uint32{0x140, 0x1a4}, cfg.Phase2.Denylist)
	assert.Equal(t, 2, cfg.Phase2.WindowSize)
	assert.Equal(t, 4, cfg.Phase3.WindowSize)
	assert.Equal(t, DefaultConfig().Harness.Script, cfg.Harness.Script)
	require.NotNil(t, cfg.Influx)
	assert.Equal(t, "msr", cfg.Influx.Bucket)
}

// TestLoad_Invalid verifies rejected settings.
func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"upper factor", "calibration:\n  upper_factor: 0.5\n"},
		{"lower factor", "calibration:\n  lower_factor: 1.5\n"},
		{"tries below streak", "calibration:\n  consecutive_runs: 20\n  max_tries: 10\n"},
		{"window", "phase3:\n  window_size: 0\n"},
		{"log level", "log_level: loud\n"},
		{"influx without url", "influx:\n  org: lab\n  bucket: msr\n"},
		{"journal path", "journal:\n  path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body), true)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("journal path not needed when disabled", func(t *testing.T) {
		_, err := Load(writeFile(t, "journal:\n  path: \"\"\n  disabled: true\n"), true)
		assert.NoError(t, err)
	})
}

// TestLoad_UnknownField verifies typos are rejected instead of ignored.
func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "window_size: 4\n"), true)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

// TestSave verifies a saved config loads back unchanged.
func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "msrprobe.yaml")
	want := DefaultConfig()
	want.Core = 7
	require.NoError(t, Save(path, want))

	got, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
