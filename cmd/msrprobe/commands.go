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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	phase1Flag    bool
	calibrateFlag bool
	phase2Flag    bool
	phase3Flag    bool
	msrFlag       string
	keepWOFlag    bool
	configPath    string
	logLevel      string

	rootCmd = &cobra.Command{
		Use:   "msrprobe",
		Short: "Discover flippable MSR bits and their side effects on performance counters",
		Long: `msrprobe toggles bits of x86 model-specific registers on one core, restores
them, and measures the effect on performance counters with an external
benchmarking harness.

Selected phases always run in the order: --phase1, --calibrate, --phase2,
--phase3. Each phase reads the previous phase's output file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runRoot,
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Restore registers left modified by an interrupted run",
		Args:  cobra.NoArgs,
		RunE:  runRecover,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Summarize the Phase 1 results file",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	configCmd = &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default configuration to path, or print it",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfig,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&phase1Flag, "phase1", false, "discover flippable bits")
	flags.BoolVar(&calibrateFlag, "calibrate", false, "calibrate PMC thresholds")
	flags.BoolVar(&phase2Flag, "phase2", false, "search flippable bits for side effects")
	flags.BoolVar(&phase3Flag, "phase3", false, "trace side effects down to bit windows")
	flags.StringVar(&msrFlag, "msr", "", "restrict every phase to one register (e.g. 0x1a0)")
	flags.BoolVar(&keepWOFlag, "keepwo", false, "probe write-only registers, assuming they read as 0")

	persistent := rootCmd.PersistentFlags()
	persistent.StringVar(&configPath, "config", "", "config file (default ./msrprobe.yaml when present)")
	persistent.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(recoverCmd, statsCmd, configCmd)
}
