// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/sideeffect"
)

func plainPrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return New(&out, &errOut, LevelPlain), &out, &errOut
}

// TestPrinter_Plain verifies the machine-readable prefixes.
func TestPrinter_Plain(t *testing.T) {
	p, out, errOut := plainPrinter()
	p.Title("ignored")
	p.Success("done")
	p.Info("fact")
	p.Warning("careful")
	p.Fatal("restore failed", errors.New("msr 0x10"))

	assert.Equal(t, "OK: done\nfact\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: restore failed: msr 0x10\n", errOut.String())
}

// TestPrinter_Phase1Summary verifies the statistics lines.
func TestPrinter_Phase1Summary(t *testing.T) {
	p, out, _ := plainPrinter()
	p.Phase1Summary(discovery.Stats{Registers: 4, Writable: 3, Bits: 8, Average: 2, Median: 2, Max: 4, Exhaustive: 27, Windowed: 128}, 4)

	text := out.String()
	assert.Contains(t, text, "Found 8 writable bits in 3 MSRs. Tested 4 MSRs.")
	assert.Contains(t, text, "Bits per MSR: 2 (median)")
	assert.Contains(t, text, "Exhaustive search space: 27 values")
	assert.Contains(t, text, "Actual search space (window 4): 128 values")
}

// TestPrinter_SideEffects verifies one line per deviation.
func TestPrinter_SideEffects(t *testing.T) {
	p, out, _ := plainPrinter()
	p.SideEffects([]sideeffect.Result{{
		Address:  0x10,
		FlipMask: 0x4,
		Deviations: []pmc.Deviation{{
			Threshold: pmc.Threshold{Test: "t1", Counter: "RDTSC", Reference: 1000, Lower: 990, Upper: 1010},
			Observed:  2000,
		}},
	}})
	assert.Equal(t, "EFFECT: msr 0x10 mask 0x4 t1/RDTSC reference=1000 band=[990,1010] observed=2000\n", out.String())
}

// TestPrinter_Recovery verifies each replayed entry is reported.
func TestPrinter_Recovery(t *testing.T) {
	p, _, errOut := plainPrinter()
	p.Recovery(journal.RecoveryReport{
		Restored: []journal.Entry{{Address: 0x10, Core: 3, RestoreValue: 0xf0, Phase: "phase2", RunID: "r1"}},
		Failed:   []journal.RecoveryFailure{{Entry: journal.Entry{Address: 0x20}, Err: errors.New("denied")}},
	})
	assert.Contains(t, errOut.String(), "restored msr 0x10 on core 3 to 0xf0 (left by phase2 run r1)")
	assert.Contains(t, errOut.String(), "could not restore msr 0x20: denied")
}

// TestPrinter_Styled verifies styled output renders without panicking and
// keeps the text.
func TestPrinter_Styled(t *testing.T) {
	var out, errOut bytes.Buffer
	p := New(&out, &errOut, LevelStyled)
	p.Calibration(pmc.CalibrationStats{Thresholds: 12, Tries: 40, Duration: 3 * time.Second, Converged: true})
	p.Fatal("calibration failed", errors.New("noise"))

	assert.Contains(t, out.String(), "Thresholds: 12")
	assert.Contains(t, errOut.String(), "noise")
}
