// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report prints operator-facing msrprobe output: phase summaries,
// found effects and fatal diagnostics.
//
// Output is styled with lipgloss on a terminal and plain, one fact per line,
// when redirected.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/msrprobe/services/probe/bittrace"
	"github.com/AleutianAI/msrprobe/services/probe/discovery"
	"github.com/AleutianAI/msrprobe/services/probe/journal"
	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/sideeffect"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// Palette
var (
	ColorTeal    = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorSlate   = lipgloss.Color("#2C4A54")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Muted    lipgloss.Style
	Bold     lipgloss.Style
	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTeal),
	Success: lipgloss.NewStyle().Foreground(ColorTeal),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Bold:    lipgloss.NewStyle().Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Level selects the output style.
type Level string

const (
	// LevelStyled uses colors, icons and boxes.
	LevelStyled Level = "styled"

	// LevelPlain writes "KIND: text" lines suitable for logs and scripts.
	LevelPlain Level = "plain"
)

// Detect returns LevelStyled when f is a terminal.
func Detect(f *os.File) Level {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return LevelStyled
	}
	return LevelPlain
}

// Printer writes operator output. Results go to out, warnings and errors
// to errOut.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	level  Level
}

// New creates a printer.
func New(out, errOut io.Writer, level Level) *Printer {
	return &Printer{out: out, errOut: errOut, level: level}
}

// NewStd creates a printer on stdout and stderr, styled when stdout is a
// terminal.
func NewStd() *Printer {
	return New(os.Stdout, os.Stderr, Detect(os.Stdout))
}

// Title prints a section heading. Plain output omits it.
func (p *Printer) Title(text string) {
	if p.level == LevelPlain {
		return
	}
	fmt.Fprintln(p.out, styles.Title.Render(text))
}

// Success prints a completed step.
func (p *Printer) Success(text string) {
	if p.level == LevelPlain {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", styles.Success.Render("✓"), styles.Success.Render(text))
}

// Info prints a plain fact.
func (p *Printer) Info(text string) {
	if p.level == LevelPlain {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", styles.Muted.Render("│"), text)
}

// Warning prints a recoverable problem.
func (p *Printer) Warning(text string) {
	if p.level == LevelPlain {
		fmt.Fprintf(p.errOut, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", styles.Warning.Render("⚠"), styles.Warning.Render(text))
}

// Fatal prints the diagnostic of an error that ends the run.
func (p *Printer) Fatal(title string, err error) {
	if p.level == LevelPlain {
		fmt.Fprintf(p.errOut, "ERROR: %s: %v\n", title, err)
		return
	}
	body := styles.Error.Bold(true).Render(title) + "\n" + err.Error()
	fmt.Fprintln(p.errOut, styles.ErrorBox.Width(72).Render(body))
}

// Phase1Summary prints the flippable-bit statistics.
func (p *Printer) Phase1Summary(s discovery.Stats, window int) {
	lines := []string{
		fmt.Sprintf("Found %d writable bits in %d MSRs. Tested %d MSRs.", s.Bits, s.Writable, s.Registers),
		fmt.Sprintf("Bits per MSR: %d (average)", s.Average),
		fmt.Sprintf("Bits per MSR: %s (median)", util.FormatFloat(s.Median)),
		fmt.Sprintf("Bits per MSR: %d (min)", s.Min),
		fmt.Sprintf("Bits per MSR: %d (max)", s.Max),
		fmt.Sprintf("Exhaustive search space: %.0f values", s.Exhaustive),
		fmt.Sprintf("Actual search space (window %d): %.0f values", window, s.Windowed),
	}
	p.box("Flippable bits", lines)
}

// Calibration prints the outcome of a calibration.
func (p *Printer) Calibration(s pmc.CalibrationStats) {
	lines := []string{
		fmt.Sprintf("Thresholds: %d", s.Thresholds),
		fmt.Sprintf("Runs: %d", s.Tries),
		fmt.Sprintf("Widened bounds: %d", s.Widenings),
		fmt.Sprintf("Clean streak: %d", s.Streak),
		fmt.Sprintf("Duration: %s", s.Duration.Round(time.Millisecond)),
	}
	p.box("Calibration", lines)
}

// SideEffects prints the Phase 2 findings.
func (p *Printer) SideEffects(results []sideeffect.Result) {
	p.Title(fmt.Sprintf("Side effects: %d MSRs", len(results)))
	for _, r := range results {
		p.effect(r.Address, r.FlipMask, r.Deviations)
	}
}

// Traced prints the Phase 3 findings.
func (p *Printer) Traced(results []bittrace.Result) {
	p.Title(fmt.Sprintf("Traced windows: %d", len(results)))
	for _, r := range results {
		p.effect(r.Address, r.FlipMask, r.Deviations)
	}
}

// Recovery prints what a journal replay did.
func (p *Printer) Recovery(r journal.RecoveryReport) {
	for _, e := range r.Restored {
		p.Warning(fmt.Sprintf("restored msr %s on core %d to %s (left by %s run %s)",
			util.Hex(e.Address), e.Core, util.Hex(e.RestoreValue), e.Phase, e.RunID))
	}
	for _, e := range r.Skipped {
		p.Warning(fmt.Sprintf("pending entry for msr %s belongs to core %d, not restored",
			util.Hex(e.Address), e.Core))
	}
	for _, f := range r.Failed {
		p.Warning(fmt.Sprintf("could not restore msr %s: %v", util.Hex(f.Entry.Address), f.Err))
	}
}

func (p *Printer) effect(address uint32, mask uint64, devs []pmc.Deviation) {
	head := fmt.Sprintf("msr %s mask %s", util.Hex(address), util.Hex(mask))
	if p.level == LevelPlain {
		for _, d := range devs {
			fmt.Fprintf(p.out, "EFFECT: %s %s/%s reference=%s band=[%s,%s] observed=%s\n", head,
				d.Test, d.Counter, util.FormatFloat(d.Reference),
				util.FormatFloat(d.Lower), util.FormatFloat(d.Upper), util.FormatFloat(d.Observed))
		}
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", styles.Success.Render("→"), styles.Bold.Render(head))
	for _, d := range devs {
		fmt.Fprintf(p.out, "    %s %s %s\n",
			styles.Muted.Render(d.Test+"/"+d.Counter),
			util.FormatFloat(d.Observed),
			styles.Muted.Render(fmt.Sprintf("(band %s..%s)", util.FormatFloat(d.Lower), util.FormatFloat(d.Upper))))
	}
}

func (p *Printer) box(title string, lines []string) {
	if p.level == LevelPlain {
		for _, l := range lines {
			fmt.Fprintf(p.out, "%s: %s\n", title, l)
		}
		return
	}
	body := styles.Title.Render(title) + "\n" + strings.Join(lines, "\n")
	fmt.Fprintln(p.out, styles.Box.Width(72).Render(body))
}
