// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package harness

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMeasurementFailed marks a harness run that did not produce results.
	// It is transient: the trial is skipped and the probe continues.
	ErrMeasurementFailed = errors.New("measurement failed")

	// ErrMalformedResults marks harness output that cannot be parsed. It is
	// fatal because every later comparison would be meaningless.
	ErrMalformedResults = errors.New("malformed measurement results")
)

// CommandError wraps a harness execution failure with stderr context.
//
// # Description
//
// Carries the command line, exit code and trimmed stderr of the failed
// process. Supports errors.Is/As through Unwrap.
//
// # Thread Safety
//
// Immutable after creation and safe for concurrent reads.
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output (trimmed).
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// NewCommandError creates a CommandError, trimming stderr.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// Error returns "<command> (exit N): <stderr or wrapped error>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr returns true if stderr output is available.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)
