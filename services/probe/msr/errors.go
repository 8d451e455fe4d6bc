// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package msr

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

var (
	// ErrReadFailed is returned when a register read does not transfer 8 bytes.
	// Expected for write-only registers.
	ErrReadFailed = errors.New("msr read failed")

	// ErrWriteFailed is returned when the CPU rejects a register write.
	ErrWriteFailed = errors.New("msr write failed")

	// ErrRestoreFailed marks a failed or unverified restore. The core is in an
	// unknown state and the run must stop.
	ErrRestoreFailed = errors.New("msr restore failed")

	// ErrDeviceClosed is returned for I/O on a closed device.
	ErrDeviceClosed = errors.New("msr device closed")

	// ErrUnsupported is returned on platforms without /dev/cpu/N/msr.
	ErrUnsupported = errors.New("msr device not supported on this platform")
)

// RestoreError reports a register that could not be returned to its
// pre-probe value.
//
// # Description
//
// This is the single unconditionally fatal condition of the pipeline.
// errors.Is(err, ErrRestoreFailed) is true for every RestoreError.
type RestoreError struct {
	// Address is the register that was left mutated.
	Address uint32

	// Mask is the flip-mask that was applied.
	Mask uint64

	// Expected and Actual are set when the restore write succeeded but the
	// read-back disagreed on the masked bits.
	Expected uint64
	Actual   uint64
	Verified bool

	// Err is the underlying write error, if any.
	Err error
}

func (e *RestoreError) Error() string {
	if e.Verified {
		return fmt.Sprintf("msr %s: restore of mask %s not confirmed (expected %s, read %s)",
			util.Hex(e.Address), util.Hex(e.Mask), util.Hex(e.Expected), util.Hex(e.Actual))
	}
	return fmt.Sprintf("msr %s: restore of mask %s failed: %v",
		util.Hex(e.Address), util.Hex(e.Mask), e.Err)
}

// Is makes every RestoreError match ErrRestoreFailed.
func (e *RestoreError) Is(target error) bool {
	return target == ErrRestoreFailed
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

var _ error = (*RestoreError)(nil)
