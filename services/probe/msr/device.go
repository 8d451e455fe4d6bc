// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package msr provides access to x86 model-specific registers of one logical
// core and the flip/restore primitive built on it.
//
// # Overview
//
// Device abstracts the register file so the discovery engines can run
// against real hardware (/dev/cpu/N/msr, see Open) or an in-memory
// SimulatedDevice in tests.
//
// FlipBits is the only function in the module that mutates hardware state.
// Every higher-level phase composes it into flip, measure, unflip triples.
//
// # Thread Safety
//
// Devices are used from a single goroutine that is locked to its OS thread
// and pinned to the probed core. They are not safe for concurrent use.
package msr

import (
	"fmt"
)

// DevicePathFormat is the Linux msr driver node for a logical core.
const DevicePathFormat = "/dev/cpu/%d/msr"

// Device is a handle bound to one logical CPU core.
//
// Read and Write perform a real positioned 8-byte I/O at the register
// address on every call. Nothing is cached.
type Device interface {
	// Read returns the current register value. A wrapped ErrReadFailed is
	// expected for write-only registers.
	Read(address uint32) (uint64, error)

	// Write stores value into the register. A wrapped ErrWriteFailed means
	// the CPU rejected the value (typically a #GP on reserved bits).
	Write(address uint32, value uint64) error

	// CoreID returns the logical core this handle is bound to.
	CoreID() int

	// Close releases the handle.
	Close() error
}

// DevicePath returns the msr driver node for core.
func DevicePath(core int) string {
	return fmt.Sprintf(DevicePathFormat, core)
}
