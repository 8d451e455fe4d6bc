// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package msr

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// FileDevice implements Device on the Linux msr driver.
//
// # Description
//
// Opens /dev/cpu/<core>/msr read/write. The driver maps the file offset to
// the register address and requires exactly 8-byte transfers, so each Read
// and Write is one pread(2)/pwrite(2) of a little-endian uint64.
//
// # Assumptions
//
//   - The msr kernel module is loaded
//   - The caller has CAP_SYS_RAWIO (usually root)
type FileDevice struct {
	fd   int
	core int
}

// Open binds a Device to the given logical core.
//
// # Outputs
//
//   - *FileDevice: Open handle. Caller must Close it.
//   - error: Non-nil if the driver node cannot be opened
func Open(core int) (*FileDevice, error) {
	path := DevicePath(core)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open msr device on core %d (%s): %w", core, path, err)
	}
	return &FileDevice{fd: fd, core: core}, nil
}

// Read performs a positioned 8-byte read at the register address.
func (d *FileDevice) Read(address uint32) (uint64, error) {
	if d.fd < 0 {
		return 0, ErrDeviceClosed
	}
	var buf [8]byte
	n, err := unix.Pread(d.fd, buf[:], int64(address))
	if err != nil {
		return 0, fmt.Errorf("%w: msr %s: %v", ErrReadFailed, util.Hex(address), err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%w: msr %s: short read (%d bytes)", ErrReadFailed, util.Hex(address), n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write performs a positioned 8-byte write at the register address.
func (d *FileDevice) Write(address uint32, value uint64) error {
	if d.fd < 0 {
		return ErrDeviceClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Pwrite(d.fd, buf[:], int64(address))
	if err != nil {
		return fmt.Errorf("%w: msr %s: %v", ErrWriteFailed, util.Hex(address), err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: msr %s: short write (%d bytes)", ErrWriteFailed, util.Hex(address), n)
	}
	return nil
}

// CoreID returns the logical core this handle is bound to.
func (d *FileDevice) CoreID() int {
	return d.core
}

// Close releases the file descriptor. Safe to call more than once.
func (d *FileDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// PinToCore locks the calling goroutine to its OS thread and restricts that
// thread to one logical core.
//
// # Description
//
// Keeps PMC measurements free of migration and cross-core noise for the
// whole phase. The returned release function puts the thread's previous
// affinity mask back and then unlocks the OS thread, so the thread returns
// to the runtime's pool with the mask it had before.
//
// # Outputs
//
//   - func(): Release function. Call when the phase is done, from the same
//     goroutine.
//   - error: Non-nil if the affinity cannot be read or set
func PinToCore(core int) (func(), error) {
	runtime.LockOSThread()
	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("get cpu affinity: %w", err)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("set cpu affinity to core %d: %w", core, err)
	}
	return func() {
		// A thread whose mask cannot be put back must not be reused.
		if err := unix.SchedSetaffinity(0, &old); err != nil {
			return
		}
		runtime.UnlockOSThread()
	}, nil
}

var _ Device = (*FileDevice)(nil)
