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

// FlipBits XORs mask into a register.
//
// # Description
//
// Reads the current value, computes current ^ mask and writes it back.
// When the read fails:
//
//   - acceptWriteOnly false: returns the read error without writing.
//   - acceptWriteOnly true, restore false: current is taken as 0.
//   - acceptWriteOnly true, restore true: current is taken as mask, so the
//     restoring write stores 0. A write-only register's last written value
//     is by convention the mask that must be re-XORed to undo the flip.
//
// # Inputs
//
//   - dev: Register handle
//   - address: Register address
//   - mask: Bits to toggle
//   - restore: True when this call undoes a previous flip
//   - acceptWriteOnly: Tolerate unreadable registers
//
// # Outputs
//
//   - error: Wrapped ErrReadFailed or ErrWriteFailed
func FlipBits(dev Device, address uint32, mask uint64, restore, acceptWriteOnly bool) error {
	current, err := dev.Read(address)
	if err != nil {
		if !acceptWriteOnly {
			return err
		}
		if restore {
			current = mask
		} else {
			current = 0
		}
	}
	return dev.Write(address, current^mask)
}

// RestoreValue returns the absolute value a register must be written with to
// undo a flip of mask, given the read before the flip.
//
// Used by the restore journal: writing this value is correct whether or not
// the flip itself reached the hardware.
func RestoreValue(before uint64, readable bool) uint64 {
	if !readable {
		return 0
	}
	return before
}
