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
	"fmt"
	"sync"

	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// SimulatedRegister describes one register of a SimulatedDevice.
type SimulatedRegister struct {
	// Value is the current content.
	Value uint64

	// Writable lists the bits a write may change. A write that changes any
	// other bit is rejected, like a #GP on reserved bits.
	Writable uint64

	// Sticky lists bits that accept a write without error but keep their
	// old value (silently dropped writes).
	Sticky uint64

	// WriteOnly makes every read fail.
	WriteOnly bool
}

// SimulatedDevice is an in-memory register file implementing Device.
//
// # Description
//
// Used by tests and dry runs. Unknown addresses fail both reads and writes.
// FailWritesAfter injects a write failure after N successful writes, which
// is how tests exercise the fatal restore path.
//
// # Thread Safety
//
// Safe for concurrent use; the probe engines only use it from one goroutine.
type SimulatedDevice struct {
	mu        sync.Mutex
	core      int
	registers map[uint32]*SimulatedRegister
	writes    []SimulatedWrite

	// FailWritesAfter, when positive, makes every write after that many
	// successful writes fail.
	FailWritesAfter int
}

// SimulatedWrite records one accepted write.
type SimulatedWrite struct {
	Address uint32
	Value   uint64
}

// NewSimulatedDevice creates a device bound to core with the given registers.
func NewSimulatedDevice(core int, registers map[uint32]SimulatedRegister) *SimulatedDevice {
	regs := make(map[uint32]*SimulatedRegister, len(registers))
	for addr, r := range registers {
		reg := r
		regs[addr] = &reg
	}
	return &SimulatedDevice{core: core, registers: regs}
}

// Read returns the register value.
func (d *SimulatedDevice) Read(address uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.registers[address]
	if !ok || r.WriteOnly {
		return 0, fmt.Errorf("%w: msr %s", ErrReadFailed, util.Hex(address))
	}
	return r.Value, nil
}

// Write stores value if only writable bits change.
func (d *SimulatedDevice) Write(address uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWritesAfter > 0 && len(d.writes) >= d.FailWritesAfter {
		return fmt.Errorf("%w: msr %s: injected failure", ErrWriteFailed, util.Hex(address))
	}
	r, ok := d.registers[address]
	if !ok {
		return fmt.Errorf("%w: msr %s: no such register", ErrWriteFailed, util.Hex(address))
	}
	changed := r.Value ^ value
	if changed&^(r.Writable|r.Sticky) != 0 {
		return fmt.Errorf("%w: msr %s: reserved bits %s", ErrWriteFailed,
			util.Hex(address), util.Hex(changed&^(r.Writable|r.Sticky)))
	}
	r.Value ^= changed & r.Writable
	d.writes = append(d.writes, SimulatedWrite{Address: address, Value: value})
	return nil
}

// CoreID returns the configured core.
func (d *SimulatedDevice) CoreID() int {
	return d.core
}

// Close is a no-op.
func (d *SimulatedDevice) Close() error {
	return nil
}

// Value returns the raw register content, bypassing WriteOnly.
func (d *SimulatedDevice) Value(address uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.registers[address]; ok {
		return r.Value
	}
	return 0
}

// SetValue overwrites the raw register content.
func (d *SimulatedDevice) SetValue(address uint32, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.registers[address]; ok {
		r.Value = value
	}
}

// Writes returns a copy of all accepted writes in order.
func (d *SimulatedDevice) Writes() []SimulatedWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SimulatedWrite, len(d.writes))
	copy(out, d.writes)
	return out
}

var _ Device = (*SimulatedDevice)(nil)
