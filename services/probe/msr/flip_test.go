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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice() *SimulatedDevice {
	return NewSimulatedDevice(3, map[uint32]SimulatedRegister{
		0x10:  {Value: 0xf0, Writable: 0xff},
		0x20:  {Value: 0, Writable: 0x3, WriteOnly: true},
		0x140: {Value: 0x1, Writable: 0x1},
	})
}

// TestFlipBits_FlipThenRestore verifies a flip followed by a restore
// returns the register to its original value.
func TestFlipBits_FlipThenRestore(t *testing.T) {
	dev := newTestDevice()

	require.NoError(t, FlipBits(dev, 0x10, 0x0f, false, false))
	assert.Equal(t, uint64(0xff), dev.Value(0x10))

	require.NoError(t, FlipBits(dev, 0x10, 0x0f, true, false))
	assert.Equal(t, uint64(0xf0), dev.Value(0x10))
}

// TestFlipBits_WriteOnly verifies the write-only conventions.
func TestFlipBits_WriteOnly(t *testing.T) {
	t.Run("rejected without acceptance", func(t *testing.T) {
		dev := newTestDevice()
		err := FlipBits(dev, 0x20, 0x1, false, false)
		assert.ErrorIs(t, err, ErrReadFailed)
		assert.Empty(t, dev.Writes())
	})

	t.Run("flip assumes zero", func(t *testing.T) {
		dev := newTestDevice()
		require.NoError(t, FlipBits(dev, 0x20, 0x3, false, true))
		assert.Equal(t, uint64(0x3), dev.Value(0x20))
	})

	t.Run("restore assumes mask", func(t *testing.T) {
		dev := newTestDevice()
		require.NoError(t, FlipBits(dev, 0x20, 0x3, false, true))
		require.NoError(t, FlipBits(dev, 0x20, 0x3, true, true))
		assert.Equal(t, uint64(0), dev.Value(0x20))
		writes := dev.Writes()
		require.Len(t, writes, 2)
		assert.Equal(t, uint64(0), writes[1].Value)
	})
}

// TestFlipBits_WriteRejected verifies reserved-bit writes surface ErrWriteFailed.
func TestFlipBits_WriteRejected(t *testing.T) {
	dev := newTestDevice()
	err := FlipBits(dev, 0x10, 0x100, false, false)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, uint64(0xf0), dev.Value(0x10))
}

// TestSimulatedDevice_StickyBits verifies silently dropped writes.
func TestSimulatedDevice_StickyBits(t *testing.T) {
	dev := NewSimulatedDevice(0, map[uint32]SimulatedRegister{
		0x30: {Value: 0, Writable: 0x1, Sticky: 0x2},
	})
	require.NoError(t, dev.Write(0x30, 0x3))
	v, err := dev.Read(0x30)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1), v)
}

// TestSimulatedDevice_FailWritesAfter verifies injected write failures.
func TestSimulatedDevice_FailWritesAfter(t *testing.T) {
	dev := newTestDevice()
	dev.FailWritesAfter = 1
	require.NoError(t, dev.Write(0x10, 0xf1))
	assert.ErrorIs(t, dev.Write(0x10, 0xf0), ErrWriteFailed)
}

// TestRestoreError verifies error matching and messages.
func TestRestoreError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&RestoreError{Address: 0x10, Mask: 0x1, Err: cause})
	assert.ErrorIs(t, err, ErrRestoreFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "0x10")

	verified := &RestoreError{Address: 0x10, Mask: 0x1, Expected: 0, Actual: 1, Verified: true}
	assert.ErrorIs(t, verified, ErrRestoreFailed)
	assert.Contains(t, verified.Error(), "not confirmed")

	var re *RestoreError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, uint32(0x10), re.Address)
}

// TestRestoreValue verifies the journal's absolute restore value.
func TestRestoreValue(t *testing.T) {
	assert.Equal(t, uint64(0xf0), RestoreValue(0xf0, true))
	assert.Equal(t, uint64(0), RestoreValue(0xf0, false))
}

// TestDevicePath verifies the driver node naming.
func TestDevicePath(t *testing.T) {
	assert.Equal(t, "/dev/cpu/3/msr", DevicePath(3))
}
