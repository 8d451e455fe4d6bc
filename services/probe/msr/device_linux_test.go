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
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestPinToCore_ReleaseRestoresAffinity verifies the release function puts
// the thread's previous CPU mask back.
func TestPinToCore_ReleaseRestoresAffinity(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var before unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &before))
	core := -1
	for i := 0; i < 1024; i++ {
		if before.IsSet(i) {
			core = i
			break
		}
	}
	require.GreaterOrEqual(t, core, 0, "no usable cpu in affinity mask")

	release, err := PinToCore(core)
	require.NoError(t, err)

	var pinned unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &pinned))
	assert.Equal(t, 1, pinned.Count())
	assert.True(t, pinned.IsSet(core))

	release()
	var after unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &after))
	assert.Equal(t, before, after)
}
