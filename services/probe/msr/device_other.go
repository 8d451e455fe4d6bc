// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux

package msr

// FileDevice is unavailable outside Linux.
type FileDevice struct{}

// Open always fails outside Linux.
func Open(core int) (*FileDevice, error) {
	return nil, ErrUnsupported
}

func (d *FileDevice) Read(address uint32) (uint64, error)    { return 0, ErrUnsupported }
func (d *FileDevice) Write(address uint32, value uint64) error { return ErrUnsupported }
func (d *FileDevice) CoreID() int                               { return -1 }
func (d *FileDevice) Close() error                              { return nil }

// PinToCore always fails outside Linux.
func PinToCore(core int) (func(), error) {
	return nil, ErrUnsupported
}

var _ Device = (*FileDevice)(nil)
