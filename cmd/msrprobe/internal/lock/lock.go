// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock keeps two msrprobe processes from mutating registers at the
// same time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Config configures a Lock.
type Config struct {
	// Dir holds the lock and PID files. Default: os.TempDir().
	Dir string

	// Name is the base name of both files. Default: "msrprobe".
	Name string
}

// HeldError is returned by Acquire when another process holds the lock.
type HeldError struct {
	HolderPID int
	LockPath  string
}

func (e *HeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another msrprobe instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another msrprobe instance is running (check: lsof %s)", e.LockPath)
}

// Lock is an advisory flock(2) lock with a PID file for diagnostics.
//
// # Description
//
// The kernel drops the flock when the holder exits, so a crashed run never
// leaves a stale lock; only the PID file may linger.
//
// # Thread Safety
//
// Not safe for concurrent use. Use from main.
type Lock struct {
	lockPath string
	pidPath  string
	file     *os.File
}

// New creates a lock without acquiring it.
func New(cfg Config) *Lock {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Name == "" {
		cfg.Name = "msrprobe"
	}
	return &Lock{
		lockPath: filepath.Join(cfg.Dir, cfg.Name+".lock"),
		pidPath:  filepath.Join(cfg.Dir, cfg.Name+".pid"),
	}
}

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: *HeldError when another process holds it; file errors otherwise
func (l *Lock) Acquire() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create lock file %s: %w", l.lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &HeldError{HolderPID: l.HolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	l.file = f
	// The PID file is informational; the flock is what excludes.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	os.Remove(l.pidPath)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this Lock holds the lock.
func (l *Lock) IsHeld() bool {
	return l.file != nil
}

// HolderPID returns the PID recorded by the holder, or 0.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}
