// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the msrprobe logger: human-readable records on
// stderr and, optionally, a JSON audit file per day that keeps every
// register mutation of a lab machine on record.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config configures a Logger.
type Config struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string

	// JSON switches the console handler to JSON.
	JSON bool

	// Dir enables the audit file when set. A leading ~ is expanded.
	Dir string

	// Service names the audit file and tags every record.
	Service string

	// Console receives the human-readable records. Default: os.Stderr.
	Console io.Writer
}

// Logger is a slog.Logger with an optional audit file.
//
// # Thread Safety
//
// Safe for concurrent use. Close once, after the last record.
type Logger struct {
	*slog.Logger
	file *os.File
	path string
}

// New creates a logger.
//
// # Outputs
//
//   - *Logger: Ready logger. Close it to sync the audit file.
//   - error: Unknown level, or the audit file cannot be opened
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}
	if cfg.Service == "" {
		cfg.Service = "msrprobe"
	}
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if cfg.JSON {
		console = slog.NewJSONHandler(cfg.Console, opts)
	} else {
		console = slog.NewTextHandler(cfg.Console, opts)
	}

	l := &Logger{}
	handler := console
	if cfg.Dir != "" {
		dir := expandPath(cfg.Dir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		l.path = filepath.Join(dir, fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		// The audit file keeps debug records so every write is on record
		// whatever the console level.
		audit := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
		handler = &multiHandler{handlers: []slog.Handler{console, audit}}
	}

	l.Logger = slog.New(handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)}))
	return l, nil
}

// Path returns the audit file path, or "" when disabled.
func (l *Logger) Path() string {
	return l.path
}

// Close syncs and closes the audit file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	return err
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends r to every enabled handler and reports the first failure
// after all of them ran.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
