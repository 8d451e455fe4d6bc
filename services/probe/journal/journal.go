// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal keeps a write-ahead record of every register mutation in
// flight, so a killed or crashed run can be restored.
//
// Each flip is recorded before the register write and cleared after the
// restore is confirmed. Whatever remains at the next start was interrupted
// and is replayed by Recover.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/msrprobe/services/probe/msr"
	"github.com/AleutianAI/msrprobe/services/probe/storage/badger"
	"github.com/AleutianAI/msrprobe/services/probe/telemetry"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// -----------------------------------------------------------------------------
// Journal Errors
// -----------------------------------------------------------------------------

var (
	// ErrJournalClosed is returned when operations are called on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when an entry fails its integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrRecoveryIncomplete is returned when some pending entries could not
	// be restored. They stay in the journal.
	ErrRecoveryIncomplete = errors.New("journal recovery incomplete")

	// ErrNilDB is returned when New is called without a database.
	ErrNilDB = errors.New("db must not be nil")
)

const keyPrefix = "pending:"

// Entry describes one register mutation in flight.
type Entry struct {
	// ID is the journal sequence number, assigned by Record.
	ID uint64

	// RunID identifies the msrprobe run that recorded the entry.
	RunID string

	// Core is the logical core whose register was mutated.
	Core int

	// Address is the register.
	Address uint32

	// Mask is the flip-mask applied.
	Mask uint64

	// RestoreValue is the absolute value that undoes the mutation. Writing
	// it is correct whether or not the mutation reached the hardware.
	RestoreValue uint64

	// WriteOnly is true when the register could not be read before the flip.
	WriteOnly bool

	// Phase names the stage that recorded the entry.
	Phase string

	// TraceID is the trace of the recording run, empty when tracing is off.
	TraceID string

	RecordedAt time.Time
}

// Recorder records mutations so an interrupted run can be restored.
// *Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e Entry) (uint64, error)
	Clear(ctx context.Context, id uint64) error
}

// Config configures a Journal.
type Config struct {
	// RunID tags new entries. Required.
	RunID string

	// SkipCorrupted makes Pending skip entries failing their CRC instead of
	// returning ErrJournalCorrupted.
	SkipCorrupted bool

	// Logger for journal operations. Default: slog.Default().
	Logger *slog.Logger
}

// Journal is a BadgerDB-backed write-ahead log of register mutations.
//
// # Description
//
// Entries are CRC32-framed gob records under "pending:<seq>". Sequence
// numbers continue across runs, so entries left by an earlier process sort
// before new ones.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger
	seq    atomic.Uint64
	closed atomic.Bool
}

// New opens a journal on db.
//
// # Inputs
//
//   - db: Open database. The journal does not close it.
//   - cfg: Journal configuration. RunID is required.
//
// # Outputs
//
//   - *Journal: Ready journal, sequence continuing after existing entries
//   - error: Non-nil if the existing keys cannot be scanned
func New(ctx context.Context, db *badger.DB, cfg Config) (*Journal, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id must not be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "journal"), slog.String("run_id", cfg.RunID)),
	}

	var last uint64
	err := db.ScanPrefix(ctx, []byte(keyPrefix), func(key, _ []byte) error {
		seq, err := parseKey(key)
		if err != nil {
			return err
		}
		last = max(last, seq)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	j.seq.Store(last)
	return j, nil
}

// Record writes e before the mutation it describes and returns its ID.
func (j *Journal) Record(ctx context.Context, e Entry) (uint64, error) {
	if j.closed.Load() {
		return 0, ErrJournalClosed
	}
	ctx, span := telemetry.StartSpan(ctx, "probe.journal", "Journal.Record",
		trace.WithAttributes(
			attribute.String("msr", util.Hex(e.Address)),
			attribute.String("mask", util.Hex(e.Mask)),
		),
	)
	defer span.End()

	e.ID = j.seq.Add(1)
	e.RunID = j.cfg.RunID
	e.TraceID = telemetry.TraceID(ctx)
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	data, err := encodeEntry(e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0, fmt.Errorf("encode entry: %w", err)
	}
	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(entryKey(e.ID), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return 0, fmt.Errorf("write entry: %w", err)
	}
	j.logger.Debug("mutation journaled",
		slog.Uint64("id", e.ID),
		slog.String("msr", util.Hex(e.Address)),
		slog.String("mask", util.Hex(e.Mask)))
	return e.ID, nil
}

// Clear removes the entry with id once its mutation is undone.
func (j *Journal) Clear(ctx context.Context, id uint64) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	err := j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(entryKey(id))
	})
	if err != nil {
		return fmt.Errorf("clear entry %d: %w", id, err)
	}
	return nil
}

// Pending returns all entries in sequence order.
func (j *Journal) Pending(ctx context.Context) ([]Entry, error) {
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}
	var out []Entry
	err := j.db.ScanPrefix(ctx, []byte(keyPrefix), func(key, value []byte) error {
		e, err := decodeEntry(value)
		if err != nil {
			if j.cfg.SkipCorrupted {
				j.logger.Warn("skipping corrupted journal entry",
					slog.String("key", string(key)),
					slog.String("error", err.Error()))
				return nil
			}
			return fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecoveryFailure is a pending entry that could not be restored.
type RecoveryFailure struct {
	Entry Entry
	Err   error
}

// RecoveryReport summarizes a Recover call.
type RecoveryReport struct {
	// Restored entries were written back and removed from the journal.
	Restored []Entry

	// Skipped entries belong to another core and were left untouched.
	Skipped []Entry

	// Failed entries could not be written back and stay in the journal.
	Failed []RecoveryFailure
}

// Recover writes back every pending entry recorded for dev's core.
//
// # Description
//
// Entries are replayed newest first, so when one register has several
// entries the oldest pre-mutation value is written last. Each successful
// write removes its entry. Entries recorded for other cores are skipped.
//
// # Outputs
//
//   - RecoveryReport: What was restored, skipped and failed
//   - error: ErrRecoveryIncomplete when any write failed; journal errors
func (j *Journal) Recover(ctx context.Context, dev msr.Device) (RecoveryReport, error) {
	var report RecoveryReport
	ctx, span := telemetry.StartSpan(ctx, "probe.journal", "Journal.Recover",
		trace.WithAttributes(attribute.Int("core", dev.CoreID())))
	defer span.End()

	pending, err := j.Pending(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	slices.Reverse(pending)

	metrics := telemetry.Default()
	for _, e := range pending {
		if e.Core != dev.CoreID() {
			report.Skipped = append(report.Skipped, e)
			continue
		}
		if err := dev.Write(e.Address, e.RestoreValue); err != nil {
			j.logger.Error("journal restore failed",
				slog.Uint64("id", e.ID),
				slog.String("msr", util.Hex(e.Address)),
				slog.String("error", err.Error()))
			report.Failed = append(report.Failed, RecoveryFailure{Entry: e, Err: err})
			continue
		}
		if err := j.Clear(ctx, e.ID); err != nil {
			telemetry.RecordError(span, err)
			return report, err
		}
		metrics.JournalRecoveredTotal.Add(ctx, 1)
		j.logger.Warn("restored register from journal",
			slog.Uint64("id", e.ID),
			slog.String("recorded_by", e.RunID),
			slog.String("trace_id", e.TraceID),
			slog.String("phase", e.Phase),
			slog.String("msr", util.Hex(e.Address)),
			slog.String("value", util.Hex(e.RestoreValue)))
		report.Restored = append(report.Restored, e)
	}

	span.SetAttributes(
		attribute.Int("restored", len(report.Restored)),
		attribute.Int("failed", len(report.Failed)),
	)
	if len(report.Failed) > 0 {
		err := fmt.Errorf("%w: %d of %d entries", ErrRecoveryIncomplete, len(report.Failed), len(pending))
		telemetry.RecordError(span, err)
		return report, err
	}
	return report, nil
}

// Close marks the journal closed. The database stays open.
func (j *Journal) Close() error {
	j.closed.Store(true)
	return nil
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", keyPrefix, seq))
}

func parseKey(key []byte) (uint64, error) {
	s := strings.TrimPrefix(string(key), keyPrefix)
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad key %q", ErrJournalCorrupted, key)
	}
	return seq, nil
}

// encodeEntry encodes an entry with a leading CRC32: [4-byte CRC][gob data].
func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	result := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(result[:4], crc32.ChecksumIEEE(buf.Bytes()))
	copy(result[4:], buf.Bytes())
	return result, nil
}

// decodeEntry validates the CRC32 and decodes an entry.
func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 5 {
		return Entry{}, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return Entry{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, stored, computed)
	}
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("%w: gob decode: %v", ErrJournalCorrupted, err)
	}
	return e, nil
}

var _ Recorder = (*Journal)(nil)
