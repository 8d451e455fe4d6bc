// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink exports confirmed deviations and calibration results to an
// external time-series store for cross-run analysis.
//
// The CSV files written by each phase remain the source of truth; a sink
// failure is logged and never stops probing.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/msrprobe/services/probe/pmc"
	"github.com/AleutianAI/msrprobe/services/probe/util"
)

// Measurement names.
const (
	MeasurementDeviation   = "msrprobe_deviation"
	MeasurementThreshold   = "msrprobe_threshold"
	MeasurementCalibration = "msrprobe_calibration"
)

// ErrUnhealthy is returned when the InfluxDB health check fails.
var ErrUnhealthy = errors.New("influxdb is not healthy")

// Sink receives probe findings.
type Sink interface {
	// Deviations records the confirmed deviations of one mask.
	Deviations(ctx context.Context, phase string, address uint32, mask uint64, devs []pmc.Deviation) error

	// Calibration records a calibrated store.
	Calibration(ctx context.Context, store *pmc.Store, stats pmc.CalibrationStats) error

	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Deviations(context.Context, string, uint32, uint64, []pmc.Deviation) error {
	return nil
}

func (Nop) Calibration(context.Context, *pmc.Store, pmc.CalibrationStats) error {
	return nil
}

func (Nop) Close() error {
	return nil
}

// InfluxConfig configures an InfluxSink.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`

	// Timeout bounds the startup health check.
	Timeout time.Duration `yaml:"timeout"`
}

// pointWriter is the part of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes findings to InfluxDB v2.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	writer pointWriter
	runID  string
	core   int
	now    func() time.Time
	logger *slog.Logger
}

// NewInfluxSink connects to InfluxDB and checks its health.
//
// # Inputs
//
//   - ctx: Bounds the health check together with cfg.Timeout
//   - cfg: Server and bucket
//   - runID: Tags every point
//   - core: Probed core, tags every point
//   - logger: Logger. Nil selects slog.Default().
func NewInfluxSink(ctx context.Context, cfg InfluxConfig, runID string, core int, logger *slog.Logger) (*InfluxSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	health, err := client.Health(hctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		status := "unknown"
		if health != nil {
			status = string(health.Status)
		}
		return nil, fmt.Errorf("%w: status %s", ErrUnhealthy, status)
	}

	s := newInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), runID, core, logger)
	s.client = client
	s.logger.Info("influx sink ready",
		slog.String("url", cfg.URL),
		slog.String("bucket", cfg.Bucket))
	return s, nil
}

func newInfluxSink(w pointWriter, runID string, core int, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &InfluxSink{
		writer: w,
		runID:  runID,
		core:   core,
		now:    time.Now,
		logger: logger.With(slog.String("component", "sink")),
	}
}

// Deviations writes one point per deviation.
func (s *InfluxSink) Deviations(ctx context.Context, phase string, address uint32, mask uint64, devs []pmc.Deviation) error {
	if len(devs) == 0 {
		return nil
	}
	ts := s.now()
	points := make([]*write.Point, 0, len(devs))
	for _, d := range devs {
		points = append(points, influxdb2.NewPoint(
			MeasurementDeviation,
			map[string]string{
				"run_id":  s.runID,
				"core":    fmt.Sprint(s.core),
				"phase":   phase,
				"msr":     util.Hex(address),
				"mask":    util.Hex(mask),
				"test":    d.Test,
				"counter": d.Counter,
			},
			map[string]interface{}{
				"reference": d.Reference,
				"lower":     d.Lower,
				"upper":     d.Upper,
				"observed":  d.Observed,
			},
			ts,
		))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write deviations: %w", err)
	}
	return nil
}

// Calibration writes every threshold and one summary point.
func (s *InfluxSink) Calibration(ctx context.Context, store *pmc.Store, stats pmc.CalibrationStats) error {
	ts := s.now()
	thresholds := store.Sorted()
	points := make([]*write.Point, 0, len(thresholds)+1)
	for _, t := range thresholds {
		points = append(points, influxdb2.NewPoint(
			MeasurementThreshold,
			map[string]string{
				"run_id":  s.runID,
				"core":    fmt.Sprint(s.core),
				"test":    t.Test,
				"counter": t.Counter,
			},
			map[string]interface{}{
				"reference": t.Reference,
				"lower":     t.Lower,
				"upper":     t.Upper,
			},
			ts,
		))
	}
	points = append(points, influxdb2.NewPoint(
		MeasurementCalibration,
		map[string]string{"run_id": s.runID, "core": fmt.Sprint(s.core)},
		map[string]interface{}{
			"tries":      stats.Tries,
			"widenings":  stats.Widenings,
			"thresholds": stats.Thresholds,
			"converged":  stats.Converged,
			"duration_s": stats.Duration.Seconds(),
		},
		ts,
	))
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

var (
	_ Sink = Nop{}
	_ Sink = (*InfluxSink)(nil)
)
