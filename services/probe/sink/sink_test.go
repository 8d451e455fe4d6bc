// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/msrprobe/services/probe/pmc"
)

type recordingWriter struct {
	points []*write.Point
	err    error
}

func (w *recordingWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, points...)
	return nil
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

// TestInfluxSink_Deviations verifies one tagged point per deviation.
func TestInfluxSink_Deviations(t *testing.T) {
	w := &recordingWriter{}
	s := newInfluxSink(w, "run-1", 3, nil)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	devs := []pmc.Deviation{
		{Threshold: pmc.Threshold{Test: "t1", Counter: "RDTSC", Reference: 1000, Lower: 990, Upper: 1010}, Observed: 2000},
		{Threshold: pmc.Threshold{Test: "t2", Counter: "A", Reference: 5, Lower: 4, Upper: 6}, Observed: 9},
	}
	require.NoError(t, s.Deviations(context.Background(), "phase2", 0x10, 0x4, devs))
	require.Len(t, w.points, 2)

	p := w.points[0]
	assert.Equal(t, MeasurementDeviation, p.Name())
	assert.Equal(t, fixed, p.Time())
	assert.Equal(t, map[string]string{
		"run_id": "run-1", "core": "3", "phase": "phase2",
		"msr": "0x10", "mask": "0x4", "test": "t1", "counter": "RDTSC",
	}, tags(p))
	assert.Equal(t, 2000.0, fields(p)["observed"])

	require.NoError(t, s.Deviations(context.Background(), "phase2", 0x10, 0x4, nil))
	assert.Len(t, w.points, 2, "empty deviation list writes nothing")
}

// TestInfluxSink_Calibration verifies threshold and summary points.
func TestInfluxSink_Calibration(t *testing.T) {
	w := &recordingWriter{}
	s := newInfluxSink(w, "run-1", 0, nil)

	store := pmc.NewStore()
	store.Put(pmc.Threshold{Test: "t1", Counter: "A", Reference: 1, Lower: 1, Upper: 1})
	store.Put(pmc.Threshold{Test: "t1", Counter: "B", Reference: 2, Lower: 1, Upper: 3})
	require.NoError(t, s.Calibration(context.Background(), store, pmc.CalibrationStats{Tries: 20, Converged: true}))

	require.Len(t, w.points, 3)
	assert.Equal(t, MeasurementThreshold, w.points[0].Name())
	assert.Equal(t, "A", tags(w.points[0])["counter"])
	assert.Equal(t, MeasurementCalibration, w.points[2].Name())
	assert.Equal(t, true, fields(w.points[2])["converged"])
}

// TestInfluxSink_WriteError verifies write failures are wrapped.
func TestInfluxSink_WriteError(t *testing.T) {
	boom := errors.New("connection refused")
	s := newInfluxSink(&recordingWriter{err: boom}, "run-1", 0, nil)
	err := s.Deviations(context.Background(), "phase3", 0x10, 0x1, []pmc.Deviation{{}})
	assert.ErrorIs(t, err, boom)
}

// TestNewInfluxSink_Health verifies the startup health check.
func TestNewInfluxSink_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name":"influxdb","message":"ready for queries and writes","status":"pass","checks":[],"version":"v2.7.0","commit":"abc"}`))
		}))
		defer srv.Close()

		s, err := NewInfluxSink(context.Background(), InfluxConfig{URL: srv.URL, Org: "o", Bucket: "b"}, "run-1", 3, nil)
		require.NoError(t, err)
		assert.NoError(t, s.Close())
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"name":"influxdb","message":"not ready","status":"fail","checks":[]}`))
		}))
		defer srv.Close()

		_, err := NewInfluxSink(context.Background(), InfluxConfig{URL: srv.URL, Org: "o", Bucket: "b", Timeout: time.Second}, "run-1", 3, nil)
		assert.ErrorIs(t, err, ErrUnhealthy)
	})
}

// TestNop verifies the discarding sink.
func TestNop(t *testing.T) {
	var s Sink = Nop{}
	assert.NoError(t, s.Deviations(context.Background(), "phase2", 0, 0, nil))
	assert.NoError(t, s.Calibration(context.Background(), pmc.NewStore(), pmc.CalibrationStats{}))
	assert.NoError(t, s.Close())
}
