// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for msrprobe.
//
// This package initializes the OTel SDK for tracing and metrics. Phases and
// trials open spans; counters and histograms record trial outcomes,
// deviations and calibration progress.
//
// # Trace Backend
//
// OTLP over gRPC, pretty-printed stdout, or none. Probing runs are usually
// offline, so the default is none.
//
// # Metrics Backend
//
// The prometheus exporter registers with a private prometheus registry.
// msrprobe is a batch job with no HTTP listener, so WriteTextfile dumps the
// registry in the node-exporter textfile format at exit.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - MSRPROBE_ENV: environment name (default: lab)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry
