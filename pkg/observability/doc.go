// Copyright 2025 BWI GmbH and Artifact Conduit contributors
// SPDX-License-Identifier: Apache-2.0

// Package observability provides tracing, metrics, logging and trace
// correlation for communicator components.
//
// The package wraps OpenTelemetry SDK to provide:
//   - Distributed tracing with OTLP export (gRPC or HTTP)
//   - Metrics with OTLP export or a prometheus scrape handler
//   - Structured logging via zap behind logr
//   - Trace correlation: fixed-width trace and span ids on log records and spans
//   - HTTP middleware for automatic span creation
//
// Nothing is installed globally unless TelemetryConfig.SetGlobal is set; a
// Telemetry value is created once and handed to whoever needs it.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	tel, err := observability.NewTelemetry(ctx, observability.TelemetryConfig{
//	    Tracer: observability.TracerConfig{
//	        ServiceName:   "websocket-communicator",
//	        Endpoint:      "jaeger:4317",
//	        Insecure:      true,
//	        SamplingRatio: 1,
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Correlate logs with the active span:
//
//	c := observability.NewCorrelator()
//	logger := observability.Propagate(c.Logger(ctx, logger)).Logger
//	logger.Info("request processed", "status", 200)
//
// Attach ids to an arbitrary record:
//
//	fields := observability.Fields{}
//	if err := c.Attach(fields, c.CurrentContext(ctx)); err != nil {
//	    // malformed context, a propagation bug
//	}
//
// Use HTTP middleware:
//
//	handler := observability.HTTPMiddleware(observability.HTTPMiddlewareConfig{
//	    Tracer:     tel.Tracer("http"),
//	    Meter:      tel.Meter("http"),
//	    Propagator: tel.Propagator(),
//	    Correlator: c,
//	})(myHandler)
package observability
