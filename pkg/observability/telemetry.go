// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryConfig configures tracing and metrics for one process.
type TelemetryConfig struct {
	Tracer TracerConfig
	Meter  MeterConfig
	// SetGlobal installs the providers and propagator as the otel globals for
	// libraries that only know the global API.
	SetGlobal bool
	// FlushRetryInterval is the initial backoff between force flush attempts
	// during Shutdown.
	FlushRetryInterval time.Duration
	Logger             logr.Logger
}

// Telemetry owns the tracer and meter providers of a process. It is created
// once at startup and shut down on exit; components receive it explicitly.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	propagator     propagation.TextMapPropagator
	metricsHandler http.Handler
	retryInterval  time.Duration
	logger         logr.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewTelemetry initializes tracing and metrics.
func NewTelemetry(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	tp, err := InitTracer(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}

	if cfg.Meter.ServiceName == "" {
		cfg.Meter.ServiceName = cfg.Tracer.ServiceName
	}
	mp, handler, err := InitMeter(ctx, cfg.Meter)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("initializing meter: %w", err)
	}

	t := &Telemetry{
		tracerProvider: tp,
		meterProvider:  mp,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		metricsHandler: handler,
		retryInterval:  cfg.FlushRetryInterval,
		logger:         cfg.Logger,
	}
	if t.retryInterval <= 0 {
		t.retryInterval = 100 * time.Millisecond
	}
	if t.logger.GetSink() == nil {
		t.logger = logr.Discard()
	}

	if cfg.SetGlobal {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(t.propagator)
	}

	return t, nil
}

// Tracer returns a named tracer.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.tracerProvider.Tracer(name)
}

// Meter returns a meter for the given component name.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.meterProvider.Meter(name)
}

// Propagator returns the W3C trace context and baggage propagator.
func (t *Telemetry) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// TracerProvider returns the underlying SDK tracer provider.
func (t *Telemetry) TracerProvider() *sdktrace.TracerProvider {
	return t.tracerProvider
}

// MetricsHandler serves the prometheus scrape endpoint, or is nil when
// metrics are pushed.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// Shutdown flushes buffered spans, retrying with backoff until ctx is done,
// then shuts both providers down. Only the first call does any work.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.shutdownErr = t.shutdown(ctx)
	})
	return t.shutdownErr
}

func (t *Telemetry) shutdown(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryInterval
	b.MaxElapsedTime = 0

	attempt := 0
	flush := func() error {
		attempt++
		err := t.tracerProvider.ForceFlush(ctx)
		if err != nil {
			t.logger.V(1).Info("telemetry flush failed", "attempt", attempt, "error", err.Error())
		}
		return err
	}

	var errs []error
	if err := backoff.Retry(flush, backoff.WithContext(b, ctx)); err != nil {
		errs = append(errs, fmt.Errorf("flushing spans: %w", err))
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tracer provider: %w", err))
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down meter provider: %w", err))
	}

	return errors.Join(errs...)
}
