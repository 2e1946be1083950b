// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"go.opendefense.cloud/communicator/pkg/observability"
	"go.opendefense.cloud/communicator/pkg/shutdown"
)

func newTestTelemetry(t *testing.T) (*observability.Telemetry, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tel, err := observability.NewTelemetry(context.Background(), observability.TelemetryConfig{
		Tracer: observability.TracerConfig{
			ServiceName:   "communicator-test",
			SamplingRatio: 1,
			Exporter:      exporter,
		},
		Meter: observability.MeterConfig{Exporter: observability.MetricsExporterNone},
	})
	require.NoError(t, err)

	return tel, exporter
}

func startApp(t *testing.T, a *App, ctx context.Context) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-errCh:
		t.Fatalf("Run() returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener not ready")
	}

	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func TestRun_ServesUntilSourceFires(t *testing.T) {
	tel, exporter := newTestTelemetry(t)
	core, logs := observer.New(zapcore.InfoLevel)
	stop := shutdown.Manual("test")

	traceIDs := make(chan string, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceIDs <- observability.TraceIDFromContext(r.Context())
		observability.LoggerFromContext(r.Context()).Info("handled")
		_, _ = io.WriteString(w, "pong")
	})

	var teardowns atomic.Int32
	a := New(handler,
		WithAddress("127.0.0.1:0"),
		WithTelemetry(tel),
		WithLogger(zapr.NewLogger(zap.New(core))),
		WithSignals(shutdown.Signals{}),
		WithSource(stop),
	)
	a.OnTeardown("count", func(context.Context) error {
		teardowns.Add(1)
		return nil
	})

	errCh := startApp(t, a, context.Background())

	resp, err := http.Get("http://" + a.Addr().String() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	handlerTraceID := <-traceIDs
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`, resp.Header.Get("traceparent"))
	assert.Contains(t, resp.Header.Get("traceparent"), handlerTraceID)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, handlerTraceID, spans[0].SpanContext.TraceID().String())

	handled := logs.FilterMessage("handled").All()
	require.Len(t, handled, 1)
	assert.Equal(t, handlerTraceID, handled[0].ContextMap()["trace_id"])

	before := logs.Len()
	stop.Fire()
	stop.Fire()

	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, int32(1), teardowns.Load())
	assert.Equal(t, shutdown.StateDone, a.Coordinator().State())

	// One info line per terminal event.
	after := logs.All()[before:]
	require.Len(t, after, 1)
	assert.Equal(t, "shutdown signal received", after[0].Message)

	// The listener is closed after teardown.
	_, err = net.DialTimeout("tcp", a.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := New(http.NotFoundHandler(),
		WithAddress("127.0.0.1:0"),
		WithSignals(shutdown.Signals{}),
	)

	errCh := startApp(t, a, ctx)
	cancel()

	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, shutdown.StateDone, a.Coordinator().State())
}

func TestRun_AlreadyRun(t *testing.T) {
	stop := shutdown.Manual("test")
	a := New(http.NotFoundHandler(),
		WithAddress("127.0.0.1:0"),
		WithSignals(shutdown.Signals{}),
		WithSource(stop),
	)

	errCh := startApp(t, a, context.Background())
	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRun)

	stop.Fire()
	require.NoError(t, waitRun(t, errCh))
	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRun)
}

func TestRun_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	a := New(http.NotFoundHandler(), WithAddress(ln.Addr().String()))

	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
	assert.Equal(t, shutdown.StateIdle, a.Coordinator().State())
}

func TestRun_TeardownOrder(t *testing.T) {
	stop := shutdown.Manual("test")

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	a := New(http.NotFoundHandler(),
		WithAddress("127.0.0.1:0"),
		WithSignals(shutdown.Signals{}),
		WithSource(stop),
	)
	a.OnTeardown("first", record("first"))
	a.OnTeardown("second", record("second"))

	errCh := startApp(t, a, context.Background())
	stop.Fire()
	require.NoError(t, waitRun(t, errCh))

	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRun_TeardownErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	stop := shutdown.Manual("test")
	a := New(http.NotFoundHandler(),
		WithAddress("127.0.0.1:0"),
		WithLogger(zapr.NewLogger(zap.New(core))),
		WithSignals(shutdown.Signals{}),
		WithSource(stop),
	)
	a.OnTeardown("telemetry-flush", func(context.Context) error {
		return errors.New("collector unreachable")
	})

	errCh := startApp(t, a, context.Background())
	stop.Fire()

	require.NoError(t, waitRun(t, errCh))

	failed := logs.FilterMessage("teardown hook failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "telemetry-flush", failed[0].ContextMap()["hook"])
	assert.Equal(t, "collector unreachable", failed[0].ContextMap()["error"])
}

func TestRun_TeardownTimeout(t *testing.T) {
	stop := shutdown.Manual("test")
	a := New(http.NotFoundHandler(),
		WithAddress("127.0.0.1:0"),
		WithSignals(shutdown.Signals{}),
		WithSource(stop),
		WithTeardownTimeout(50*time.Millisecond),
	)
	a.OnTeardown("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return ctx.Err()
	})

	errCh := startApp(t, a, context.Background())
	start := time.Now()
	stop.Fire()

	require.NoError(t, waitRun(t, errCh))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, shutdown.StateDone, a.Coordinator().State())
}

type countingSource struct {
	name  string
	stops *atomic.Int32
	err   error
}

func (s countingSource) Name() string { return s.name }

func (s countingSource) Arm() (<-chan struct{}, func(), error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return make(chan struct{}), func() { s.stops.Add(1) }, nil
}

func TestRun_RegistrationFailureReleasesSources(t *testing.T) {
	var stops atomic.Int32
	a := New(http.NotFoundHandler(),
		WithAddress("127.0.0.1:0"),
		WithSignals(shutdown.Signals{TerminateEnabled: true}),
		WithSource(countingSource{name: "armed", stops: &stops}),
		WithSource(countingSource{name: "broken", err: assert.AnError}),
	)

	err := a.Run(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int32(1), stops.Load())
	assert.Equal(t, shutdown.StateIdle, a.Coordinator().State())
	assert.NoError(t, a.Coordinator().Close())
}

func TestNew_SkipPaths(t *testing.T) {
	tel, exporter := newTestTelemetry(t)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	a := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), WithTelemetry(tel), WithSkipPaths("/healthz"))

	srv := &http.Server{Handler: a.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("traceparent"))
	assert.Empty(t, exporter.GetSpans())
}

func TestNew_RecoversPanics(t *testing.T) {
	a := New(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	srv := &http.Server{Handler: a.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
