// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package app turns an http.Handler into a runnable server whose lifetime is
// owned by a shutdown.Coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"go.opendefense.cloud/communicator/pkg/observability"
	"go.opendefense.cloud/communicator/pkg/shutdown"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = "0.0.0.0:3000"

// ErrAlreadyRun is returned by Run on every call after the first.
var ErrAlreadyRun = errors.New("app has already been run")

// ServerTimeouts are passed to the underlying http.Server. Zero values keep
// the net/http defaults.
type ServerTimeouts struct {
	Read       time.Duration
	ReadHeader time.Duration
	Write      time.Duration
	Idle       time.Duration
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// App serves one handler until the coordinator fires.
type App struct {
	addr        string
	handler     http.Handler
	timeouts    ServerTimeouts
	telemetry   *observability.Telemetry
	correlator  *observability.Correlator
	logger      logr.Logger
	coordinator *shutdown.Coordinator
	signals     shutdown.Signals
	teardown    time.Duration
	skipPaths   []string
	sources     []shutdown.Source
	hooks       []hook

	ran       atomic.Bool
	ready     chan struct{}
	addrMu    sync.RWMutex
	boundAddr net.Addr
}

// Option configures an App.
type Option func(a *App)

// WithAddress sets the listen address.
func WithAddress(addr string) Option {
	return func(a *App) {
		a.addr = addr
	}
}

// WithServerTimeouts sets the http.Server timeouts.
func WithServerTimeouts(t ServerTimeouts) Option {
	return func(a *App) {
		a.timeouts = t
	}
}

// WithTelemetry traces and meters every request and flushes the telemetry
// as the last teardown step.
func WithTelemetry(t *observability.Telemetry) Option {
	return func(a *App) {
		a.telemetry = t
	}
}

// WithCorrelator sets the correlator used for request spans and loggers.
func WithCorrelator(c *observability.Correlator) Option {
	return func(a *App) {
		a.correlator = c
	}
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithCoordinator replaces the coordinator built by New. The coordinator
// must be idle.
func WithCoordinator(c *shutdown.Coordinator) Option {
	return func(a *App) {
		a.coordinator = c
	}
}

// WithSignals selects the default OS signal sources.
func WithSignals(s shutdown.Signals) Option {
	return func(a *App) {
		a.signals = s
	}
}

// WithTeardownTimeout bounds the teardown of the coordinator built by New.
func WithTeardownTimeout(d time.Duration) Option {
	return func(a *App) {
		a.teardown = d
	}
}

// WithSource registers an additional shutdown source on Run.
func WithSource(src shutdown.Source) Option {
	return func(a *App) {
		a.sources = append(a.sources, src)
	}
}

// WithSkipPaths excludes paths such as health probes from tracing and metrics.
func WithSkipPaths(paths ...string) Option {
	return func(a *App) {
		a.skipPaths = append(a.skipPaths, paths...)
	}
}

// New wraps handler with recovery, tracing, metrics and trace context
// response headers.
func New(handler http.Handler, opts ...Option) *App {
	a := &App{
		addr:    DefaultAddress,
		signals: shutdown.Signals{TerminateEnabled: true},
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger.GetSink() == nil {
		a.logger = logr.Discard()
	}
	if a.correlator == nil {
		a.correlator = observability.NewCorrelator(observability.WithErrorLogger(a.logger.WithName("correlation")))
	}
	if a.coordinator == nil {
		copts := []shutdown.Option{
			shutdown.WithLogger(a.logger.WithName("shutdown")),
			shutdown.WithTeardownTimeout(a.teardown),
		}
		if a.telemetry != nil {
			copts = append(copts, shutdown.WithMeter(a.telemetry.Meter("shutdown")))
		}
		a.coordinator = shutdown.NewCoordinator(copts...)
	}

	mw := observability.HTTPMiddlewareConfig{
		Correlator:           a.correlator,
		Logger:               a.logger.WithName("http"),
		SkipPaths:            a.skipPaths,
		ResponseTraceContext: true,
	}
	if a.telemetry != nil {
		mw.Tracer = a.telemetry.Tracer("http")
		mw.Meter = a.telemetry.Meter("http")
		mw.Propagator = a.telemetry.Propagator()
	}

	a.handler = observability.HTTPMiddleware(mw)(
		observability.RecoveryMiddleware(a.logger)(handler),
	)

	return a
}

// Handler returns the fully wrapped handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Coordinator returns the coordinator that stops the App.
func (a *App) Coordinator() *shutdown.Coordinator {
	return a.coordinator
}

// OnTeardown adds a hook that runs after the server has drained and before
// telemetry is flushed. Hooks must be added before Run.
func (a *App) OnTeardown(name string, fn func(ctx context.Context) error) {
	a.hooks = append(a.hooks, hook{name: name, fn: fn})
}

// Ready is closed once the listener is bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound listener address, or nil before Ready.
func (a *App) Addr() net.Addr {
	a.addrMu.RLock()
	defer a.addrMu.RUnlock()
	return a.boundAddr
}

// Run binds the listener, serves until the first shutdown source fires and
// tears down. It fires on OS signals, on cancellation of ctx, on serve
// failure and on any source added with WithSource. Bind and registration
// failures are returned before anything is served. After that, only a serve
// failure is returned.
func (a *App) Run(ctx context.Context) error {
	if !a.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.addr, err)
	}

	serverFailed := shutdown.Manual("server-error")
	if err := a.registerSources(ctx, serverFailed); err != nil {
		_ = a.coordinator.Close()
		_ = ln.Close()
		return err
	}

	server := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       a.timeouts.Read,
		ReadHeaderTimeout: a.timeouts.ReadHeader,
		WriteTimeout:      a.timeouts.Write,
		IdleTimeout:       a.timeouts.Idle,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	// Hooks run last registered first: server, user hooks, telemetry.
	if a.telemetry != nil {
		a.coordinator.OnTeardown("telemetry", a.telemetry.Shutdown)
	}
	for _, h := range a.hooks {
		a.coordinator.OnTeardown(h.name, h.fn)
	}
	a.coordinator.OnTeardown("http-server", server.Shutdown)

	a.addrMu.Lock()
	a.boundAddr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	var g errgroup.Group
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(err, "server failed")
			serverFailed.Fire()
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	a.logger.Info("listening", "address", ln.Addr().String())

	result := a.coordinator.Wait()
	if result.TimedOut {
		// Shutdown was abandoned; drop whatever connections remain.
		_ = server.Close()
	}
	serveErr := g.Wait()

	// Teardown failures were logged by the coordinator and do not change the
	// outcome of Run once a source has fired.
	a.logger.V(1).Info("stopped", "source", result.Source, "duration", result.Duration.String(), "timedOut", result.TimedOut)

	return serveErr
}

func (a *App) registerSources(ctx context.Context, serverFailed shutdown.Source) error {
	if err := a.coordinator.RegisterDefaults(a.signals); err != nil {
		return err
	}

	sources := append([]shutdown.Source{shutdown.FromContext("context", ctx), serverFailed}, a.sources...)
	for _, src := range sources {
		if err := a.coordinator.Register(src); err != nil {
			return err
		}
	}
	return nil
}
