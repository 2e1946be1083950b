// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"
)

// DefaultTeardownTimeout bounds teardown when no timeout is configured.
const DefaultTeardownTimeout = 5 * time.Second

var (
	// ErrNotIdle is returned when a source is registered after Wait was called.
	ErrNotIdle = errors.New("coordinator is no longer idle")

	// ErrNoSignals is returned when a signal source subscribes to nothing.
	ErrNoSignals = errors.New("signal source has no signals to subscribe to")

	// ErrTeardownTimeout is reported in Result.Err when teardown was abandoned.
	ErrTeardownTimeout = errors.New("teardown timeout exceeded")
)

// State is the lifecycle state of a Coordinator.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateFiring
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaiting:
		return "Waiting"
	case StateFiring:
		return "Firing"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result describes the terminal event. Teardown errors in Err have already
// been logged.
type Result struct {
	// Source is the name of the source that fired.
	Source string
	// Duration is how long teardown took.
	Duration time.Duration
	// Err aggregates teardown failures.
	Err error
	// TimedOut is set when teardown was abandoned at the timeout.
	TimedOut bool
}

// Option configures a Coordinator.
type Option func(c *Coordinator)

// WithLogger sets the logger for the Coordinator.
func WithLogger(l logr.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithTeardownTimeout bounds the time spent in teardown hooks. Non-positive
// values keep the default.
func WithTeardownTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces the clock used for the teardown deadline.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithMeter records shutdown metrics on the given meter.
func WithMeter(m metric.Meter) Option {
	return func(c *Coordinator) {
		c.meter = m
	}
}

type armedSource struct {
	name  string
	fired <-chan struct{}
	stop  func()
}

type teardownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// Coordinator turns a set of racing signal sources into a single terminal
// event and runs the registered teardown hooks once, under a deadline.
type Coordinator struct {
	logger  logr.Logger
	clock   clock.Clock
	timeout time.Duration
	meter   metric.Meter

	signalsTotal     metric.Int64Counter
	teardownDuration metric.Float64Histogram

	mu       sync.Mutex
	sources  []armedSource
	hooks    []teardownHook
	fallback func() Source

	state  atomic.Int32
	fired  chan struct{}
	done   chan struct{}
	result Result
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   logr.Discard(),
		clock:    clock.RealClock{},
		timeout:  DefaultTeardownTimeout,
		meter:    noop.NewMeterProvider().Meter(""),
		fallback: Interrupt,
		fired:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.signalsTotal, _ = c.meter.Int64Counter(
		"shutdown_signals_total",
		metric.WithDescription("Terminal shutdown events by source"),
		metric.WithUnit("{signal}"),
	)
	c.teardownDuration, _ = c.meter.Float64Histogram(
		"shutdown_teardown_duration_seconds",
		metric.WithDescription("Time spent in shutdown teardown"),
		metric.WithUnit("s"),
	)

	return c
}

// Register arms src and adds it to the race. An error means the process
// cannot guarantee a graceful shutdown and should not start serving.
func (c *Coordinator) Register(src Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != StateIdle {
		return ErrNotIdle
	}

	fired, stop, err := src.Arm()
	if err != nil {
		return fmt.Errorf("registering shutdown source %q: %w", src.Name(), err)
	}
	if stop == nil {
		stop = func() {}
	}

	c.sources = append(c.sources, armedSource{name: src.Name(), fired: fired, stop: stop})
	c.logger.V(1).Info("registered shutdown source", "source", src.Name())

	return nil
}

// RegisterDefaults registers the interrupt source and, when enabled, the
// terminate source. A disabled terminate source is replaced by one that never
// fires.
func (c *Coordinator) RegisterDefaults(cfg Signals) error {
	if err := c.Register(Interrupt()); err != nil {
		return err
	}

	if !cfg.TerminateEnabled {
		return c.Register(Never("terminate"))
	}

	return c.Register(Terminate())
}

// Close releases every registered source without firing. It is used to roll
// back a startup that failed after sources were armed. Close returns
// ErrNotIdle once Wait has been called.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != StateIdle {
		return ErrNotIdle
	}

	for _, s := range c.sources {
		s.stop()
	}
	c.sources = nil

	return nil
}

// OnTeardown adds a hook run once the terminal event fired. Hooks run one
// after another, last registered first, and share the teardown deadline.
func (c *Coordinator) OnTeardown(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks = append(c.hooks, teardownHook{name: name, fn: fn})
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Fired returns a channel closed once a source has fired.
func (c *Coordinator) Fired() <-chan struct{} {
	return c.fired
}

// Done returns a channel closed once teardown has finished or was abandoned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the first registered source fires, runs teardown and
// returns. It returns exactly once per terminal event: concurrent callers
// block until teardown finished and later callers return the same Result
// immediately. Wait cannot be cancelled.
func (c *Coordinator) Wait() Result {
	c.mu.Lock()
	first := c.state.CompareAndSwap(int32(StateIdle), int32(StateWaiting))
	if first && !hasLiveArm(c.sources) {
		// Keep at least one live arm in the race.
		src := c.fallback()
		if fired, stop, err := src.Arm(); err == nil {
			c.sources = append(c.sources, armedSource{name: src.Name(), fired: fired, stop: stop})
		} else {
			c.logger.Error(err, "arming fallback shutdown source", "source", src.Name())
		}
	}
	sources := slices.Clone(c.sources)
	c.mu.Unlock()

	if !first {
		<-c.done
		return c.result
	}

	winner := race(sources)

	c.state.Store(int32(StateFiring))
	close(c.fired)

	for _, s := range sources {
		s.stop()
	}

	c.logger.Info("shutdown signal received", "source", winner)
	c.signalsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", winner)))

	c.result = c.teardown(winner)

	c.state.Store(int32(StateDone))
	close(c.done)

	return c.result
}

func hasLiveArm(sources []armedSource) bool {
	return slices.ContainsFunc(sources, func(s armedSource) bool {
		return s.fired != nil
	})
}

// race returns the name of the first source to fire. Later firings are
// dropped.
func race(sources []armedSource) string {
	winner := make(chan string, 1)
	quit := make(chan struct{})
	defer close(quit)

	for _, s := range sources {
		if s.fired == nil {
			continue
		}

		go func(s armedSource) {
			select {
			case <-s.fired:
				select {
				case winner <- s.name:
				default:
				}
			case <-quit:
			}
		}(s)
	}

	return <-winner
}

func (c *Coordinator) teardown(source string) Result {
	start := c.clock.Now()
	res := Result{Source: source}

	c.mu.Lock()
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan error, 1)
	go func() {
		finished <- c.runHooks(ctx, hooks)
	}()

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-finished:
		res.Err = err
	case <-timer.C():
		res.TimedOut = true
		res.Err = ErrTeardownTimeout
		c.logger.Error(ErrTeardownTimeout, "abandoning teardown", "timeout", c.timeout)
	}

	res.Duration = c.clock.Since(start)
	c.teardownDuration.Record(context.Background(), res.Duration.Seconds())

	return res
}

func (c *Coordinator) runHooks(ctx context.Context, hooks []teardownHook) error {
	var errs []error

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := runHook(ctx, h); err != nil {
			c.logger.Error(err, "teardown hook failed", "hook", h.name)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	return utilerrors.NewAggregate(errs)
}

func runHook(ctx context.Context, h teardownHook) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	return h.fn(ctx)
}
