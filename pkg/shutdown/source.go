// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// Source produces a single terminate event.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// Arm subscribes the source. The returned channel is closed or receives a
	// value when the source fires. stop releases whatever Arm acquired and must
	// be safe to call more than once.
	Arm() (fired <-chan struct{}, stop func(), err error)
}

// Signals selects which OS signal sources RegisterDefaults installs.
type Signals struct {
	// TerminateEnabled installs the SIGTERM source on platforms that have it.
	TerminateEnabled bool
}

type signalSource struct {
	name    string
	signals []os.Signal
}

// Signal returns a source that fires on the first of the given OS signals.
func Signal(name string, sigs ...os.Signal) Source {
	return &signalSource{name: name, signals: sigs}
}

// Interrupt fires on os.Interrupt (Ctrl+C).
func Interrupt() Source {
	return Signal("interrupt", os.Interrupt)
}

func (s *signalSource) Name() string { return s.name }

func (s *signalSource) Arm() (<-chan struct{}, func(), error) {
	if len(s.signals) == 0 {
		return nil, nil, ErrNoSignals
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, s.signals...)

	fired := make(chan struct{})
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		select {
		case <-sigs:
			close(fired)
		case <-quit:
		}
	}()

	stop := func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}

	return fired, stop, nil
}

type neverSource struct {
	name string
}

// Never returns a source that never fires. It stands in for signal types the
// platform does not provide.
func Never(name string) Source {
	return neverSource{name: name}
}

func (s neverSource) Name() string { return s.name }

func (s neverSource) Arm() (<-chan struct{}, func(), error) {
	return nil, func() {}, nil
}

type contextSource struct {
	name string
	ctx  context.Context
}

// FromContext returns a source that fires once ctx is done.
func FromContext(name string, ctx context.Context) Source {
	return contextSource{name: name, ctx: ctx}
}

func (s contextSource) Name() string { return s.name }

func (s contextSource) Arm() (<-chan struct{}, func(), error) {
	return s.ctx.Done(), func() {}, nil
}

// ManualSource fires when Fire is called.
type ManualSource struct {
	name  string
	once  sync.Once
	fired chan struct{}
}

// Manual returns a source fired programmatically.
func Manual(name string) *ManualSource {
	return &ManualSource{name: name, fired: make(chan struct{})}
}

func (s *ManualSource) Name() string { return s.name }

func (s *ManualSource) Arm() (<-chan struct{}, func(), error) {
	return s.fired, func() {}, nil
}

// Fire triggers the source. Calls after the first are no-ops.
func (s *ManualSource) Fire() {
	s.once.Do(func() { close(s.fired) })
}
