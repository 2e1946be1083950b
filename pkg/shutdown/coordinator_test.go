// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/zapr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"
)

func waitAsync(c *Coordinator) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- c.Wait()
	}()
	return out
}

var _ = Describe("Coordinator", func() {
	var (
		coord     *Coordinator
		teardowns atomic.Int32
		logs      *observer.ObservedLogs
	)

	BeforeEach(func() {
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		teardowns.Store(0)

		coord = NewCoordinator(WithLogger(zapr.NewLogger(zap.New(core))))
		coord.OnTeardown("counter", func(ctx context.Context) error {
			teardowns.Add(1)
			return nil
		})
	})

	Describe("state machine", func() {
		It("starts idle and ends done", func() {
			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			Expect(coord.State()).To(Equal(StateIdle))

			results := waitAsync(coord)
			Eventually(coord.State).Should(Equal(StateWaiting))
			Consistently(results, 50*time.Millisecond).ShouldNot(Receive())

			src.Fire()

			var res Result
			Eventually(results).Should(Receive(&res))
			Expect(res.Source).To(Equal("manual"))
			Expect(coord.State()).To(Equal(StateDone))
			Expect(coord.Fired()).To(BeClosed())
			Expect(coord.Done()).To(BeClosed())
		})

		It("reports Firing while teardown runs", func() {
			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())

			release := make(chan struct{})
			coord.OnTeardown("blocking", func(ctx context.Context) error {
				<-release
				return nil
			})

			results := waitAsync(coord)
			src.Fire()

			Eventually(coord.Fired()).Should(BeClosed())
			Expect(coord.State()).To(Equal(StateFiring))

			close(release)
			Eventually(results).Should(Receive())
			Expect(coord.State()).To(Equal(StateDone))
		})

		It("rejects registration once waiting", func() {
			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())

			results := waitAsync(coord)
			Eventually(coord.State).Should(Equal(StateWaiting))

			Expect(coord.Register(Manual("late"))).To(MatchError(ErrNotIdle))

			src.Fire()
			Eventually(results).Should(Receive())
			Expect(coord.Register(Manual("later"))).To(MatchError(ErrNotIdle))
		})

		It("fails registration of a signal source without signals", func() {
			err := coord.Register(Signal("empty"))
			Expect(err).To(MatchError(ErrNoSignals))
			Expect(err.Error()).To(ContainSubstring(`"empty"`))
		})

		It("names its states", func() {
			Expect(StateIdle.String()).To(Equal("Idle"))
			Expect(StateWaiting.String()).To(Equal("Waiting"))
			Expect(StateFiring.String()).To(Equal("Firing"))
			Expect(StateDone.String()).To(Equal("Done"))
			Expect(State(42).String()).To(Equal("State(42)"))
		})
	})

	Describe("racing sources", func() {
		It("returns once when source A fires before source B", func() {
			a, b := Manual("a"), Manual("b")
			Expect(coord.Register(a)).To(Succeed())
			Expect(coord.Register(b)).To(Succeed())

			results := waitAsync(coord)
			Eventually(coord.State).Should(Equal(StateWaiting))

			a.Fire()
			b.Fire()

			var res Result
			Eventually(results).Should(Receive(&res))
			Expect(res.Source).To(BeElementOf("a", "b"))
			Expect(teardowns.Load()).To(Equal(int32(1)))

			Consistently(teardowns.Load, 100*time.Millisecond).Should(Equal(int32(1)))
		})

		It("fires exactly once under many concurrent firings and waiters", func() {
			const n = 16

			sources := make([]*ManualSource, n)
			for i := range sources {
				sources[i] = Manual(fmt.Sprintf("source-%d", i))
				Expect(coord.Register(sources[i])).To(Succeed())
			}

			var wg sync.WaitGroup
			results := make(chan Result, n)
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- coord.Wait()
				}()
			}

			Eventually(coord.State).Should(Equal(StateWaiting))

			start := make(chan struct{})
			for _, s := range sources {
				go func(s *ManualSource) {
					<-start
					s.Fire()
					s.Fire()
				}(s)
			}
			close(start)

			wg.Wait()
			close(results)

			var winners []string
			for res := range results {
				winners = append(winners, res.Source)
			}
			Expect(winners).To(HaveLen(n))
			for _, w := range winners {
				Expect(w).To(Equal(winners[0]))
			}

			Expect(teardowns.Load()).To(Equal(int32(1)))
			Expect(logs.FilterMessage("shutdown signal received").Len()).To(Equal(1))
		})

		It("returns immediately when called again", func() {
			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			src.Fire()

			first := coord.Wait()

			done := make(chan Result, 1)
			go func() { done <- coord.Wait() }()

			var second Result
			Eventually(done, 100*time.Millisecond).Should(Receive(&second))
			Expect(second).To(Equal(first))
			Expect(teardowns.Load()).To(Equal(int32(1)))
		})

		It("completes on the interrupt arm when terminate is unavailable", func() {
			interrupt := Manual("interrupt")
			Expect(coord.Register(interrupt)).To(Succeed())
			Expect(coord.Register(Never("terminate"))).To(Succeed())

			results := waitAsync(coord)
			interrupt.Fire()

			var res Result
			Eventually(results).Should(Receive(&res))
			Expect(res.Source).To(Equal("interrupt"))
		})

		It("fires from a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			Expect(coord.Register(FromContext("parent", ctx))).To(Succeed())
			Expect(coord.Register(Never("terminate"))).To(Succeed())

			results := waitAsync(coord)
			cancel()

			var res Result
			Eventually(results).Should(Receive(&res))
			Expect(res.Source).To(Equal("parent"))
		})

		It("registers a never-firing terminate arm when terminate is disabled", func() {
			Expect(coord.RegisterDefaults(Signals{TerminateEnabled: false})).To(Succeed())

			names := make([]string, 0, len(coord.sources))
			for _, s := range coord.sources {
				names = append(names, s.name)
			}
			Expect(names).To(Equal([]string{"interrupt", "terminate"}))
			Expect(coord.sources[0].fired).NotTo(BeNil())
			Expect(coord.sources[1].fired).To(BeNil())

			for _, s := range coord.sources {
				s.stop()
			}
		})
	})

	Describe("teardown", func() {
		It("runs hooks last registered first", func() {
			var order []string
			var mu sync.Mutex
			record := func(name string) func(context.Context) error {
				return func(context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					order = append(order, name)
					return nil
				}
			}

			coord.OnTeardown("telemetry", record("telemetry"))
			coord.OnTeardown("http", record("http"))

			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			src.Fire()
			coord.Wait()

			Expect(order).To(Equal([]string{"http", "telemetry"}))
		})

		It("logs and aggregates hook failures without escalating", func() {
			boom := errors.New("flush failed")
			coord.OnTeardown("failing", func(context.Context) error { return boom })
			coord.OnTeardown("panicking", func(context.Context) error { panic("kaput") })

			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			src.Fire()

			res := coord.Wait()
			Expect(res.TimedOut).To(BeFalse())
			Expect(res.Err).To(HaveOccurred())
			Expect(errors.Is(res.Err, boom)).To(BeTrue())
			Expect(res.Err.Error()).To(ContainSubstring("panic: kaput"))
			Expect(teardowns.Load()).To(Equal(int32(1)))

			Expect(logs.FilterMessage("teardown hook failed").Len()).To(Equal(2))
		})

		It("abandons teardown at the deadline of the clock", func() {
			fakeClock := testingclock.NewFakeClock(time.Now())
			coord = NewCoordinator(WithClock(fakeClock), WithTeardownTimeout(5*time.Second))

			cancelled := make(chan struct{})
			coord.OnTeardown("stuck", func(ctx context.Context) error {
				<-ctx.Done()
				close(cancelled)
				return ctx.Err()
			})

			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())

			results := waitAsync(coord)
			src.Fire()

			Eventually(fakeClock.HasWaiters).Should(BeTrue())
			Consistently(results, 50*time.Millisecond).ShouldNot(Receive())

			fakeClock.Step(5 * time.Second)

			var res Result
			Eventually(results).Should(Receive(&res))
			Expect(res.TimedOut).To(BeTrue())
			Expect(res.Err).To(MatchError(ErrTeardownTimeout))
			Expect(res.Duration).To(Equal(5 * time.Second))
			Eventually(cancelled).Should(BeClosed())
		})

		It("does not wait for a hook that ignores cancellation", func() {
			coord = NewCoordinator(WithTeardownTimeout(50 * time.Millisecond))
			coord.OnTeardown("sleepy", func(context.Context) error {
				time.Sleep(2 * time.Second)
				return nil
			})

			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			src.Fire()

			start := time.Now()
			res := coord.Wait()

			Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
			Expect(res.TimedOut).To(BeTrue())
		})

		It("keeps the default timeout for non-positive values", func() {
			Expect(NewCoordinator(WithTeardownTimeout(0)).timeout).To(Equal(DefaultTeardownTimeout))
			Expect(NewCoordinator(WithTeardownTimeout(time.Second)).timeout).To(Equal(time.Second))
		})
	})

	Describe("fallback arm", func() {
		It("arms the fallback when only never-firing sources are registered", func() {
			fallback := Manual("fallback")
			coord.fallback = func() Source { return fallback }
			Expect(coord.Register(Never("interrupt"))).To(Succeed())
			Expect(coord.Register(Never("terminate"))).To(Succeed())

			results := waitAsync(coord)
			Eventually(coord.State).Should(Equal(StateWaiting))
			fallback.Fire()

			var res Result
			Eventually(results).Should(Receive(&res))
			Expect(res.Source).To(Equal("fallback"))
			Expect(teardowns.Load()).To(Equal(int32(1)))
		})

		It("does not arm the fallback when a live source exists", func() {
			var armed atomic.Bool
			coord.fallback = func() Source {
				armed.Store(true)
				return Never("fallback")
			}
			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			Expect(coord.Register(Never("terminate"))).To(Succeed())

			results := waitAsync(coord)
			src.Fire()
			Eventually(results).Should(Receive())
			Expect(armed.Load()).To(BeFalse())
		})
	})

	Describe("Close", func() {
		It("stops armed sources and forgets them", func() {
			var stops atomic.Int32
			Expect(coord.Register(stopCounter{name: "a", stops: &stops})).To(Succeed())
			Expect(coord.Register(stopCounter{name: "b", stops: &stops})).To(Succeed())

			Expect(coord.Close()).To(Succeed())
			Expect(stops.Load()).To(Equal(int32(2)))
			Expect(coord.sources).To(BeEmpty())
			Expect(coord.State()).To(Equal(StateIdle))
		})

		It("refuses once Wait has started", func() {
			src := Manual("manual")
			Expect(coord.Register(src)).To(Succeed())
			src.Fire()
			coord.Wait()

			Expect(coord.Close()).To(MatchError(ErrNotIdle))
		})
	})
})

type stopCounter struct {
	name  string
	stops *atomic.Int32
}

func (s stopCounter) Name() string { return s.name }

func (s stopCounter) Arm() (<-chan struct{}, func(), error) {
	return make(chan struct{}), func() { s.stops.Add(1) }, nil
}
