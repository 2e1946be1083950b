// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package shutdown turns several termination signal sources into a single
// terminal event for a server run loop.
//
// A Coordinator moves through Idle, Waiting, Firing and Done and never goes
// back. Sources are armed on Register, so signals arriving before Wait are not
// lost. The first source to fire wins the race; teardown hooks then run once,
// bounded by the teardown timeout, before Wait returns.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(
//	    shutdown.WithLogger(logger),
//	    shutdown.WithTeardownTimeout(5*time.Second),
//	)
//	if err := coord.RegisterDefaults(shutdown.Signals{TerminateEnabled: true}); err != nil {
//	    return err
//	}
//	coord.OnTeardown("telemetry", telemetry.Shutdown)
//	coord.OnTeardown("http", server.Shutdown)
//
//	go server.Serve(listener)
//	res := coord.Wait()
//
// Hooks run last registered first, so the HTTP server drains before telemetry
// is flushed. A hook that outlives the timeout has its context cancelled and is
// abandoned; Wait returns regardless.
package shutdown
