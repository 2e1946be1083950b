// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package shutdown

import (
	"os"
	"syscall"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Signal sources", func() {
	It("names the platform sources", func() {
		Expect(Interrupt().Name()).To(Equal("interrupt"))
		Expect(Terminate().Name()).To(Equal("terminate"))
	})

	// SIGUSR2 is used because the test runner reserves SIGINT and SIGTERM.
	It("fires on a delivered OS signal", func() {
		coord := NewCoordinator()
		Expect(coord.Register(Signal("user2", syscall.SIGUSR2))).To(Succeed())
		Expect(coord.Register(Never("terminate"))).To(Succeed())

		results := waitAsync(coord)
		Eventually(coord.State).Should(Equal(StateWaiting))

		Expect(syscall.Kill(os.Getpid(), syscall.SIGUSR2)).To(Succeed())

		var res Result
		Eventually(results).Should(Receive(&res))
		Expect(res.Source).To(Equal("user2"))
	})

	It("stops listening once stopped", func() {
		fired, stop, err := Signal("user2", syscall.SIGUSR2).Arm()
		Expect(err).NotTo(HaveOccurred())

		stop()
		stop()

		Consistently(fired, "50ms").ShouldNot(BeClosed())
	})
})
