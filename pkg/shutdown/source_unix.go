// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package shutdown

import "syscall"

// Terminate fires on SIGTERM.
func Terminate() Source {
	return Signal("terminate", syscall.SIGTERM)
}
