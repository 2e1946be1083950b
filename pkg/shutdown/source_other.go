// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package shutdown

// Terminate never fires on platforms without SIGTERM.
func Terminate() Source {
	return Never("terminate")
}
