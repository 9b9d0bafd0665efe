// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "testing"

// ArmedStateForTest returns an armed State without applying any
// platform sandbox, so tests can run the dispatch loop in-process.
// The testing.TB parameter keeps this constructor unreachable from
// production code paths.
func ArmedStateForTest(tb testing.TB) *State {
	tb.Helper()
	return &State{result: Enabled}
}
