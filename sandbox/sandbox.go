// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Result is the outcome of a sandbox activation attempt.
type Result int

const (
	// Failed means a supported sandboxing facility was detected but
	// arming it failed.
	Failed Result = -1

	// Unsupported means no supported sandboxing facility exists on
	// this platform or kernel.
	Unsupported Result = 0

	// Enabled means the sandbox is armed. This is the only result
	// that permits the worker to serve requests.
	Enabled Result = 1
)

// String returns the result name for logs.
func (r Result) String() string {
	switch r {
	case Enabled:
		return "enabled"
	case Unsupported:
		return "unsupported"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// State is proof that this process's sandbox gate has been resolved
// to Enabled. A non-nil State exists only as the return value of a
// successful [Activate] call; holding one is holding the permission
// to read untrusted bytes.
type State struct {
	result Result
}

// Armed reports whether the sandbox is active. Always true for a
// State produced by Activate; the nil-receiver check keeps a
// defaulted field from masquerading as proof.
func (s *State) Armed() bool {
	return s != nil && s.result == Enabled
}

// activated latches the one permitted Activate call for this process
// lifetime. The sandbox state machine has no transition back from a
// resolved state; a process that failed activation restarts, it does
// not retry.
var activated atomic.Bool

// ErrAlreadyActivated is returned by a second Activate call in the
// same process.
var ErrAlreadyActivated = errors.New("sandbox: Activate called twice in one process")

// Activate arms the platform sandbox. It must be called exactly once,
// at worker startup, strictly before any byte of caller-supplied data
// is read.
//
// Only the Enabled result carries a non-nil State. Unsupported and
// Failed both mean the process must refuse to serve; the distinction
// exists for logging and exit codes, not for policy. An error
// accompanies Failed with the trusted-side detail.
func Activate() (*State, Result, error) {
	if !activated.CompareAndSwap(false, true) {
		return nil, Failed, ErrAlreadyActivated
	}

	result, err := enablePlatformSandbox()
	if result != Enabled {
		// Anything short of an affirmative Enabled, including an
		// unknown value, resolves to not-armed.
		return nil, result, err
	}
	return &State{result: Enabled}, Enabled, nil
}
