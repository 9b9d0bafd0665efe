// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox arms the worker process's execution sandbox before
// it touches attacker-influenced bytes.
//
// [Activate] is a one-shot, process-wide gate. On Linux it applies a
// Landlock ruleset that removes all filesystem access (every resource
// the worker needs is already open as a descriptor) and then loads a
// seccomp BPF filter restricting the process to the small set of
// system calls the Go runtime and the patch loop require, with
// kill-process as the default action. Platforms without both
// facilities report [Unsupported].
//
// The policy is fail-closed: only [Enabled] permits the worker to
// serve requests. Unsupported and Failed are equally fatal — a
// platform where the sandbox cannot be armed must not become an
// unsandboxed patch-application oracle. There is no retry within a
// process; a worker that fails activation exits and is restarted
// externally.
//
// The [State] returned by a successful activation is the dispatch
// loop's proof of arming: the loop cannot be constructed without one,
// which makes the ordering invariant (sandbox first, untrusted bytes
// second) checkable at compile time rather than by convention.
package sandbox
