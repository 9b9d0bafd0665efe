// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the worker-side request queue and
// dispatch loop: the serialization point where patch requests arriving
// on one binding are executed one at a time.
//
// A reader goroutine decodes inbound messages and hands them to a
// single dispatch goroutine over an unbuffered channel — accept
// concurrently, execute serially. No second request leaves the queue
// until the current one's patch invocation has returned and its
// response has been sent, so the worker holds at most one in-flight
// patch regardless of how many requests callers enqueue, and
// responses leave in exactly the order requests were dequeued.
//
// Constructing a [Worker] requires an armed [sandbox.State]; the
// fail-closed activation ordering is enforced by the constructor
// signature, not by convention. Per-request failures (bad patch,
// unwritable output) produce a failure response and leave the loop
// running; only a broken binding ends it.
package worker
