// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the caller-facing façade over a sandboxed patch
// worker. A Client owns one worker process and the binding to it;
// Submit queues patch requests without blocking, and a dedicated
// response goroutine delivers each request's outcome to its callback
// exactly once, in submission order.
package client
