// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge turns abstract byte streams into OS file descriptors.
//
// The IPC transport between the client and the worker process can
// transfer file descriptors but not Go values, so a caller holding an
// io.Reader or io.Writer that is not backed by a descriptor cannot
// hand it to the worker directly. The bridge closes that gap: it
// creates an anonymous pipe, hands the far end back as an *os.File
// ready for transfer, and runs a pump goroutine that copies bytes
// between the stream and the near end.
//
// The pump runs concurrently with the far end's consumer. This is not
// an optimization: a pipe's kernel buffer is bounded, so a sequential
// fill-then-send approach would deadlock for any stream larger than
// the buffer. The pipe's blocking semantics double as backpressure — a
// slow consumer stalls the pump instead of forcing unbounded
// buffering of patch data.
//
// A pump owns its near pipe end and its stream, and releases both on
// every exit path: stream exhaustion, I/O error, or context
// cancellation. On error the pipe closes early, so the far side
// observes a short stream and must treat the transfer as failed.
package bridge
