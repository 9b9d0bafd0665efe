// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package patch reads and writes Stitch delta patches.
//
// A patch reconstructs a new blob from an old blob plus a stream of
// hunks. The file begins with a fixed header (magic, format version,
// and a varint-length extension area skipped by readers that do not
// understand it), followed by a zstd-compressed body. Each hunk in the
// body is an add run (bytes of the old blob combined with difference
// bytes), a copy run (literal new bytes), and a relative seek applied
// to the old blob.
//
// The central type is [Patcher], which implements [io.Reader]: the
// reconstructed blob is produced incrementally as it is read, so a
// patch can be applied in a streaming fashion without buffering either
// the patch or the output. [Apply] is the convenience wrapper that
// drains a Patcher into a writer and reports the bytes written.
//
// Patch application never returns partial success: any I/O error,
// malformed header, or truncated hunk surfaces as an error from Read.
// Package patch deliberately has no opinion on where its inputs come
// from; sandboxing of untrusted patches is the worker package's job.
package patch
