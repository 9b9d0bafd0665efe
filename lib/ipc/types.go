// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Message kinds. A patch request flows client→worker; the two
// response kinds flow worker→client, carrying the request ID of the
// request they answer.
const (
	// KindPatch asks the worker to reconstruct a blob. The message
	// carries exactly PatchDescriptorCount descriptors as SCM_RIGHTS
	// payload, in the order old, patch source, output destination.
	// Ownership of all three transfers to the worker.
	KindPatch = "patch"

	// KindPatchSucceeded reports a completed reconstruction and the
	// number of bytes written to the output destination.
	KindPatchSucceeded = "patch-succeeded"

	// KindPatchFailed reports a failed reconstruction. It carries no
	// detail: the patch bytes are untrusted, and parse-error specifics
	// must not leak back across the trust boundary. The worker logs
	// the underlying error on its own (trusted) side.
	KindPatchFailed = "patch-failed"
)

// PatchDescriptorCount is the number of descriptors a KindPatch
// message must carry. A message with any other count is malformed and
// is dropped by the worker without a response.
const PatchDescriptorCount = 3

// Message is the single wire message shape for both directions.
type Message struct {
	// Kind is one of the Kind* constants.
	Kind string `cbor:"kind"`

	// RequestID is the reply address: the client assigns it on
	// submission and the worker echoes it on the response, letting
	// the client route each response to the one pending callback it
	// belongs to.
	RequestID uint64 `cbor:"request_id"`

	// BytesWritten is the reconstructed blob's size. Set only on
	// KindPatchSucceeded.
	BytesWritten uint64 `cbor:"bytes_written,omitempty"`
}
