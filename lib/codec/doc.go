// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Stitch's standard CBOR encoding configuration.
// All wire messages between the client and the worker process are encoded
// through this package so that both sides agree on one deterministic
// encoding, rather than importing fxamacker/cbor directly.
package codec
