// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded message types and the
// descriptor-carrying transport for the client↔worker boundary. Both
// the client package and cmd/stitch-worker import this package so the
// wire types are defined once rather than mirrored.
//
// The transport is a SOCK_SEQPACKET Unix socketpair: message
// boundaries are preserved, per-binding ordering is guaranteed by the
// kernel, and open file descriptors travel as SCM_RIGHTS ancillary
// data alongside the message that refers to them.
package ipc
