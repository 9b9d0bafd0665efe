// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package sandbox

// enablePlatformSandbox reports Unsupported on platforms without a
// sandboxing facility this package knows how to arm. The worker then
// refuses to serve — fail-closed, never best-effort.
func enablePlatformSandbox() (Result, error) {
	return Unsupported, nil
}
