// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Stitch packages.
package testutil
