// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTemp writes contents to a new file under the test's temporary
// directory and returns its path. The file is removed with the rest of
// the temporary directory when the test completes.
func WriteTemp(t *testing.T, name string, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// OpenReadOnly opens path read-only and arranges for it to be closed
// when the test completes. Tests that transfer the descriptor away
// (ownership moves to the worker) should use os.Open directly instead.
func OpenReadOnly(t *testing.T, path string) *os.File {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	t.Cleanup(func() { file.Close() })
	return file
}
