// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stitch-foundation/stitch/lib/testutil"
)

// connPair wires both ends of a binding in-process: the "client" Conn
// from Socketpair and a "worker" Conn wrapped around the peer file.
func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	client, peerFile, err := Socketpair()
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	worker, err := FromFile(peerFile)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	t.Cleanup(func() { worker.Close() })
	return client, worker
}

func TestMessageRoundtrip(t *testing.T) {
	client, worker := connPair(t)

	sent := Message{Kind: KindPatchSucceeded, RequestID: 17, BytesWritten: 1951728}
	if err := client.WriteMessage(sent, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	received, files, err := worker.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("received %d descriptors, want 0", len(files))
	}
	if received != sent {
		t.Errorf("received %+v, want %+v", received, sent)
	}
}

func TestMessageOrderPreserved(t *testing.T) {
	client, worker := connPair(t)

	const count = 32
	for i := uint64(0); i < count; i++ {
		if err := client.WriteMessage(Message{Kind: KindPatch, RequestID: i}, nil); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}
	for i := uint64(0); i < count; i++ {
		received, _, err := worker.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if received.RequestID != i {
			t.Fatalf("message %d arrived with request ID %d", i, received.RequestID)
		}
	}
}

func TestDescriptorTransfer(t *testing.T) {
	client, worker := connPair(t)

	// Three distinct files standing in for old/patch/output.
	var sentFiles []*os.File
	var paths []string
	for i := 0; i < PatchDescriptorCount; i++ {
		path := testutil.WriteTemp(t, fmt.Sprintf("resource-%d", i), []byte(fmt.Sprintf("contents %d", i)))
		paths = append(paths, path)
		sentFiles = append(sentFiles, testutil.OpenReadOnly(t, path))
	}

	if err := client.WriteMessage(Message{Kind: KindPatch, RequestID: 1}, sentFiles); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	message, receivedFiles, err := worker.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if message.Kind != KindPatch {
		t.Errorf("kind = %q, want %q", message.Kind, KindPatch)
	}
	if len(receivedFiles) != PatchDescriptorCount {
		t.Fatalf("received %d descriptors, want %d", len(receivedFiles), PatchDescriptorCount)
	}

	// SCM_RIGHTS must preserve order: each received descriptor reads
	// the content of the file sent at the same position.
	for i, file := range receivedFiles {
		defer file.Close()
		contents, err := io.ReadAll(file)
		if err != nil {
			t.Fatalf("reading transferred descriptor %d: %v", i, err)
		}
		if want := fmt.Sprintf("contents %d", i); string(contents) != want {
			t.Errorf("descriptor %d read %q, want %q (from %s)", i, contents, want, paths[i])
		}
	}
}

func TestReadAfterCloseReportsEOF(t *testing.T) {
	client, worker := connPair(t)

	client.Close()
	_, _, err := worker.ReadMessage()
	if !errors.Is(err, io.EOF) {
		t.Errorf("error = %v, want io.EOF", err)
	}
}
