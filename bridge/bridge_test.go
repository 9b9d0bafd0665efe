// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stitch-foundation/stitch/lib/testutil"
)

// randomBytes returns size deterministic pseudo-random bytes.
func randomBytes(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

// collectingSink is a WriteCloser that accumulates writes and closes
// a channel when the pump releases it, making pump completion
// observable without joining the goroutine.
type collectingSink struct {
	mu     sync.Mutex
	buffer bytes.Buffer
	done   chan struct{}
}

func newCollectingSink() *collectingSink {
	return &collectingSink{done: make(chan struct{})}
}

func (s *collectingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Write(p)
}

func (s *collectingSink) Close() error {
	close(s.done)
	return nil
}

func (s *collectingSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buffer.Bytes()...)
}

func TestReadEndDeliversLargeStream(t *testing.T) {
	// 1 MiB is far beyond the kernel pipe buffer, so this only passes
	// if the pump runs concurrently with the consumer.
	payload := randomBytes(t, 1<<20)

	descriptor, err := ReadEnd(context.Background(), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}, nil)
	if err != nil {
		t.Fatalf("ReadEnd: %v", err)
	}
	defer descriptor.Close()

	received, err := io.ReadAll(descriptor)
	if err != nil {
		t.Fatalf("reading bridged descriptor: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Errorf("received %d bytes, want %d identical bytes", len(received), len(payload))
	}
}

func TestWriteEndDeliversLargeStream(t *testing.T) {
	payload := randomBytes(t, 1<<20)
	sink := newCollectingSink()

	descriptor, err := WriteEnd(context.Background(), func() (io.WriteCloser, error) {
		return sink, nil
	}, nil)
	if err != nil {
		t.Fatalf("WriteEnd: %v", err)
	}

	if _, err := descriptor.Write(payload); err != nil {
		t.Fatalf("writing to bridged descriptor: %v", err)
	}
	descriptor.Close()

	testutil.RequireClosed(t, sink.done, 5*time.Second, "pump draining into sink")
	if !bytes.Equal(sink.bytes(), payload) {
		t.Errorf("sink received %d bytes, want %d identical bytes", len(sink.bytes()), len(payload))
	}
}

// failingReader yields some bytes, then an error.
type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, errors.New("stream broke")
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	return n, nil
}

func (r *failingReader) Close() error { return nil }

func TestReadEndSourceErrorGivesShortStream(t *testing.T) {
	descriptor, err := ReadEnd(context.Background(), func() (io.ReadCloser, error) {
		return &failingReader{remaining: 100}, nil
	}, nil)
	if err != nil {
		t.Fatalf("ReadEnd: %v", err)
	}
	defer descriptor.Close()

	// The consumer must observe a closed pipe after the partial data,
	// never a hang and never invented bytes.
	received, err := io.ReadAll(descriptor)
	if err != nil {
		t.Fatalf("reading bridged descriptor: %v", err)
	}
	if len(received) != 100 {
		t.Errorf("received %d bytes, want 100", len(received))
	}
}

func TestReadEndFactoryErrorGivesEmptyStream(t *testing.T) {
	descriptor, err := ReadEnd(context.Background(), func() (io.ReadCloser, error) {
		return nil, errors.New("no such stream")
	}, nil)
	if err != nil {
		t.Fatalf("ReadEnd: %v", err)
	}
	defer descriptor.Close()

	received, err := io.ReadAll(descriptor)
	if err != nil {
		t.Fatalf("reading bridged descriptor: %v", err)
	}
	if len(received) != 0 {
		t.Errorf("received %d bytes, want 0", len(received))
	}
}

// endlessZeros never exhausts, standing in for a stuck or unbounded
// source.
type endlessZeros struct{}

func (endlessZeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func (endlessZeros) Close() error { return nil }

func TestReadEndCancellationReleasesPump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	descriptor, err := ReadEnd(ctx, func() (io.ReadCloser, error) {
		return endlessZeros{}, nil
	}, nil)
	if err != nil {
		t.Fatalf("ReadEnd: %v", err)
	}
	defer descriptor.Close()

	// Leave the descriptor unread so the pump blocks on a full pipe
	// buffer, then cancel. The pump must close its end, turning the
	// endless stream into a finite one for the consumer.
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(io.Discard, descriptor)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "consumer draining after cancellation")
}
