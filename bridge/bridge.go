// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Source produces the readable stream a pump copies from. The factory
// is invoked on the pump goroutine, not the caller's, so a factory
// that opens a network connection or starts a decompressor does its
// blocking work off the submission path.
type Source func() (io.ReadCloser, error)

// Sink produces the writable stream a pump copies into. Like Source,
// it is invoked on the pump goroutine.
type Sink func() (io.WriteCloser, error)

// ReadEnd returns the read end of a new pipe whose write end is fed
// by a pump copying from the source stream. The returned descriptor
// is ready for transfer immediately; the pump runs until the source
// is exhausted, an I/O error occurs, or ctx is cancelled, and then
// closes both the stream and its pipe end.
//
// Ownership of the returned *os.File passes to the caller. The caller
// never joins the pump; an error inside it surfaces to the far side
// as a short stream.
func ReadEnd(ctx context.Context, source Source, logger *slog.Logger) (*os.File, error) {
	if logger == nil {
		logger = slog.Default()
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: creating pipe: %w", err)
	}

	go func() {
		defer writeEnd.Close()

		stream, sourceError := source()
		if sourceError != nil {
			logger.Error("bridge source factory failed", "error", sourceError)
			return
		}
		defer stream.Close()

		// Cancellation unblocks a stuck pump by closing both ends it
		// is blocked on. The far side then sees a short stream.
		stopCancelWatch := context.AfterFunc(ctx, func() {
			writeEnd.Close()
			stream.Close()
		})
		defer stopCancelWatch()

		bytesCopied, copyError := io.Copy(writeEnd, stream)
		if copyError != nil {
			logger.Debug("bridge source pump ended with error",
				"bytes_copied", bytesCopied,
				"error", copyError,
			)
		}
	}()

	return readEnd, nil
}

// WriteEnd returns the write end of a new pipe whose read end is
// drained by a pump copying into the sink stream. The returned
// descriptor is ready for transfer immediately; the pump runs until
// the far side closes its end (pipe EOF), an I/O error occurs, or ctx
// is cancelled, and then closes both the stream and its pipe end.
//
// If the sink fails mid-copy the pump closes its pipe end early, so
// the far side's next write fails rather than silently vanishing.
func WriteEnd(ctx context.Context, sink Sink, logger *slog.Logger) (*os.File, error) {
	if logger == nil {
		logger = slog.Default()
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: creating pipe: %w", err)
	}

	go func() {
		defer readEnd.Close()

		stream, sinkError := sink()
		if sinkError != nil {
			logger.Error("bridge sink factory failed", "error", sinkError)
			return
		}

		stopCancelWatch := context.AfterFunc(ctx, func() {
			readEnd.Close()
		})

		bytesCopied, copyError := io.Copy(stream, readEnd)
		stopCancelWatch()

		if closeError := stream.Close(); closeError != nil && copyError == nil {
			copyError = closeError
		}
		if copyError != nil {
			logger.Debug("bridge sink pump ended with error",
				"bytes_copied", bytesCopied,
				"error", copyError,
			)
		}
	}()

	return writeEnd, nil
}
