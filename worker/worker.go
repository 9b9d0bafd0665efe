// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/stitch-foundation/stitch/lib/ipc"
	"github.com/stitch-foundation/stitch/patch"
	"github.com/stitch-foundation/stitch/sandbox"
)

// Patcher reconstructs a new blob from an old blob and a patch
// stream, writing it to output and reporting the bytes written. A
// Patcher fails by returning an error — never by a sentinel count.
type Patcher interface {
	Patch(old io.ReadSeeker, patchSource io.Reader, output io.Writer) (uint64, error)
}

// PatcherFunc adapts a function to the Patcher interface.
type PatcherFunc func(old io.ReadSeeker, patchSource io.Reader, output io.Writer) (uint64, error)

// Patch implements Patcher.
func (f PatcherFunc) Patch(old io.ReadSeeker, patchSource io.Reader, output io.Writer) (uint64, error) {
	return f(old, patchSource, output)
}

// DefaultPatcher applies the Stitch delta patch format.
var DefaultPatcher Patcher = PatcherFunc(patch.Apply)

// Worker is the dispatch side of one binding.
type Worker struct {
	conn    *ipc.Conn
	state   *sandbox.State
	patcher Patcher
	logger  *slog.Logger
}

// New builds the dispatch loop for conn. The state parameter is the
// proof of sandbox arming from [sandbox.Activate]; New refuses to
// build a Worker without it, so an unarmed process cannot reach the
// point of reading untrusted bytes.
func New(conn *ipc.Conn, state *sandbox.State, patcher Patcher, logger *slog.Logger) (*Worker, error) {
	if !state.Armed() {
		return nil, errors.New("worker: sandbox state is not armed")
	}
	if patcher == nil {
		patcher = DefaultPatcher
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{conn: conn, state: state, patcher: patcher, logger: logger}, nil
}

// patchRequest is one dequeued request: the wire message plus the
// three transferred descriptors, owned by the dispatch loop from
// here on.
type patchRequest struct {
	message ipc.Message
	files   []*os.File
}

// Run consumes requests until the binding closes, the context is
// cancelled, or a response cannot be sent. A clean peer shutdown
// (EOF) returns nil.
func (w *Worker) Run(ctx context.Context) error {
	requests := make(chan patchRequest)
	readResult := make(chan error, 1)

	go func() {
		defer close(requests)
		readResult <- w.readLoop(ctx, requests)
	}()

	// Cancellation unblocks the reader by closing the binding.
	stopCancelWatch := context.AfterFunc(ctx, func() { w.conn.Close() })
	defer stopCancelWatch()

	var runError error
	for request := range requests {
		if runError != nil {
			// The binding is already broken; release the request's
			// descriptors without executing it.
			closeFiles(request.files)
			continue
		}
		if err := w.execute(request); err != nil {
			w.logger.Error("sending response failed, closing binding", "error", err)
			w.conn.Close()
			runError = err
		}
	}

	if readError := <-readResult; runError == nil {
		runError = readError
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return runError
}

// readLoop decodes and validates inbound messages, forwarding
// well-formed patch requests to the dispatch channel. Malformed
// messages are dropped without a response: the worker cannot answer a
// request it cannot attribute, and a response invented for garbage
// would break the one-response-per-request guarantee for everyone
// else on the binding.
func (w *Worker) readLoop(ctx context.Context, requests chan<- patchRequest) error {
	for {
		message, files, err := w.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if message.Kind != ipc.KindPatch {
			w.logger.Warn("dropping message of unexpected kind",
				"kind", message.Kind,
				"request_id", message.RequestID,
			)
			closeFiles(files)
			continue
		}
		if len(files) != ipc.PatchDescriptorCount {
			w.logger.Warn("dropping patch request with wrong descriptor count",
				"request_id", message.RequestID,
				"descriptors", len(files),
			)
			closeFiles(files)
			continue
		}

		select {
		case requests <- patchRequest{message: message, files: files}:
		case <-ctx.Done():
			closeFiles(files)
			return ctx.Err()
		}
	}
}

// execute runs one request to completion and sends its single
// response. The returned error is non-nil only when the response
// could not be sent; patch failures are a normal outcome and are
// reported to the caller as an opaque failure message.
func (w *Worker) execute(request patchRequest) error {
	defer closeFiles(request.files)

	// Armed is checked per request even though New already required
	// it: a request must never reach the patcher in an unarmed
	// process, whatever programming error produced one.
	if !w.state.Armed() {
		w.logger.Error("patch request in unarmed process", "request_id", request.message.RequestID)
		return w.respond(ipc.Message{Kind: ipc.KindPatchFailed, RequestID: request.message.RequestID})
	}

	oldFile, patchFile, outputFile := request.files[0], request.files[1], request.files[2]

	response := ipc.Message{Kind: ipc.KindPatchFailed, RequestID: request.message.RequestID}
	if err := verifyDistinct(request.files); err != nil {
		w.logger.Warn("rejecting patch request", "request_id", request.message.RequestID, "error", err)
	} else if bytesWritten, err := w.patcher.Patch(oldFile, patchFile, outputFile); err != nil {
		// Full detail stays on this (trusted) side of the boundary;
		// the caller sees only that the request failed.
		w.logger.Warn("patch application failed",
			"request_id", request.message.RequestID,
			"error", err,
		)
	} else {
		response = ipc.Message{
			Kind:         ipc.KindPatchSucceeded,
			RequestID:    request.message.RequestID,
			BytesWritten: bytesWritten,
		}
		w.logger.Info("patch applied",
			"request_id", request.message.RequestID,
			"bytes_written", bytesWritten,
		)
	}

	return w.respond(response)
}

func (w *Worker) respond(message ipc.Message) error {
	if err := w.conn.WriteMessage(message, nil); err != nil {
		return fmt.Errorf("worker: sending %s for request %d: %w", message.Kind, message.RequestID, err)
	}
	return nil
}

// verifyDistinct checks that the request's descriptors refer to three
// distinct resources. Overlapping descriptors (the output aliasing
// the old blob, say) would let the patch loop read bytes it is
// concurrently writing.
func verifyDistinct(files []*os.File) error {
	type identity struct {
		device uint64
		inode  uint64
	}
	seen := make(map[identity]int, len(files))
	for i, file := range files {
		var stat unix.Stat_t
		if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
			return fmt.Errorf("worker: stat on descriptor %d: %w", i, err)
		}
		id := identity{device: uint64(stat.Dev), inode: uint64(stat.Ino)}
		if previous, duplicate := seen[id]; duplicate {
			return fmt.Errorf("worker: descriptors %d and %d refer to the same resource", previous, i)
		}
		seen[id] = i
	}
	return nil
}

func closeFiles(files []*os.File) {
	for _, file := range files {
		file.Close()
	}
}
