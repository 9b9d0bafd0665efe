// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/stitch-foundation/stitch/bridge"
	"github.com/stitch-foundation/stitch/lib/ipc"
)

// ErrClosed is returned by Submit after Close, and delivered to every
// in-flight callback when the worker binding is lost before its
// response arrived.
var ErrClosed = errors.New("client: worker binding closed")

// ErrPatchFailed is the opaque failure a callback receives when the
// worker rejected or could not apply a patch. The worker logs the
// underlying cause on its own side; no detail crosses the binding.
var ErrPatchFailed = errors.New("client: worker reported patch failure")

// Result is a completed request's outcome. Exactly one of
// BytesWritten and Err is meaningful: Err is nil on success.
type Result struct {
	// BytesWritten is the size of the reconstructed blob as reported
	// by the worker.
	BytesWritten uint64

	// Err is non-nil when the patch failed or the binding was lost.
	Err error
}

// Source is where the patch bytes come from. Construct one with
// SourceFile or SourceStream; the two are functionally equivalent and
// differ only in whether a bridge pipe sits between the stream and
// the worker.
type Source struct {
	file   *os.File
	stream bridge.Source
}

// SourceFile supplies the patch from an already-open descriptor. The
// worker receives a duplicate; the caller keeps ownership of file and
// closes it after the callback has run.
func SourceFile(file *os.File) Source {
	return Source{file: file}
}

// SourceStream supplies the patch from an abstract stream. The
// factory runs on a pump goroutine (see [bridge.ReadEnd]); the worker
// reads the stream through a pipe.
func SourceStream(factory func() (io.ReadCloser, error)) Source {
	return Source{stream: factory}
}

// Output is where the reconstructed blob goes. Construct one with
// OutputFile or OutputStream.
type Output struct {
	file   *os.File
	stream bridge.Sink
}

// OutputFile writes the reconstructed blob to an already-open
// descriptor. The caller keeps ownership of file.
func OutputFile(file *os.File) Output {
	return Output{file: file}
}

// OutputStream writes the reconstructed blob into an abstract stream
// through a bridge pipe (see [bridge.WriteEnd]).
func OutputStream(factory func() (io.WriteCloser, error)) Output {
	return Output{stream: factory}
}

// Options configures a Client.
type Options struct {
	// WorkerBinary is the path of the worker executable to spawn.
	WorkerBinary string

	// Logger receives the client's diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client owns one worker process and the binding to it. Methods are
// safe for concurrent use.
type Client struct {
	conn    *ipc.Conn
	command *exec.Cmd
	logger  *slog.Logger

	// lifetime is cancelled by Close so bridge pumps for abandoned
	// requests release their pipe ends and exit.
	lifetime       context.Context
	cancelLifetime context.CancelFunc

	nextRequestID atomic.Uint64

	// sendMutex serializes writes on the binding.
	sendMutex sync.Mutex

	// mutex guards pending and closed.
	mutex   sync.Mutex
	pending map[uint64]func(Result)
	closed  bool

	readerDone chan struct{}
}

// New spawns a worker process and returns a Client bound to it. The
// worker inherits its end of the binding as descriptor 3 and shares
// the client's stderr, so its structured log output lands alongside
// the caller's.
func New(options Options) (*Client, error) {
	if options.WorkerBinary == "" {
		return nil, errors.New("client: no worker binary configured")
	}

	conn, peerFile, err := ipc.Socketpair()
	if err != nil {
		return nil, err
	}

	command := exec.Command(options.WorkerBinary)
	command.ExtraFiles = []*os.File{peerFile} // becomes fd 3 in the worker
	command.Stderr = os.Stderr

	if err := command.Start(); err != nil {
		conn.Close()
		peerFile.Close()
		return nil, fmt.Errorf("client: starting worker %q: %w", options.WorkerBinary, err)
	}
	// The worker holds its own copy of the peer end.
	peerFile.Close()

	client := newWithConn(conn, options.Logger)
	client.command = command
	return client, nil
}

// newWithConn builds a Client over an existing binding. Tests use it
// to bind an in-process worker instead of spawning one.
func newWithConn(conn *ipc.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	lifetime, cancelLifetime := context.WithCancel(context.Background())
	client := &Client{
		conn:           conn,
		logger:         logger,
		lifetime:       lifetime,
		cancelLifetime: cancelLifetime,
		pending:        make(map[uint64]func(Result)),
		readerDone:     make(chan struct{}),
	}
	go client.readResponses()
	return client
}

// Submit queues one patch request and returns without waiting for the
// outcome. It opens oldPath read-only, resolves the patch source and
// output destination to descriptors, and hands all three to the
// worker. onComplete runs exactly once, on the client's response
// goroutine, with the request's Result; it must not block.
//
// A returned error means the request was never handed to the worker
// and onComplete will not run.
func (c *Client) Submit(oldPath string, source Source, output Output, onComplete func(Result)) error {
	if onComplete == nil {
		return errors.New("client: nil completion callback")
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}
	c.mutex.Unlock()

	oldFile, err := os.Open(oldPath)
	if err != nil {
		return fmt.Errorf("client: opening old blob: %w", err)
	}

	// Descriptors created here (the old file and any bridge pipe
	// ends) are owned by the request; close tracks them so they are
	// released once the kernel holds the worker's duplicates, or on
	// any failure before that.
	owned := []*os.File{oldFile}
	closeOwned := func() {
		for _, file := range owned {
			file.Close()
		}
	}

	sourceFile := source.file
	if sourceFile == nil {
		if source.stream == nil {
			closeOwned()
			return errors.New("client: source has no file and no stream")
		}
		sourceFile, err = bridge.ReadEnd(c.lifetime, source.stream, c.logger)
		if err != nil {
			closeOwned()
			return err
		}
		owned = append(owned, sourceFile)
	}

	outputFile := output.file
	if outputFile == nil {
		if output.stream == nil {
			closeOwned()
			return errors.New("client: output has no file and no stream")
		}
		outputFile, err = bridge.WriteEnd(c.lifetime, output.stream, c.logger)
		if err != nil {
			closeOwned()
			return err
		}
		owned = append(owned, outputFile)
	}

	requestID := c.nextRequestID.Add(1)

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		closeOwned()
		return ErrClosed
	}
	c.pending[requestID] = onComplete
	c.mutex.Unlock()

	message := ipc.Message{Kind: ipc.KindPatch, RequestID: requestID}
	files := []*os.File{oldFile, sourceFile, outputFile}

	c.sendMutex.Lock()
	err = c.conn.WriteMessage(message, files)
	c.sendMutex.Unlock()
	closeOwned()

	if err != nil {
		// The request never reached the worker; take the callback
		// back so the binding-loss path cannot double-deliver. If the
		// callback is already gone, the reader observed the binding
		// loss first and has delivered the failure through it.
		c.mutex.Lock()
		_, stillPending := c.pending[requestID]
		delete(c.pending, requestID)
		c.mutex.Unlock()
		if !stillPending {
			return nil
		}
		return err
	}
	return nil
}

// Close tears down the binding and reaps the worker process. Requests
// still in flight complete with ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	c.mutex.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mutex.Unlock()
	if alreadyClosed {
		return nil
	}

	// Closing the binding makes the worker's read loop see EOF and
	// exit, and unblocks our own response reader.
	c.cancelLifetime()
	c.conn.Close()
	<-c.readerDone

	if c.command != nil {
		if err := c.command.Wait(); err != nil {
			c.logger.Warn("worker exited with error", "error", err)
		}
	}
	return nil
}

// readResponses is the client's single response consumer: it reads
// responses in binding order and routes each to the one pending
// callback its request ID names. When the binding is lost it fails
// every callback still pending.
func (c *Client) readResponses() {
	defer close(c.readerDone)

	for {
		message, files, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("worker binding lost", "error", err)
			}
			c.failAllPending(ErrClosed)
			return
		}
		// Responses carry no descriptors; anything attached is
		// released, not interpreted.
		for _, file := range files {
			file.Close()
		}

		c.mutex.Lock()
		onComplete, known := c.pending[message.RequestID]
		delete(c.pending, message.RequestID)
		c.mutex.Unlock()

		if !known {
			c.logger.Warn("response for unknown request",
				"kind", message.Kind,
				"request_id", message.RequestID,
			)
			continue
		}

		switch message.Kind {
		case ipc.KindPatchSucceeded:
			onComplete(Result{BytesWritten: message.BytesWritten})
		case ipc.KindPatchFailed:
			onComplete(Result{Err: ErrPatchFailed})
		default:
			c.logger.Warn("response with unexpected kind",
				"kind", message.Kind,
				"request_id", message.RequestID,
			)
			onComplete(Result{Err: fmt.Errorf("client: unexpected response kind %q", message.Kind)})
		}
	}
}

// failAllPending delivers err to every callback still waiting for a
// response. Callbacks run outside the lock.
func (c *Client) failAllPending(err error) {
	c.mutex.Lock()
	abandoned := c.pending
	c.pending = make(map[uint64]func(Result))
	c.mutex.Unlock()

	for _, onComplete := range abandoned {
		onComplete(Result{Err: err})
	}
}
