// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// stitch-worker is the sandboxed patch application process. Its
// parent spawns it with one end of a SOCK_SEQPACKET socketpair as
// descriptor 3; the worker arms its sandbox, then serves patch
// requests on that binding until the parent closes it.
//
// The sandbox is armed strictly before the first untrusted byte is
// read. Anything short of full enablement is fatal: the process exits
// without serving a single request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stitch-foundation/stitch/lib/ipc"
	"github.com/stitch-foundation/stitch/lib/version"
	"github.com/stitch-foundation/stitch/sandbox"
	"github.com/stitch-foundation/stitch/worker"
)

// bindingFd is the descriptor number the parent maps the binding to
// (the first slot after stdio, per exec.Cmd.ExtraFiles).
const bindingFd = 3

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("stitch-worker %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// The binding must be wrapped before the sandbox closes the
	// door on fcntl/getsockopt combinations net.FileConn needs.
	conn, err := ipc.FromFile(os.NewFile(bindingFd, "binding"))
	if err != nil {
		return fmt.Errorf("wrapping inherited binding: %w", err)
	}
	defer conn.Close()

	state, result, err := sandbox.Activate()
	if result != sandbox.Enabled {
		logger.Error("sandbox activation fell short, refusing to serve",
			"result", result,
			"error", err,
		)
		if err == nil {
			err = errors.New("sandbox not enabled")
		}
		return fmt.Errorf("activating sandbox: %w", err)
	}
	logger.Info("sandbox armed", "result", result)

	dispatcher, err := worker.New(conn, state, nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatch loop: %w", err)
	}
	logger.Info("binding closed, exiting")
	return nil
}
