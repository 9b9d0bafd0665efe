// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

// stitch applies a delta patch to a file through a sandboxed worker
// process. The patch bytes never touch this process beyond being
// shuttled to the worker, which parses them only after arming its
// sandbox.
//
// The patch source defaults to a file and may be "-" for stdin; the
// output may be "-" for stdout. With --verify, the reconstructed blob
// is hashed as it is written and the command fails unless the BLAKE3
// digest matches the expected hex value.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"github.com/stitch-foundation/stitch/client"
	"github.com/stitch-foundation/stitch/lib/blobhash"
	"github.com/stitch-foundation/stitch/lib/config"
	"github.com/stitch-foundation/stitch/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		oldPath      string
		patchPath    string
		outputPath   string
		workerBinary string
		configPath   string
		verifyDigest string
		logLevel     string
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("stitch", pflag.ContinueOnError)
	flagSet.StringVar(&oldPath, "old", "", "path of the old blob (required)")
	flagSet.StringVar(&patchPath, "patch", "", "path of the patch, or - for stdin (required)")
	flagSet.StringVar(&outputPath, "output", "", "path of the reconstructed blob, or - for stdout (required)")
	flagSet.StringVar(&workerBinary, "worker-binary", "", "path to the stitch-worker binary (overrides config)")
	flagSet.StringVar(&configPath, "config", "", "path to stitch.yaml (overrides STITCH_CONFIG)")
	flagSet.StringVar(&verifyDigest, "verify", "", "expected BLAKE3 digest of the output, hex encoded")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error; overrides config)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("stitch %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if oldPath == "" || patchPath == "" || outputPath == "" {
		return fmt.Errorf("--old, --patch, and --output are required")
	}

	var expectedDigest []byte
	if verifyDigest != "" {
		parsed, err := blobhash.ParseDigest(verifyDigest)
		if err != nil {
			return fmt.Errorf("invalid --verify digest: %w", err)
		}
		expectedDigest = parsed[:]
	}

	if workerBinary == "" {
		workerBinary, err = cfg.WorkerBinary()
		if err != nil {
			return err
		}
	}

	patchClient, err := client.New(client.Options{
		WorkerBinary: workerBinary,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer patchClient.Close()

	source, err := patchSource(patchPath)
	if err != nil {
		return err
	}
	output, tracker, err := outputDestination(outputPath, expectedDigest != nil)
	if err != nil {
		return err
	}

	results := make(chan client.Result, 1)
	err = patchClient.Submit(oldPath, source, output, func(result client.Result) {
		results <- result
	})
	if err != nil {
		return err
	}

	result := <-results
	if result.Err != nil {
		return fmt.Errorf("applying patch: %w", result.Err)
	}
	logger.Info("patch applied", "bytes_written", result.BytesWritten)

	if tracker != nil {
		// The sink pump may still be draining the pipe after the
		// worker's response; the output is complete only once the
		// pump has closed the tracked stream.
		tracker.Wait()
	}
	if expectedDigest != nil {
		actual := tracker.Sum(nil)
		if !tracker.Matches(expectedDigest) {
			return fmt.Errorf("output digest %x does not match expected %x", actual, expectedDigest)
		}
		logger.Info("output digest verified", "digest", fmt.Sprintf("%x", actual))
	}
	return nil
}

// loadConfig resolves the configuration: an explicit --config path
// wins, then STITCH_CONFIG, then built-in defaults. The CLI works
// without any config file.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("STITCH_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// patchSource resolves the --patch flag to a submission source. "-"
// streams stdin through a bridge pipe; anything else is opened as a
// file on the pump goroutine.
func patchSource(path string) (client.Source, error) {
	if path == "-" {
		return client.SourceStream(func() (io.ReadCloser, error) {
			return io.NopCloser(os.Stdin), nil
		}), nil
	}
	// Open eagerly so a missing patch file fails before a worker
	// request is queued.
	file, err := os.Open(path)
	if err != nil {
		return client.Source{}, fmt.Errorf("opening patch: %w", err)
	}
	return client.SourceFile(file), nil
}

// outputDestination resolves the --output flag. Plain file output
// hands the descriptor to the worker directly; stdout and verified
// output stream through a tracked tee so completion (and the digest,
// when requested) can be observed after the worker responds.
func outputDestination(path string, verified bool) (client.Output, *outputTracker, error) {
	if path == "-" {
		tracker := newOutputTracker(verified)
		return client.OutputStream(func() (io.WriteCloser, error) {
			return tracker.tee(nopWriteCloser{os.Stdout}), nil
		}), tracker, nil
	}
	if !verified {
		file, err := os.Create(path)
		if err != nil {
			return client.Output{}, nil, fmt.Errorf("creating output: %w", err)
		}
		return client.OutputFile(file), nil, nil
	}
	tracker := newOutputTracker(true)
	return client.OutputStream(func() (io.WriteCloser, error) {
		file, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("creating output: %w", err)
		}
		return tracker.tee(file), nil
	}), tracker, nil
}

// outputTracker observes a streamed output: it reports when the pump
// has closed the stream, and optionally accumulates a BLAKE3 digest
// of everything written through it. The pump goroutine writes; the
// main goroutine reads after Wait, so hashing is locked.
type outputTracker struct {
	mutex     sync.Mutex
	hasher    *blake3.Hasher
	done      chan struct{}
	closeOnce sync.Once
}

func newOutputTracker(hashing bool) *outputTracker {
	tracker := &outputTracker{done: make(chan struct{})}
	if hashing {
		tracker.hasher = blake3.New()
	}
	return tracker
}

// Wait blocks until the stream has been closed, meaning every output
// byte has reached its destination.
func (t *outputTracker) Wait() {
	<-t.done
}

func (t *outputTracker) tee(destination io.WriteCloser) io.WriteCloser {
	return &trackedWriteCloser{tracker: t, destination: destination}
}

func (t *outputTracker) Sum(b []byte) []byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.hasher.Sum(b)
}

// Matches reports whether the accumulated digest equals expected.
func (t *outputTracker) Matches(expected []byte) bool {
	actual := t.Sum(nil)
	if len(actual) != len(expected) {
		return false
	}
	var diff byte
	for i := range actual {
		diff |= actual[i] ^ expected[i]
	}
	return diff == 0
}

type trackedWriteCloser struct {
	tracker     *outputTracker
	destination io.WriteCloser
}

func (t *trackedWriteCloser) Write(p []byte) (int, error) {
	if t.tracker.hasher != nil {
		t.tracker.mutex.Lock()
		t.tracker.hasher.Write(p)
		t.tracker.mutex.Unlock()
	}
	return t.destination.Write(p)
}

func (t *trackedWriteCloser) Close() error {
	t.tracker.closeOnce.Do(func() { close(t.tracker.done) })
	return t.destination.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
