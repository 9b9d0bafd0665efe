// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Writer serializes pre-computed hunks into the patch file format.
//
// Writer is the encoding half of the format only: deciding which add,
// copy, and seek runs transform one blob into another (the diff
// computation) is a separate concern and lives outside this module.
// Tooling that already knows the hunks — and tests constructing known
// patches — use Writer to produce a file [Apply] accepts.
type Writer struct {
	compressor *zstd.Encoder
	closed     bool
}

// NewWriter writes the patch header to output and returns a Writer
// for appending hunks. The caller must Close the Writer to flush the
// compressed body; output itself is not closed.
func NewWriter(output io.Writer) (*Writer, error) {
	var header [9]byte
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint16(header[4:6], versionMajor)
	binary.LittleEndian.PutUint16(header[6:8], versionMinor)
	header[8] = 0 // varint 0: no header extension
	if _, err := output.Write(header[:]); err != nil {
		return nil, fmt.Errorf("patch: writing header: %w", err)
	}

	compressor, err := zstd.NewWriter(output)
	if err != nil {
		return nil, fmt.Errorf("patch: initializing compressor: %w", err)
	}

	return &Writer{compressor: compressor}, nil
}

// WriteHunk appends one hunk: an add run whose difference bytes are
// diff, a copy run of the given literal bytes, and a relative seek
// applied to the old blob after the copy. Either run may be empty,
// and seek may be zero or negative.
func (w *Writer) WriteHunk(diff, literal []byte, seek int64) error {
	if w.closed {
		return errors.New("patch: WriteHunk after Close")
	}

	var varint [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(varint[:], uint64(len(diff)))
	if _, err := w.compressor.Write(varint[:n]); err != nil {
		return fmt.Errorf("patch: writing add length: %w", err)
	}
	if _, err := w.compressor.Write(diff); err != nil {
		return fmt.Errorf("patch: writing difference bytes: %w", err)
	}

	n = binary.PutUvarint(varint[:], uint64(len(literal)))
	if _, err := w.compressor.Write(varint[:n]); err != nil {
		return fmt.Errorf("patch: writing copy length: %w", err)
	}
	if _, err := w.compressor.Write(literal); err != nil {
		return fmt.Errorf("patch: writing copy bytes: %w", err)
	}

	n = binary.PutVarint(varint[:], seek)
	if _, err := w.compressor.Write(varint[:n]); err != nil {
		return fmt.Errorf("patch: writing seek: %w", err)
	}

	return nil
}

// Close flushes the compressed body. The Writer must not be used
// after Close.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.compressor.Close(); err != nil {
		return fmt.Errorf("patch: flushing compressor: %w", err)
	}
	return nil
}
