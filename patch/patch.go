// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// scratchSize is the size of the Patcher's internal difference-byte
// buffer. It bounds how much patch data is resident per Read call
// regardless of how large a hunk claims to be, so a hostile patch
// cannot force a large allocation.
const scratchSize = 8192

// Patcher reconstructs a new blob from an old blob and a patch.
//
// Patcher implements [io.Reader]: each Read produces the next bytes of
// the reconstructed blob. This lets callers apply a patch in a
// streaming fashion, for example while the patch itself is still
// arriving over a pipe.
type Patcher struct {
	old     io.ReadSeeker
	decoder *zstd.Decoder
	body    *bufio.Reader
	state   patcherState
	// remaining is the unread byte count of the current add or copy
	// run; meaningful only when state is stateAdd or stateCopy.
	remaining uint64
	scratch   []byte
}

type patcherState int

const (
	// stateControl: the next patch bytes are the varint length of an
	// add run. Clean EOF is only legal here.
	stateControl patcherState = iota
	stateAdd
	stateCopy
)

// NewPatcher validates the patch header and returns a Patcher that
// reads the reconstructed blob. The old blob must be seekable because
// hunks carry relative seeks. The Patcher owns neither old nor
// patchSource; the caller closes them after use. Close releases the
// decompressor.
func NewPatcher(old io.ReadSeeker, patchSource io.Reader) (*Patcher, error) {
	if _, err := ReadHeader(patchSource); err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(patchSource)
	if err != nil {
		return nil, fmt.Errorf("patch: initializing decompressor: %w", err)
	}

	return &Patcher{
		old:     old,
		decoder: decoder,
		body:    bufio.NewReader(decoder),
		state:   stateControl,
		scratch: make([]byte, scratchSize),
	}, nil
}

// Close releases the decompressor's resources. The Patcher must not
// be read after Close.
func (p *Patcher) Close() {
	p.decoder.Close()
}

// Read produces the next bytes of the reconstructed blob.
//
// The hunk structure does not align with Read boundaries: a run may
// span many Read calls, and one Read may cross several runs. The
// state machine tracks the position inside the current run so each
// call picks up exactly where the previous one stopped.
func (p *Patcher) Read(buf []byte) (int, error) {
	total := 0

	for len(buf) > 0 {
		switch p.state {
		case stateControl:
			addLength, err := binary.ReadUvarint(p.body)
			if err != nil {
				if errors.Is(err, io.EOF) {
					// End of patch at a hunk boundary: the blob is
					// complete. Partial varints surface as
					// io.ErrUnexpectedEOF and fail below.
					if total > 0 {
						return total, nil
					}
					return 0, io.EOF
				}
				return total, fmt.Errorf("patch: reading add length: %w", err)
			}
			p.state = stateAdd
			p.remaining = addLength

		case stateAdd:
			n := minLength(p.remaining, len(buf), len(p.scratch))
			out := buf[:n]
			if _, err := io.ReadFull(p.old, out); err != nil {
				return total, fmt.Errorf("patch: reading old blob for add run: %w", noEOF(err))
			}
			diff := p.scratch[:n]
			if _, err := io.ReadFull(p.body, diff); err != nil {
				return total, fmt.Errorf("patch: reading difference bytes: %w", noEOF(err))
			}
			for i := range out {
				out[i] += diff[i]
			}

			p.remaining -= uint64(n)
			if p.remaining == 0 {
				copyLength, err := binary.ReadUvarint(p.body)
				if err != nil {
					return total, fmt.Errorf("patch: reading copy length: %w", noEOF(err))
				}
				p.state = stateCopy
				p.remaining = copyLength
			}

			total += n
			buf = buf[n:]

		case stateCopy:
			n := minLength(p.remaining, len(buf))
			out := buf[:n]
			if _, err := io.ReadFull(p.body, out); err != nil {
				return total, fmt.Errorf("patch: reading copy bytes: %w", noEOF(err))
			}

			p.remaining -= uint64(n)
			if p.remaining == 0 {
				seek, err := binary.ReadVarint(p.body)
				if err != nil {
					return total, fmt.Errorf("patch: reading seek: %w", noEOF(err))
				}
				if _, err := p.old.Seek(seek, io.SeekCurrent); err != nil {
					return total, fmt.Errorf("patch: seeking old blob: %w", err)
				}
				p.state = stateControl
			}

			total += n
			buf = buf[n:]
		}
	}

	return total, nil
}

// Apply reconstructs a new blob from old and patchSource, writing it
// to output. Returns the number of bytes written. Apply fails only by
// returning an error; there is no sentinel result.
func Apply(old io.ReadSeeker, patchSource io.Reader, output io.Writer) (uint64, error) {
	patcher, err := NewPatcher(old, patchSource)
	if err != nil {
		return 0, err
	}
	defer patcher.Close()

	written, err := io.Copy(output, patcher)
	if err != nil {
		return 0, err
	}
	return uint64(written), nil
}

// noEOF converts io.EOF into io.ErrUnexpectedEOF. Inside a run, EOF
// means the patch was truncated; it must never be mistaken for a
// clean end of the blob.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// minLength returns the smallest of a run's remaining length and the
// given buffer capacities, as an int.
func minLength(remaining uint64, capacities ...int) int {
	n := remaining
	for _, c := range capacities {
		if uint64(c) < n {
			n = uint64(c)
		}
	}
	return int(n)
}
