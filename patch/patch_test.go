// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"testing"
)

// hunk is a test-side description of one patch hunk.
type hunk struct {
	diff    []byte
	literal []byte
	seek    int64
}

// buildPatch serializes hunks into a complete patch file.
func buildPatch(t *testing.T, hunks []hunk) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer, err := NewWriter(&buffer)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i, h := range hunks {
		if err := writer.WriteHunk(h.diff, h.literal, h.seek); err != nil {
			t.Fatalf("WriteHunk %d: %v", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buffer.Bytes()
}

// expectedOutput computes the blob the hunks describe, independently
// of the Patcher's streaming implementation.
func expectedOutput(old []byte, hunks []hunk) []byte {
	var out []byte
	position := int64(0)
	for _, h := range hunks {
		for i, d := range h.diff {
			out = append(out, old[position+int64(i)]+d)
		}
		position += int64(len(h.diff))
		out = append(out, h.literal...)
		position += h.seek
	}
	return out
}

func TestApplyReconstructsBlob(t *testing.T) {
	old := []byte("the quick brown fox jumps over the lazy dog")
	hunks := []hunk{
		// Keep "the quick" unchanged (zero diff), insert new text,
		// then skip ahead in the old blob.
		{diff: make([]byte, 9), literal: []byte(" and nimble"), seek: 10},
		// Transform a run of old bytes with a non-zero diff.
		{diff: []byte{1, 1, 1}, literal: nil, seek: 0},
	}
	patchFile := buildPatch(t, hunks)
	want := expectedOutput(old, hunks)

	var output bytes.Buffer
	written, err := Apply(bytes.NewReader(old), bytes.NewReader(patchFile), &output)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if written != uint64(len(want)) {
		t.Errorf("written = %d, want %d", written, len(want))
	}
	if !bytes.Equal(output.Bytes(), want) {
		t.Errorf("output = %q, want %q", output.Bytes(), want)
	}
}

func TestApplyWrappingAdd(t *testing.T) {
	// Difference bytes add with wraparound: 0xff + 0x02 = 0x01.
	old := []byte{0xff, 0x00, 0x80}
	hunks := []hunk{{diff: []byte{0x02, 0x01, 0x80}, literal: nil, seek: 0}}
	patchFile := buildPatch(t, hunks)

	var output bytes.Buffer
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(patchFile), &output); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []byte{0x01, 0x01, 0x00}
	if !bytes.Equal(output.Bytes(), want) {
		t.Errorf("output = %x, want %x", output.Bytes(), want)
	}
}

func TestApplyNegativeSeek(t *testing.T) {
	// A negative seek re-reads old bytes, the delta format's way of
	// expressing repeated content.
	old := []byte("abcdef")
	hunks := []hunk{
		{diff: make([]byte, 3), literal: nil, seek: -3},
		{diff: make([]byte, 3), literal: nil, seek: 0},
	}
	patchFile := buildPatch(t, hunks)

	var output bytes.Buffer
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(patchFile), &output); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, want := output.String(), "abcabc"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestApplyRunsLargerThanScratch(t *testing.T) {
	// Runs longer than the Patcher's internal scratch buffer must
	// stream through in pieces without loss.
	random := rand.New(rand.NewSource(1))
	old := make([]byte, 3*scratchSize)
	random.Read(old)
	diff := make([]byte, len(old))
	random.Read(diff)
	literal := make([]byte, 2*scratchSize)
	random.Read(literal)

	hunks := []hunk{{diff: diff, literal: literal, seek: 0}}
	patchFile := buildPatch(t, hunks)
	want := expectedOutput(old, hunks)

	var output bytes.Buffer
	written, err := Apply(bytes.NewReader(old), bytes.NewReader(patchFile), &output)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if written != uint64(len(want)) {
		t.Errorf("written = %d, want %d", written, len(want))
	}
	if !bytes.Equal(output.Bytes(), want) {
		t.Error("output does not match expected blob")
	}
}

func TestPatcherSmallReads(t *testing.T) {
	// Reading the Patcher one byte at a time must produce the same
	// blob as one large read: run boundaries do not align with Read
	// boundaries.
	old := []byte("some moderately sized old blob for the patcher")
	hunks := []hunk{
		{diff: make([]byte, 10), literal: []byte("inserted"), seek: 5},
		{diff: []byte{3, 3, 3, 3}, literal: []byte("!"), seek: 0},
	}
	patchFile := buildPatch(t, hunks)
	want := expectedOutput(old, hunks)

	patcher, err := NewPatcher(bytes.NewReader(old), bytes.NewReader(patchFile))
	if err != nil {
		t.Fatalf("NewPatcher: %v", err)
	}
	defer patcher.Close()

	var output bytes.Buffer
	buf := make([]byte, 1)
	for {
		n, readErr := patcher.Read(buf)
		output.Write(buf[:n])
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.Fatalf("Read: %v", readErr)
		}
	}
	if !bytes.Equal(output.Bytes(), want) {
		t.Errorf("output = %q, want %q", output.Bytes(), want)
	}
}

func TestApplyIdempotent(t *testing.T) {
	old := []byte("identical inputs must give identical outputs")
	hunks := []hunk{{diff: make([]byte, 9), literal: []byte("fresh"), seek: 2}}
	patchFile := buildPatch(t, hunks)

	var first, second bytes.Buffer
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(patchFile), &first); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(patchFile), &second); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("two applications of the same patch differ")
	}
}

func TestReadHeaderBadMagic(t *testing.T) {
	garbage := []byte{0, 0, 0, 0, 1, 0, 0, 0, 0}
	_, err := ReadHeader(bytes.NewReader(garbage))
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("error = %v, want ErrBadMagic", err)
	}
}

func TestReadHeaderUnsupportedVersion(t *testing.T) {
	var header [9]byte
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint16(header[4:6], 2) // major version from the future
	_, err := ReadHeader(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestReadHeaderSkipsExtension(t *testing.T) {
	// A newer minor version may carry extra header fields in the
	// extension area. This reader must skip them and still apply the
	// body correctly.
	old := []byte("extension test old blob")
	hunks := []hunk{{diff: make([]byte, 4), literal: []byte("ok"), seek: 0}}
	patchFile := buildPatch(t, hunks)

	extension := []byte{0xde, 0xad, 0xbe, 0xef}
	var extended bytes.Buffer
	binary.Write(&extended, binary.LittleEndian, magic)
	binary.Write(&extended, binary.LittleEndian, versionMajor)
	binary.Write(&extended, binary.LittleEndian, uint16(7)) // hypothetical minor
	extended.WriteByte(byte(len(extension)))
	extended.Write(extension)
	extended.Write(patchFile[9:]) // compressed body from the built patch

	metadata, err := ReadHeader(bytes.NewReader(extended.Bytes()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if metadata.VersionMinor != 7 {
		t.Errorf("VersionMinor = %d, want 7", metadata.VersionMinor)
	}

	var output bytes.Buffer
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(extended.Bytes()), &output); err != nil {
		t.Fatalf("Apply with extended header: %v", err)
	}
	if got, want := output.Bytes(), expectedOutput(old, hunks); !bytes.Equal(got, want) {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestApplyTruncatedPatch(t *testing.T) {
	old := []byte("truncation must be an error, never a short success")
	hunks := []hunk{{diff: make([]byte, 20), literal: bytes.Repeat([]byte("x"), 100), seek: 0}}
	patchFile := buildPatch(t, hunks)

	// Cut the file mid-body. zstd or the hunk reader must report an
	// error; a truncated-but-valid result would corrupt the output.
	truncated := patchFile[:len(patchFile)-10]

	var output bytes.Buffer
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(truncated), &output); err == nil {
		t.Fatal("Apply of truncated patch succeeded")
	}
}

func TestApplyGarbageBody(t *testing.T) {
	old := []byte("old")
	var file bytes.Buffer
	binary.Write(&file, binary.LittleEndian, magic)
	binary.Write(&file, binary.LittleEndian, versionMajor)
	binary.Write(&file, binary.LittleEndian, versionMinor)
	file.WriteByte(0)
	file.Write([]byte{0x00, 0x01, 0x02, 0x03, 0x04}) // not a zstd frame

	var output bytes.Buffer
	if _, err := Apply(bytes.NewReader(old), bytes.NewReader(file.Bytes()), &output); err == nil {
		t.Fatal("Apply of garbage body succeeded")
	}
}
