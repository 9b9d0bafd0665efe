// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// magic identifies a Stitch patch file. Little-endian on the wire.
	magic uint32 = 0x5c956c7c

	// versionMajor is the only major format version this parser
	// understands. A major bump signals an incompatible layout.
	versionMajor uint16 = 1

	// versionMinor is the minor version written by [NewWriter]. Minor
	// revisions only ever append header fields inside the extension
	// area, so readers accept any minor version.
	versionMinor uint16 = 0
)

// Sentinel errors for header validation. Wrapped with detail by
// [ReadHeader]; callers branch with errors.Is.
var (
	ErrBadMagic           = errors.New("patch: bad magic")
	ErrUnsupportedVersion = errors.New("patch: unsupported major version")
)

// Metadata is the information carried in a patch file header.
type Metadata struct {
	// VersionMajor and VersionMinor identify the patch format
	// revision that produced the file.
	VersionMajor uint16
	VersionMinor uint16
}

// ReadHeader reads and validates the patch header, leaving r
// positioned at the start of the compressed hunk data. Extension
// bytes a current reader does not understand are skipped, so newer
// minor versions remain readable.
func ReadHeader(r io.Reader) (Metadata, error) {
	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Metadata{}, fmt.Errorf("patch: reading header: %w", err)
	}

	gotMagic := binary.LittleEndian.Uint32(fixed[0:4])
	if gotMagic != magic {
		return Metadata{}, fmt.Errorf("%w: expected %#x, found %#x", ErrBadMagic, magic, gotMagic)
	}

	major := binary.LittleEndian.Uint16(fixed[4:6])
	minor := binary.LittleEndian.Uint16(fixed[6:8])
	if major != versionMajor {
		return Metadata{}, fmt.Errorf("%w: found %d.%d, supported %d.x",
			ErrUnsupportedVersion, major, minor, versionMajor)
	}

	extensionLength, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return Metadata{}, fmt.Errorf("patch: reading header extension length: %w", err)
	}
	if _, err := io.CopyN(io.Discard, r, int64(extensionLength)); err != nil {
		return Metadata{}, fmt.Errorf("patch: skipping header extension: %w", err)
	}

	return Metadata{VersionMajor: major, VersionMinor: minor}, nil
}

// byteReader adapts an io.Reader to io.ByteReader for varint decoding
// of the header extension length. One byte per call keeps the reader
// positioned exactly at the end of the varint, which matters because
// the zstd body starts immediately after the header.
type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
