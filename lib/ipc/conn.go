// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/stitch-foundation/stitch/lib/codec"
)

// maxMessageSize bounds the encoded size of a single message. Wire
// messages are small fixed-shape CBOR maps; anything larger is
// malformed.
const maxMessageSize = 4096

// Conn is one end of a worker binding: a SOCK_SEQPACKET Unix socket
// carrying CBOR messages and SCM_RIGHTS descriptors. Reads and writes
// may each be used from one goroutine at a time.
type Conn struct {
	socket *net.UnixConn
}

// Socketpair creates a connected worker binding. It returns the local
// Conn and the peer end as an *os.File suitable for passing to a
// child process via exec.Cmd.ExtraFiles. The caller closes the peer
// file after the child has started (the child holds its own copy).
func Socketpair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}

	localFile := os.NewFile(uintptr(fds[0]), "ipc-local")
	peerFile := os.NewFile(uintptr(fds[1]), "ipc-peer")

	conn, err := FromFile(localFile)
	if err != nil {
		peerFile.Close()
		return nil, nil, err
	}
	return conn, peerFile, nil
}

// FromFile wraps an already-open socket descriptor (for the worker
// side, the descriptor inherited from its parent). FromFile takes
// ownership of file and closes it; the returned Conn holds its own
// duplicate.
func FromFile(file *os.File) (*Conn, error) {
	defer file.Close()

	netConn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("ipc: wrapping socket descriptor: %w", err)
	}
	socket, ok := netConn.(*net.UnixConn)
	if !ok {
		netConn.Close()
		return nil, fmt.Errorf("ipc: descriptor is a %T, not a Unix socket", netConn)
	}
	return &Conn{socket: socket}, nil
}

// Close closes the binding. Blocked reads and writes return errors.
func (c *Conn) Close() error {
	return c.socket.Close()
}

// WriteMessage sends one message, transferring the given descriptors
// as SCM_RIGHTS ancillary data. The kernel duplicates each descriptor
// into the receiving process; the caller still owns (and must close)
// its copies afterwards.
func (c *Conn) WriteMessage(message Message, files []*os.File) error {
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("ipc: encoding %s message: %w", message.Kind, err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("ipc: %s message is %d bytes, limit %d", message.Kind, len(payload), maxMessageSize)
	}

	var rights []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, file := range files {
			fds[i] = int(file.Fd())
		}
		rights = unix.UnixRights(fds...)
	}

	if _, _, err := c.socket.WriteMsgUnix(payload, rights, nil); err != nil {
		return fmt.Errorf("ipc: sending %s message: %w", message.Kind, err)
	}
	return nil
}

// ReadMessage receives one message and any descriptors transferred
// with it. Ownership of the returned files passes to the caller. A
// closed binding surfaces as io.EOF.
func (c *Conn) ReadMessage() (Message, []*os.File, error) {
	payload := make([]byte, maxMessageSize)
	// Room for one descriptor more than a well-formed patch message
	// carries, so an over-stuffed message is detected as malformed
	// rather than silently truncated into a valid-looking one.
	oob := make([]byte, unix.CmsgSpace((PatchDescriptorCount+1)*4))

	n, oobn, flags, _, err := c.socket.ReadMsgUnix(payload, oob)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return Message{}, nil, io.EOF
		}
		return Message{}, nil, fmt.Errorf("ipc: receiving message: %w", err)
	}
	if n == 0 && oobn == 0 {
		// SOCK_SEQPACKET reports a closed peer as an empty read.
		return Message{}, nil, io.EOF
	}

	files, err := parseRights(oob[:oobn])
	if err != nil {
		return Message{}, nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeAll(files)
		return Message{}, nil, fmt.Errorf("ipc: ancillary data truncated (descriptor overflow)")
	}
	if flags&unix.MSG_TRUNC != 0 {
		closeAll(files)
		return Message{}, nil, fmt.Errorf("ipc: message larger than %d bytes", maxMessageSize)
	}

	var message Message
	if err := codec.Unmarshal(payload[:n], &message); err != nil {
		closeAll(files)
		return Message{}, nil, fmt.Errorf("ipc: decoding message: %w", err)
	}
	return message, files, nil
}

// parseRights extracts transferred descriptors from ancillary data,
// marking each close-on-exec before wrapping it.
func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	controlMessages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("ipc: parsing control messages: %w", err)
	}

	var files []*os.File
	for _, controlMessage := range controlMessages {
		fds, err := unix.ParseUnixRights(&controlMessage)
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("ipc: parsing SCM_RIGHTS: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-descriptor"))
		}
	}
	return files, nil
}

// closeAll closes every file in files; used on error paths so
// received descriptors never leak.
func closeAll(files []*os.File) {
	for _, file := range files {
		file.Close()
	}
}
