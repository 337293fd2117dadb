package sidechan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// maxFrameSize bounds a single control message, per spec.md §6.2 ("at most
// a few tens of bytes"); a length prefix outside this range indicates a
// desynchronised or malicious peer rather than a legitimate oversized
// message.
const maxFrameSize = 256

// WriteFrame writes msg to conn as a 4-byte big-endian length prefix
// followed by msg itself, the same length-prefixed-fixed-struct technique
// the teacher uses for CAN frames over its virtual TCP bus
// (pkg/can/virtual/virtual.go serializeFrame), generalised here from an
// 8-byte CAN payload to a variable-but-small control message.
func WriteFrame(conn net.Conn, msg []byte) error {
	if len(msg) > maxFrameSize {
		return fmt.Errorf("sidechan: frame too large (%d bytes)", len(msg))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(msg)))
	if _, err := conn.Write(header[:]); err != nil {
		return classifyIOError(err)
	}
	if _, err := conn.Write(msg); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from conn. The returned error,
// when non-nil, is always ErrPeerDisconnected or ErrPeerCrashed (wrapping
// the underlying cause), per spec.md §6.2's disconnect/crash distinction.
func ReadFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, classifyIOError(err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds maximum", ErrPeerCrashed, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, classifyIOError(err)
	}
	return buf, nil
}

// classifyIOError maps a net.Conn I/O error to the disconnect/crash
// distinction spec.md §4.6.6 requires: a clean close delivers io.EOF; an
// abrupt peer death typically surfaces as ECONNRESET (the OS sent a RST
// because the process died without closing its sockets) or, less
// frequently, ECONNABORTED.
func classifyIOError(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return fmt.Errorf("%w: %v", ErrPeerCrashed, err)
	}
	return fmt.Errorf("%w: %v", ErrPeerCrashed, err)
}
