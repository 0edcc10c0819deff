package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum permitted frame payload size (16 MiB), per
// spec.md §4.2 and the boundary test in §8.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the declared length prefix
// exceeds MaxFrameSize. The caller (Transport) must terminate the connection.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// lengthPrefixSize is the width in bytes of the big-endian frame length
// prefix described in spec.md §4.2.
const lengthPrefixSize = 4

// ReadFrame reads one length-prefixed frame from r: a 4-byte big-endian
// length followed by that many bytes of payload. It returns ErrFrameTooLarge
// without consuming the payload bytes if the declared length is oversized,
// so the caller can close the connection immediately.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as one length-prefixed frame. It returns an
// error (rather than panicking) if payload exceeds MaxFrameSize, since a
// well-behaved server must never emit an oversized frame itself.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// BinaryFrameEnvelope is the JSON-encoded prefix of a binary_frame message,
// followed on the wire by BinarySize raw bytes (spec.md §4.2). Nothing uses
// this type: a binary_frame message passes validation, but Transport reads
// no trailing raw bytes after it and the Orchestrator answers it with an
// unsupported-message-type VALIDATION_ERROR.
type BinaryFrameEnvelope struct {
	Message
}
