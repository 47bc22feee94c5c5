// Package wire implements the length-prefixed framing used on every stream.
//
// Each stream carries exactly one logical message as an opaque byte block:
// a 4-byte unsigned big-endian length prefix followed by that many payload
// bytes. No structure is imposed on the payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload size accepted from a peer.
// A misbehaving peer must not be able to force an arbitrary allocation.
const DefaultMaxFrameSize = 8 << 20 // 8 MiB

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured maximum. The frame body is never read.
type ErrFrameTooLarge struct {
	Size uint32
	Max  uint32
}

// Error implements error.
func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes exceeds maximum %d", e.Size, e.Max)
}

// WriteFrame writes one framed payload to w. Zero-length payloads are legal.
// It returns the total number of bytes written, including the header.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, fmt.Errorf("wire: write header: %w", err)
	}
	m, err := w.Write(payload)
	if err != nil {
		return n + m, fmt.Errorf("wire: write payload: %w", err)
	}
	return n + m, nil
}

// ReadFrame reads one framed payload from r. If the declared length exceeds
// max, it returns *ErrFrameTooLarge without consuming the body. A max of 0
// means DefaultMaxFrameSize.
//
// io.EOF is returned unwrapped when the stream ends cleanly before the first
// header byte; a header truncated mid-read yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxFrameSize
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > max {
		return nil, &ErrFrameTooLarge{Size: size, Max: max}
	}
	if size == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}
