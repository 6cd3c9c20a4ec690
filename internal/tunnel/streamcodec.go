package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single record so a corrupt or malicious length
// prefix cannot make ReadFrame allocate an unbounded buffer.
const maxFrameSize = 16 * 1024 * 1024

// WriteFrame writes one length-prefixed record to w: a 4-byte big-endian
// length followed by payload. Used by sshtransport to give a raw
// io.ReadWriteCloser the same message-boundary semantics the WebSocket
// transport gets for free.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("tunnel: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("tunnel: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed record written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("tunnel: frame length %d exceeds maximum %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("tunnel: read frame payload: %w", err)
	}
	return payload, nil
}
