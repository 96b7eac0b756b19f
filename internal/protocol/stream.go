package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFrame reads one complete frame from a blocking reader. It is used by
// clients and tools; the server reassembles frames from its own buffers.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame size: %w", err)
	}

	size := int(binary.BigEndian.Uint16(prefix[:]))
	if size < MinFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooShort, size)
	}

	frame := make([]byte, size)
	copy(frame, prefix[:])
	if _, err := io.ReadFull(r, frame[2:]); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", size, err)
	}
	return frame, nil
}

// WriteFrame writes an encoded frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
