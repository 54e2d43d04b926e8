package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Frame layout on a socket: 4-byte big-endian payload length, 8-byte
// big-endian xxhash64 of the payload, payload.
const (
	frameHeaderSize = 12
	// MaxFrameSize bounds a single payload
	MaxFrameSize = 64 << 20
)

// ErrChecksum is returned when a frame's payload does not match its checksum
var ErrChecksum = errors.New("frame checksum mismatch")

// WriteFrame writes one frame carrying payload
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(payload), MaxFrameSize)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[4:12], xxhash.Sum64(payload))
	copy(buf[frameHeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its verified payload
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, MaxFrameSize)
	}
	sum := binary.BigEndian.Uint64(header[4:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	if xxhash.Sum64(payload) != sum {
		return nil, ErrChecksum
	}
	return payload, nil
}
