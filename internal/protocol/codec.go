package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds the payload length a peer may claim in a frame
// header. Frames above the limit abort the connection before any payload
// bytes are read.
const DefaultMaxFrameSize = 10 * 1024 * 1024

// Error reports a malformed or oversized frame. The connection carrying it
// must be closed; there is no partial-message recovery.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "protocol error: " + e.Reason
}

// Codec reads and writes length-prefixed protocol frames: a 4-byte unsigned
// big-endian payload length followed by the UTF-8 payload.
type Codec struct {
	maxFrameSize uint32
}

func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// Encode frames a message into wire bytes.
func (c *Codec) Encode(m Message) ([]byte, error) {
	payload := []byte(m.payload())
	if uint64(len(payload)) > uint64(c.maxFrameSize) {
		return nil, &Error{Reason: fmt.Sprintf("payload size %d exceeds limit %d", len(payload), c.maxFrameSize)}
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// Write encodes a message and writes the complete frame to w.
func (c *Codec) Write(w io.Writer, m Message) error {
	frame, err := c.Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Read blocks until one complete frame is available and returns the decoded
// message. io.EOF is returned unchanged when the stream closes cleanly before
// a header; a header claiming more than the configured ceiling fails without
// reading any payload bytes.
func (c *Codec) Read(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > c.maxFrameSize {
		return nil, &Error{Reason: fmt.Sprintf("frame size %d exceeds limit %d", length, c.maxFrameSize)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return parseMessage(string(payload))
}
