package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire frame: [priority:1][operation:4 little-endian][payload bytes][NUL].
const (
	headerSize = 5
	// MinFrameSize is the smallest frame Decode accepts.
	MinFrameSize = headerSize
	// MaxFrameSize is the largest frame Encode produces.
	MaxFrameSize = headerSize + MaxMsgSize
)

var (
	ErrShortFrame      = errors.New("protocol: frame too short")
	ErrInvalidPriority = errors.New("protocol: invalid priority")
)

// Encode frames m. The payload is NUL-terminated first, so the frame carries
// at most MaxMsgSize-1 text bytes followed by one NUL.
func Encode(m *Message) []byte {
	m.Terminate()
	text := m.Text()
	buf := make([]byte, headerSize+len(text)+1)
	buf[0] = byte(m.Priority)
	binary.LittleEndian.PutUint32(buf[1:headerSize], m.Operation)
	copy(buf[headerSize:], text)
	return buf
}

// Decode parses a frame. Payload bytes beyond MaxMsgSize-1 are dropped and
// the result is always NUL-terminated. The checksum is left zero; receivers
// stamp it when the message enters their queue.
func Decode(frame []byte) (Message, error) {
	var m Message
	if len(frame) < MinFrameSize {
		return m, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	p := Priority(frame[0])
	if !p.Valid() {
		return m, fmt.Errorf("%w: %d", ErrInvalidPriority, frame[0])
	}
	m.Priority = p
	m.Operation = binary.LittleEndian.Uint32(frame[1:headerSize])
	m.SetPayload(frame[headerSize:])
	return m, nil
}
