// Package protocol defines the fixed-size message exchanged over IPC
// channels, its wire framing and the text payload formats used by each
// operation.
package protocol

import (
	"bytes"

	"github.com/p-arndt/lughcore/internal/checksum"
)

const (
	// MaxMsgSize is the payload capacity including the NUL terminator.
	MaxMsgSize = 128
	// MaxQueueSize bounds every per-channel priority queue.
	MaxQueueSize = 1024
	// MaxTasks bounds the scheduler task table.
	MaxTasks = 1024
)

// Priority orders messages; lower values are more urgent.
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) Valid() bool {
	return p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "invalid"
	}
}

// Operation codes carried in Message.Operation.
const (
	OpAddTask   uint32 = 0x01
	OpSchedule  uint32 = 0x02
	OpGridAlert uint32 = 0x100
	OpHeartbeat uint32 = 0x101
	OpWrite     uint32 = 0x200
	OpDelete    uint32 = 0x201
	OpUpdate    uint32 = 0x300
)

// OpName returns a short label for logs.
func OpName(op uint32) string {
	switch op {
	case OpAddTask:
		return "add_task"
	case OpSchedule:
		return "schedule"
	case OpGridAlert:
		return "grid_alert"
	case OpHeartbeat:
		return "heartbeat"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Message is the unit of IPC. Only the bytes before the first NUL in Payload
// are meaningful and covered by Checksum.
type Message struct {
	Priority  Priority
	Operation uint32
	Checksum  uint32
	Payload   [MaxMsgSize]byte
}

// NewMessage builds a message with text as its payload, truncated to fit.
// The checksum is not stamped.
func NewMessage(p Priority, op uint32, text string) Message {
	m := Message{Priority: p, Operation: op}
	m.SetPayload([]byte(text))
	return m
}

// SetPayload replaces the payload with b, truncated to MaxMsgSize-1 bytes,
// and zeroes the remainder.
func (m *Message) SetPayload(b []byte) {
	m.Payload = [MaxMsgSize]byte{}
	if len(b) > MaxMsgSize-1 {
		b = b[:MaxMsgSize-1]
	}
	copy(m.Payload[:], b)
}

// Terminate forces the last payload byte to NUL.
func (m *Message) Terminate() {
	m.Payload[MaxMsgSize-1] = 0
}

// Text returns the payload bytes up to the first NUL.
func (m *Message) Text() []byte {
	if i := bytes.IndexByte(m.Payload[:], 0); i >= 0 {
		return m.Payload[:i]
	}
	return m.Payload[:]
}

// Stamp terminates the payload and sets Checksum from it.
func (m *Message) Stamp() {
	m.Terminate()
	m.Checksum = checksum.Sum(m.Text())
}

// Verify reports whether Checksum matches the current payload.
func (m *Message) Verify() bool {
	return checksum.Verify(m.Text(), m.Checksum)
}
