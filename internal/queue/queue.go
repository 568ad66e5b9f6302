// Package queue implements the bounded, stable priority queue that backs
// every IPC channel.
package queue

import (
	"errors"
	"sync"

	"github.com/p-arndt/lughcore/protocol"
)

var (
	ErrFull      = errors.New("queue: full")
	ErrEmpty     = errors.New("queue: empty")
	ErrIntegrity = errors.New("queue: integrity check failed")
)

// PriorityQueue holds up to protocol.MaxQueueSize messages ordered by
// priority, FIFO within a priority. It is safe for concurrent use.
type PriorityQueue struct {
	mu    sync.Mutex
	msgs  [protocol.MaxQueueSize]protocol.Message
	count int
}

func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Push stamps msg's checksum, then inserts a copy after every element whose
// priority is not greater than msg's. The stored copy is re-verified; on
// mismatch it is removed again and ErrIntegrity returned.
func (q *PriorityQueue) Push(msg *protocol.Message) error {
	msg.Stamp()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= protocol.MaxQueueSize {
		return ErrFull
	}

	i := q.count
	for i > 0 && q.msgs[i-1].Priority > msg.Priority {
		q.msgs[i] = q.msgs[i-1]
		i--
	}
	q.msgs[i] = *msg
	q.count++

	if !q.msgs[i].Verify() {
		q.removeAt(i)
		return ErrIntegrity
	}
	return nil
}

// Pop removes and returns the most urgent message. A front element whose
// checksum no longer matches is discarded and ErrIntegrity returned.
func (q *PriorityQueue) Pop() (protocol.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return protocol.Message{}, ErrEmpty
	}

	msg := q.msgs[0]
	q.removeAt(0)
	if !msg.Verify() {
		return protocol.Message{}, ErrIntegrity
	}
	return msg, nil
}

// Peek returns the most urgent message without removing it.
func (q *PriorityQueue) Peek() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return protocol.Message{}, false
	}
	return q.msgs[0], true
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Clear drops every message and returns how many were dropped.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for i := 0; i < n; i++ {
		q.msgs[i] = protocol.Message{}
	}
	q.count = 0
	return n
}

// removeAt must be called with mu held.
func (q *PriorityQueue) removeAt(i int) {
	copy(q.msgs[i:q.count-1], q.msgs[i+1:q.count])
	q.count--
	q.msgs[q.count] = protocol.Message{}
}
