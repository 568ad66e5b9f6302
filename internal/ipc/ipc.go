// Package ipc implements the kernel's channel table: up to MaxChannels
// bidirectional channels, each owning a transport socket and a priority
// queue of received messages.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-arndt/lughcore/internal/queue"
	"github.com/p-arndt/lughcore/protocol"
)

const MaxChannels = 16

var (
	ErrNoChannels     = errors.New("ipc: no free channel")
	ErrInvalidChannel = errors.New("ipc: invalid channel")
	ErrAccessDenied   = errors.New("ipc: access denied")
)

// SharedDomain admits credentials from every domain.
const SharedDomain uint32 = 0

// Credential identifies a caller for Authorize.
type Credential struct {
	Level  uint32
	Domain uint32
}

// ChannelInfo is a snapshot of one channel.
type ChannelInfo struct {
	ID            int
	SecurityLevel uint32
	Domain        uint32
	Queued        int
	SocketID      int
}

type channel struct {
	inUse  bool
	sock   Socket
	queue  *queue.PriorityQueue
	level  uint32
	domain uint32
}

// Table is safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	transport Transport
	channels  [MaxChannels]channel
	logger    *slog.Logger
}

func NewTable(t Transport, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{transport: t, logger: logger}
}

// Create claims the first free channel and opens its socket.
func (t *Table) Create(level, domain uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.channels {
		ch := &t.channels[id]
		if ch.inUse {
			continue
		}
		sock, err := t.transport.Open()
		if err != nil {
			t.logger.Error("ipc: open socket", "channel", id, "error", err)
			return -1, fmt.Errorf("opening socket: %w", err)
		}
		if ch.queue == nil {
			ch.queue = queue.New()
		}
		ch.inUse = true
		ch.sock = sock
		ch.level = level
		ch.domain = domain
		t.logger.Debug("ipc: channel created", "channel", id, "socket", sock.ID(), "level", level, "domain", domain)
		return id, nil
	}
	return -1, ErrNoChannels
}

// Close drains the channel's queue, closes its socket and frees the slot.
func (t *Table) Close(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.get(id)
	if err != nil {
		return err
	}
	dropped := ch.queue.Clear()
	if err := ch.sock.Close(); err != nil && !errors.Is(err, ErrSocketClosed) {
		t.logger.Warn("ipc: close socket", "channel", id, "error", err)
	}
	ch.inUse = false
	ch.sock = nil
	ch.level, ch.domain = 0, 0
	t.logger.Debug("ipc: channel closed", "channel", id, "dropped", dropped)
	return nil
}

// Send NUL-terminates and stamps msg, then frames it onto the channel socket.
func (t *Table) Send(id int, msg *protocol.Message) error {
	sock, _, err := t.endpoints(id)
	if err != nil {
		return err
	}
	msg.Stamp()
	if err := sock.Send(protocol.Encode(msg)); err != nil {
		return fmt.Errorf("channel %d: %w", id, err)
	}
	return nil
}

// Recv moves every pending frame from the socket into the channel queue and
// pops the most urgent message. With block set and nothing pending it waits
// for one frame or for ctx to end; otherwise it returns ErrWouldBlock.
func (t *Table) Recv(ctx context.Context, id int, block bool) (protocol.Message, error) {
	sock, q, err := t.endpoints(id)
	if err != nil {
		return protocol.Message{}, err
	}

	t.pump(id, sock, q)
	if q.Len() == 0 {
		if !block {
			return protocol.Message{}, ErrWouldBlock
		}
		f, err := sock.Recv(ctx)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("channel %d: %w", id, err)
		}
		t.enqueue(id, q, f)
	}

	msg, err := q.Pop()
	if err != nil {
		if errors.Is(err, queue.ErrIntegrity) {
			t.logger.Warn("ipc: message integrity failure, discarded", "channel", id)
		}
		if errors.Is(err, queue.ErrEmpty) {
			return protocol.Message{}, ErrWouldBlock
		}
		return protocol.Message{}, fmt.Errorf("channel %d: %w", id, err)
	}
	return msg, nil
}

// Authorize admits cred when its level is at least the channel's and its
// domain matches, or the channel is in SharedDomain.
func (t *Table) Authorize(id int, cred Credential) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.get(id)
	if err != nil {
		return err
	}
	if cred.Level < ch.level || (ch.domain != SharedDomain && cred.Domain != ch.domain) {
		t.logger.Warn("security violation: channel access denied",
			"channel", id, "level", cred.Level, "domain", cred.Domain)
		return fmt.Errorf("%w: channel %d", ErrAccessDenied, id)
	}
	return nil
}

func (t *Table) Info(id int) (ChannelInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.get(id)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ChannelInfo{
		ID:            id,
		SecurityLevel: ch.level,
		Domain:        ch.domain,
		Queued:        ch.queue.Len(),
		SocketID:      ch.sock.ID(),
	}, nil
}

// CloseAll closes every open channel.
func (t *Table) CloseAll() {
	for id := 0; id < MaxChannels; id++ {
		_ = t.Close(id)
	}
}

func (t *Table) endpoints(id int) (Socket, *queue.PriorityQueue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.get(id)
	if err != nil {
		return nil, nil, err
	}
	return ch.sock, ch.queue, nil
}

// get must be called with mu held.
func (t *Table) get(id int) (*channel, error) {
	if id < 0 || id >= MaxChannels || !t.channels[id].inUse {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}
	return &t.channels[id], nil
}

func (t *Table) pump(id int, sock Socket, q *queue.PriorityQueue) {
	for {
		f, err := sock.TryRecv()
		if errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrSocketClosed) {
			return
		}
		if err != nil {
			// The frame is gone either way; keep draining the rest.
			t.logger.Warn("ipc: dropping unreadable frame", "channel", id, "error", err)
			continue
		}
		t.enqueue(id, q, f)
	}
}

func (t *Table) enqueue(id int, q *queue.PriorityQueue, f []byte) {
	msg, err := protocol.Decode(f)
	if err != nil {
		t.logger.Warn("ipc: dropping malformed frame", "channel", id, "error", err)
		return
	}
	if err := q.Push(&msg); err != nil {
		t.logger.Warn("ipc: dropping message", "channel", id, "op", protocol.OpName(msg.Operation), "error", err)
	}
}
