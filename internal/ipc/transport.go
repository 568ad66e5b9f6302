package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-arndt/lughcore/internal/memory"
)

const (
	MaxSockets       = 16
	MaxQueuedPerSock = 16
	MaxFrameBytes    = 256
)

var (
	ErrNoSockets     = errors.New("ipc: socket pool exhausted")
	ErrSocketFull    = errors.New("ipc: socket queue full")
	ErrSocketClosed  = errors.New("ipc: socket closed")
	ErrWouldBlock    = errors.New("ipc: would block")
	ErrFrameTooLarge = errors.New("ipc: frame too large")
	ErrFrameCorrupt  = errors.New("ipc: frame corrupted in transit")
)

// Socket carries framed messages. Frames sent on a socket are received on
// the same socket.
type Socket interface {
	ID() int
	Send(frame []byte) error
	TryRecv() ([]byte, error)
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens sockets.
type Transport interface {
	Open() (Socket, error)
}

// FrameAllocator backs queued frames. *memory.Allocator satisfies it.
// Checksum is taken when a frame is stored and compared when it is loaded.
type FrameAllocator interface {
	Allocate(size int) (memory.Handle, error)
	Bytes(h memory.Handle) ([]byte, error)
	Checksum(h memory.Handle, n int) (uint32, error)
	Release(h memory.Handle) error
}

// MemTransport is an in-process transport with a fixed socket pool. When an
// allocator is supplied, queued frames live in its blocks and the number of
// frames in flight is bounded by its free blocks as well.
type MemTransport struct {
	mu      sync.Mutex
	alloc   FrameAllocator
	sockets [MaxSockets]*memSocket
	logger  *slog.Logger
}

func NewMemTransport(alloc FrameAllocator, logger *slog.Logger) *MemTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemTransport{alloc: alloc, logger: logger}
}

func (t *MemTransport) Open() (Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.sockets {
		if s != nil {
			continue
		}
		s := &memSocket{
			id:     i,
			owner:  t,
			frames: make(chan frame, MaxQueuedPerSock),
			done:   make(chan struct{}),
		}
		t.sockets[i] = s
		return s, nil
	}
	return nil, ErrNoSockets
}

// OpenCount returns the number of open sockets.
func (t *MemTransport) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sockets {
		if s != nil {
			n++
		}
	}
	return n
}

func (t *MemTransport) release(id int) {
	t.mu.Lock()
	t.sockets[id] = nil
	t.mu.Unlock()
}

type frame struct {
	h    memory.Handle
	data []byte
	n    int
	sum  uint32
}

type memSocket struct {
	id     int
	owner  *MemTransport
	mu     sync.Mutex
	closed bool
	frames chan frame
	done   chan struct{}
}

func (s *memSocket) ID() int { return s.id }

func (s *memSocket) Send(b []byte) error {
	if len(b) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}

	f, err := s.store(b)
	if err != nil {
		return err
	}
	select {
	case s.frames <- f:
		return nil
	default:
		s.drop(f)
		return fmt.Errorf("%w: socket %d", ErrSocketFull, s.id)
	}
}

func (s *memSocket) TryRecv() ([]byte, error) {
	select {
	case f := <-s.frames:
		return s.load(f)
	default:
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSocketClosed
	}
	return nil, ErrWouldBlock
}

func (s *memSocket) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return s.load(f)
	case <-s.done:
		return nil, ErrSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops every queued frame and returns the socket to the pool.
func (s *memSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.closed = true
	close(s.done)
drain:
	for {
		select {
		case f := <-s.frames:
			s.drop(f)
		default:
			break drain
		}
	}
	s.mu.Unlock()

	s.owner.release(s.id)
	return nil
}

func (s *memSocket) store(b []byte) (frame, error) {
	a := s.owner.alloc
	if a == nil {
		data := make([]byte, len(b))
		copy(data, b)
		return frame{data: data, n: len(b)}, nil
	}
	h, err := a.Allocate(max(len(b), 1))
	if err != nil {
		return frame{}, fmt.Errorf("allocating frame: %w", err)
	}
	buf, err := a.Bytes(h)
	if err != nil {
		_ = a.Release(h)
		return frame{}, fmt.Errorf("allocating frame: %w", err)
	}
	copy(buf, b)
	sum, err := a.Checksum(h, len(b))
	if err != nil {
		_ = a.Release(h)
		return frame{}, fmt.Errorf("allocating frame: %w", err)
	}
	return frame{h: h, n: len(b), sum: sum}, nil
}

func (s *memSocket) load(f frame) ([]byte, error) {
	if f.h.IsZero() {
		return f.data, nil
	}
	a := s.owner.alloc
	defer s.drop(f)

	sum, err := a.Checksum(f.h, f.n)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	if sum != f.sum {
		s.owner.logger.Warn("ipc: frame checksum mismatch", "socket", s.id, "addr", fmt.Sprintf("%#x", f.h.Addr))
		return nil, fmt.Errorf("%w: socket %d", ErrFrameCorrupt, s.id)
	}
	buf, err := a.Bytes(f.h)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	out := make([]byte, f.n)
	copy(out, buf)
	return out, nil
}

func (s *memSocket) drop(f frame) {
	if f.h.IsZero() {
		return
	}
	if err := s.owner.alloc.Release(f.h); err != nil {
		s.owner.logger.Warn("ipc: release frame", "socket", s.id, "error", err)
	}
}
