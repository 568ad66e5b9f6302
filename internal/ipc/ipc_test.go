package ipc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/p-arndt/lughcore/internal/memory"
	"github.com/p-arndt/lughcore/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func newTestTable(t *testing.T) (*Table, *memory.Allocator) {
	t.Helper()
	alloc, err := memory.New(memory.DefaultLayout, nil, testLogger())
	require.NoError(t, err)
	return NewTable(NewMemTransport(alloc, testLogger()), testLogger()), alloc
}

func TestCreateFirstFree(t *testing.T) {
	tbl, _ := newTestTable(t)

	for want := 0; want < MaxChannels; want++ {
		id, err := tbl.Create(0, 0)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	_, err := tbl.Create(0, 0)
	assert.ErrorIs(t, err, ErrNoChannels)

	require.NoError(t, tbl.Close(5))
	id, err := tbl.Create(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, id)

	info, err := tbl.Info(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.SecurityLevel)
	assert.Equal(t, uint32(2), info.Domain)
	tbl.CloseAll()
}

func TestCreateSocketFailure(t *testing.T) {
	mt := new(mockTransport)
	mt.On("Open").Return(nil, ErrNoSockets)
	tbl := NewTable(mt, testLogger())

	_, err := tbl.Create(0, 0)
	assert.ErrorIs(t, err, ErrNoSockets)
	mt.AssertExpectations(t)

	// The slot stays free.
	_, err = tbl.Info(0)
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestSendRecvPriorityOrder(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	for _, m := range []protocol.Message{
		protocol.NewMessage(protocol.PriorityLow, protocol.OpHeartbeat, "low"),
		protocol.NewMessage(protocol.PriorityHigh, protocol.OpGridAlert, "GRID_FAULT"),
		protocol.NewMessage(protocol.PriorityMedium, protocol.OpWrite, "key=a value=b"),
	} {
		m := m
		require.NoError(t, tbl.Send(id, &m))
		assert.True(t, m.Verify())
	}

	ctx := context.Background()
	want := []string{"GRID_FAULT", "key=a value=b", "low"}
	for _, w := range want {
		got, err := tbl.Recv(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, w, string(got.Text()))
		assert.True(t, got.Verify())
	}

	_, err = tbl.Recv(ctx, id, false)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestRecvPreservesOpAndTruncates(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	m := protocol.NewMessage(protocol.PriorityMedium, protocol.OpUpdate, strings.Repeat("u", 200))
	require.NoError(t, tbl.Send(id, &m))

	got, err := tbl.Recv(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpUpdate, got.Operation)
	assert.Len(t, got.Text(), protocol.MaxMsgSize-1)
}

func TestRecvBlocking(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		m := protocol.NewMessage(protocol.PriorityLow, protocol.OpHeartbeat, "late")
		_ = tbl.Send(id, &m)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := tbl.Recv(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, "late", string(got.Text()))
	wg.Wait()
}

func TestRecvBlockingHonoursContext(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = tbl.Recv(ctx, id, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidChannel(t *testing.T) {
	tbl, _ := newTestTable(t)
	m := protocol.NewMessage(protocol.PriorityLow, 0, "x")

	for _, id := range []int{-1, 0, MaxChannels} {
		assert.ErrorIs(t, tbl.Send(id, &m), ErrInvalidChannel)
		_, err := tbl.Recv(context.Background(), id, false)
		assert.ErrorIs(t, err, ErrInvalidChannel)
		assert.ErrorIs(t, tbl.Close(id), ErrInvalidChannel)
	}
}

func TestCloseDrainsQueueAndFrames(t *testing.T) {
	tbl, alloc := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m := protocol.NewMessage(protocol.PriorityLow, 0, "pending")
		require.NoError(t, tbl.Send(id, &m))
	}
	assert.Equal(t, 3, alloc.Stats()[0].InUse)

	require.NoError(t, tbl.Close(id))
	assert.Equal(t, 0, alloc.Stats()[0].InUse)
	assert.ErrorIs(t, tbl.Close(id), ErrInvalidChannel)
}

func TestCorruptFrameDiscarded(t *testing.T) {
	tbl, alloc := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	bad := protocol.NewMessage(protocol.PriorityHigh, 0, "hello")
	require.NoError(t, tbl.Send(id, &bad))
	good := protocol.NewMessage(protocol.PriorityLow, 0, "world")
	require.NoError(t, tbl.Send(id, &good))

	// The first frame sits in the first 64-byte block.
	buf, err := alloc.Bytes(memory.Handle{Addr: memory.DefaultLayout.Base, Gen: 1})
	require.NoError(t, err)
	buf[6] ^= 0xFF

	got, err := tbl.Recv(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got.Text()))

	_, err = tbl.Recv(context.Background(), id, false)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 0, alloc.Stats()[0].InUse)
}

// denyReads approves writes and refuses every read.
type denyReads struct{}

func (denyReads) ValidateAccess(_ uint64, _ int, write bool) bool { return write }

func TestSendRefusedByValidator(t *testing.T) {
	alloc, err := memory.New(memory.DefaultLayout, denyReads{}, testLogger())
	require.NoError(t, err)
	tbl := NewTable(NewMemTransport(alloc, testLogger()), testLogger())
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	m := protocol.NewMessage(protocol.PriorityLow, 0, "x")
	assert.ErrorIs(t, tbl.Send(id, &m), memory.ErrAccessDenied)
	assert.Equal(t, 0, alloc.Stats()[0].InUse)
}

func TestSocketQueueFull(t *testing.T) {
	tbl, _ := newTestTable(t)
	id, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.Close(id)

	for i := 0; i < MaxQueuedPerSock; i++ {
		m := protocol.NewMessage(protocol.PriorityLow, 0, "x")
		require.NoError(t, tbl.Send(id, &m))
	}
	m := protocol.NewMessage(protocol.PriorityLow, 0, "x")
	assert.ErrorIs(t, tbl.Send(id, &m), ErrSocketFull)

	// Receiving moves frames into the channel queue and frees the socket.
	_, err = tbl.Recv(context.Background(), id, false)
	require.NoError(t, err)
	assert.NoError(t, tbl.Send(id, &m))
}

func TestFrameSlotsBoundedByAllocator(t *testing.T) {
	tbl, _ := newTestTable(t)
	a, err := tbl.Create(0, 0)
	require.NoError(t, err)
	b, err := tbl.Create(0, 0)
	require.NoError(t, err)
	c, err := tbl.Create(0, 0)
	require.NoError(t, err)
	defer tbl.CloseAll()

	// 133-byte frames come from the 256-byte class, which has 32 blocks.
	long := strings.Repeat("z", 127)
	sent := 0
	var last error
	for _, id := range []int{a, b, c} {
		for i := 0; i < MaxQueuedPerSock; i++ {
			m := protocol.NewMessage(protocol.PriorityLow, 0, long)
			if last = tbl.Send(id, &m); last != nil {
				break
			}
			sent++
		}
		if last != nil {
			break
		}
	}
	assert.Equal(t, memory.BlocksPerClass, sent)
	assert.ErrorIs(t, last, memory.ErrExhausted)
}

func TestAuthorize(t *testing.T) {
	tbl, _ := newTestTable(t)
	private, err := tbl.Create(2, 7)
	require.NoError(t, err)
	shared, err := tbl.Create(1, SharedDomain)
	require.NoError(t, err)
	defer tbl.CloseAll()

	assert.NoError(t, tbl.Authorize(private, Credential{Level: 2, Domain: 7}))
	assert.NoError(t, tbl.Authorize(private, Credential{Level: 3, Domain: 7}))
	assert.ErrorIs(t, tbl.Authorize(private, Credential{Level: 1, Domain: 7}), ErrAccessDenied)
	assert.ErrorIs(t, tbl.Authorize(private, Credential{Level: 5, Domain: 8}), ErrAccessDenied)

	assert.NoError(t, tbl.Authorize(shared, Credential{Level: 1, Domain: 42}))
	assert.ErrorIs(t, tbl.Authorize(shared, Credential{Level: 0, Domain: 42}), ErrAccessDenied)
}

func TestSocketPoolExhaustion(t *testing.T) {
	tr := NewMemTransport(nil, testLogger())
	var socks []Socket
	for i := 0; i < MaxSockets; i++ {
		s, err := tr.Open()
		require.NoError(t, err)
		socks = append(socks, s)
	}
	_, err := tr.Open()
	assert.ErrorIs(t, err, ErrNoSockets)

	require.NoError(t, socks[3].Close())
	assert.ErrorIs(t, socks[3].Close(), ErrSocketClosed)
	assert.ErrorIs(t, socks[3].Send([]byte{0, 0, 0, 0, 0}), ErrSocketClosed)

	s, err := tr.Open()
	require.NoError(t, err)
	assert.Equal(t, 3, s.ID())
	assert.Equal(t, MaxSockets, tr.OpenCount())

	for _, s := range append(socks, s) {
		_ = s.Close()
	}
}

func TestSocketFrameTooLarge(t *testing.T) {
	tr := NewMemTransport(nil, testLogger())
	s, err := tr.Open()
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Send(make([]byte, MaxFrameBytes+1)), ErrFrameTooLarge)
	_, err = s.TryRecv()
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestRecvAfterCloseUnblocks(t *testing.T) {
	tr := NewMemTransport(nil, testLogger())
	s, err := tr.Open()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Recv(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrSocketClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestValidate(t *testing.T) {
	signer := new(mockSigner)
	signer.On("Sign", []byte("GRID_FAULT sector=3")).Return([]byte("sig"), nil)

	empty := protocol.NewMessage(protocol.PriorityHigh, protocol.OpHeartbeat, "")
	_, err := Validate(&empty, signer)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	lowEmpty := protocol.NewMessage(protocol.PriorityLow, protocol.OpHeartbeat, "")
	sig, err := Validate(&lowEmpty, signer)
	assert.NoError(t, err)
	assert.Nil(t, sig)

	bad := protocol.NewMessage(protocol.PriorityHigh, protocol.OpGridAlert, "power low")
	_, err = Validate(&bad, signer)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	alert := protocol.NewMessage(protocol.PriorityHigh, protocol.OpGridAlert, "GRID_FAULT sector=3")
	sig, err = Validate(&alert, signer)
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), sig)

	_, err = Validate(&alert, nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
	signer.AssertExpectations(t)
}

// Grid alert rules hold below HIGH priority too.
func TestValidateLowPriorityGridAlert(t *testing.T) {
	signer := new(mockSigner)
	signer.On("Sign", []byte("GRID_FAULT feeder=2")).Return([]byte("low-sig"), nil).Once()

	for _, p := range []protocol.Priority{protocol.PriorityMedium, protocol.PriorityLow} {
		unmarked := protocol.NewMessage(p, protocol.OpGridAlert, "feeder=2 tripped")
		_, err := Validate(&unmarked, signer)
		assert.ErrorIs(t, err, ErrInvalidMessage, "priority %s", p)

		empty := protocol.NewMessage(p, protocol.OpGridAlert, "")
		_, err = Validate(&empty, signer)
		assert.ErrorIs(t, err, ErrInvalidMessage, "priority %s", p)
	}

	low := protocol.NewMessage(protocol.PriorityLow, protocol.OpGridAlert, "GRID_FAULT feeder=2")
	sig, err := Validate(&low, signer)
	require.NoError(t, err)
	assert.Equal(t, []byte("low-sig"), sig)

	_, err = Validate(&low, nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
	signer.AssertExpectations(t)
}
