// Package kernel wires the control core together and runs its event loop:
// every tick drains the kernel IPC channel, dispatches each message by
// operation, and asks the active scheduler for the next task.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/p-arndt/lughcore/internal/ipc"
	"github.com/p-arndt/lughcore/internal/memory"
	"github.com/p-arndt/lughcore/internal/sched"
	"github.com/p-arndt/lughcore/internal/security"
	"github.com/p-arndt/lughcore/internal/store"
	"github.com/p-arndt/lughcore/internal/update"
	"github.com/p-arndt/lughcore/protocol"
)

var ErrNotBooted = errors.New("kernel: not booted")

// Updater runs an OpUpdate request to completion.
type Updater interface {
	ProcessIPC(ctx context.Context, msg *protocol.Message) (*update.Transaction, error)
}

// KVLog records OpWrite and OpDelete requests.
type KVLog interface {
	AppendLogEntry(e *store.LogEntry) error
}

type Options struct {
	Heap      memory.Layout
	KHeapSize int
	Policy    string
	// Console receives SysWrite output. Nil means os.Stdout.
	Console       io.Writer
	UserSendRate  float64
	UserSendBurst int
}

// Deps are the collaborators the kernel does not own. Updates and KV may be
// nil, in which case the matching operations are rejected.
type Deps struct {
	Validator security.Validator
	Signer    ipc.Signer
	Updates   Updater
	KV        KVLog
}

// Stats counts loop activity since boot.
type Stats struct {
	Ticks      uint64
	Handled    uint64
	Rejected   uint64
	Dispatched uint64
	Idle       uint64
	Alerts     uint64
}

type Kernel struct {
	opts   Options
	deps   Deps
	bootID string
	logger *slog.Logger

	alloc     *memory.Allocator
	kheap     *memory.KHeap
	transport *ipc.MemTransport
	channels  *ipc.Table
	switcher  *sched.Switcher

	kernelChan int
	booted     atomic.Bool

	limMu    sync.Mutex
	limiters map[uint32]*rate.Limiter

	alertMu sync.Mutex
	alerts  []int // kheap offsets of retained alert signatures, oldest first

	ticks, handled, rejected, dispatched, idle, alertCount atomic.Uint64
}

// New builds the kernel's memory, IPC and scheduling subsystems. It fails
// when the heap cannot be carved or the policy is unknown.
func New(opts Options, deps Deps, logger *slog.Logger) (*Kernel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heap.Size == 0 {
		opts.Heap = memory.DefaultLayout
	}
	if opts.Policy == "" {
		opts.Policy = sched.PolicyRoundRobin
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.UserSendRate <= 0 {
		opts.UserSendRate = 100
	}
	if opts.UserSendBurst <= 0 {
		opts.UserSendBurst = 16
	}
	if deps.Validator == nil {
		deps.Validator = security.New(logger)
	}

	alloc, err := memory.New(opts.Heap, deps.Validator, logger)
	if err != nil {
		return nil, err
	}
	s, err := sched.New(opts.Policy)
	if err != nil {
		return nil, err
	}
	transport := ipc.NewMemTransport(alloc, logger)

	return &Kernel{
		opts:      opts,
		deps:      deps,
		bootID:    uuid.NewString(),
		logger:    logger,
		alloc:     alloc,
		kheap:     memory.NewKHeap(opts.KHeapSize),
		transport: transport,
		channels:  ipc.NewTable(transport, logger),
		switcher:  sched.NewSwitcher(s, logger),
		limiters:  make(map[uint32]*rate.Limiter),
	}, nil
}

// Boot opens the kernel channel at security level 0 in the shared domain.
func (k *Kernel) Boot() error {
	id, err := k.channels.Create(0, ipc.SharedDomain)
	if err != nil {
		return fmt.Errorf("creating kernel channel: %w", err)
	}
	k.kernelChan = id
	k.booted.Store(true)
	k.logger.Info("kernel booted", "boot_id", k.bootID, "channel", id, "scheduler", k.switcher.Active().Name())
	return nil
}

// BootID identifies this boot in the key/value log.
func (k *Kernel) BootID() string { return k.bootID }

// KernelChannel is the channel drained on every tick.
func (k *Kernel) KernelChannel() int { return k.kernelChan }

func (k *Kernel) Channels() *ipc.Table { return k.channels }

func (k *Kernel) Scheduler() *sched.Switcher { return k.switcher }

func (k *Kernel) Allocator() *memory.Allocator { return k.alloc }

// OpenChannel creates a channel for a user domain.
func (k *Kernel) OpenChannel(level, domain uint32) (int, error) {
	return k.channels.Create(level, domain)
}

// SwapScheduler replaces the active policy, carrying every task across.
func (k *Kernel) SwapScheduler(policy string) error {
	next, err := sched.New(policy)
	if err != nil {
		return err
	}
	return k.switcher.Swap(next)
}

// Run ticks until ctx is done or src closes its channel. It stops src on
// return.
func (k *Kernel) Run(ctx context.Context, src EventSource) error {
	if !k.booted.Load() {
		return ErrNotBooted
	}
	defer src.Stop()

	k.logger.Info("entering kernel main loop")
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("kernel loop stopped")
			return nil
		case _, ok := <-src.Ticks():
			if !ok {
				k.logger.Info("event source closed")
				return nil
			}
			k.Tick(ctx)
		}
	}
}

// Tick runs one loop iteration.
func (k *Kernel) Tick(ctx context.Context) {
	k.ticks.Add(1)

	// Bounded by what the socket and queue can hold.
	for range protocol.MaxQueueSize + ipc.MaxQueuedPerSock {
		msg, err := k.channels.Recv(ctx, k.kernelChan, false)
		if errors.Is(err, ipc.ErrWouldBlock) {
			break
		}
		if err != nil {
			k.rejected.Add(1)
			k.logger.Warn("kernel: receive", "channel", k.kernelChan, "error", err)
			continue
		}
		k.handle(ctx, &msg)
	}

	id, err := k.switcher.Dispatch()
	switch {
	case errors.Is(err, sched.ErrIdle):
		k.idle.Add(1)
	case err != nil:
		k.logger.Error("kernel: dispatch", "error", err)
	default:
		k.dispatched.Add(1)
		k.logger.Debug("dispatched task", "task", id)
	}
}

// Stats returns a snapshot of the loop counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Ticks:      k.ticks.Load(),
		Handled:    k.handled.Load(),
		Rejected:   k.rejected.Load(),
		Dispatched: k.dispatched.Load(),
		Idle:       k.idle.Load(),
		Alerts:     k.alertCount.Load(),
	}
}

// Close closes every channel and releases their frames.
func (k *Kernel) Close() {
	k.channels.CloseAll()
	k.booted.Store(false)
}
