// Package memory provides the fixed size-class block allocator the core
// uses for message buffers, and the bump-allocated kernel heap.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	units "github.com/docker/go-units"

	"github.com/p-arndt/lughcore/internal/checksum"
)

const (
	BlocksPerClass = 32
	MaxAlloc       = 4096
)

// ClassSizes are the block sizes, smallest first.
var ClassSizes = [...]int{64, 256, 1024, 4096}

var (
	ErrZeroSize       = errors.New("memory: zero size")
	ErrTooLarge       = errors.New("memory: size exceeds largest class")
	ErrExhausted      = errors.New("memory: no free block")
	ErrHeapTooSmall   = errors.New("memory: heap too small for block classes")
	ErrForeignPointer = errors.New("memory: address outside heap")
	ErrNotAllocated   = errors.New("memory: address not allocated")
	ErrStaleHandle    = errors.New("memory: stale handle")
	ErrAccessDenied   = errors.New("memory: access denied")
)

// Layout places the heap in the kernel address space.
type Layout struct {
	Base uint64
	Size int
}

// DefaultLayout is the 4 MiB heap at 0x400000.
var DefaultLayout = Layout{Base: 0x400000, Size: 0x400000}

func (l Layout) contains(addr uint64) bool {
	return addr >= l.Base && addr < l.Base+uint64(l.Size)
}

// CarvedSize is the number of heap bytes the block classes occupy.
func CarvedSize() int {
	n := 0
	for _, s := range ClassSizes {
		n += s * BlocksPerClass
	}
	return n
}

// Handle names an allocated block. Gen changes every time the block is
// handed out, so a handle kept past Release is detected.
type Handle struct {
	Addr uint64
	Gen  uint32
}

func (h Handle) IsZero() bool {
	return h.Addr == 0
}

type block struct {
	inUse bool
	gen   uint32
}

type sizeClass struct {
	size   int
	start  uint64
	offset int // into Allocator.mem
	blocks [BlocksPerClass]block
}

func (c *sizeClass) end() uint64 {
	return c.start + uint64(c.size*BlocksPerClass)
}

// ClassStats reports occupancy of one size class.
type ClassStats struct {
	Size  int
	InUse int
	Free  int
}

// Allocator hands out zeroed blocks from four fixed size classes carved
// contiguously from the start of the heap. Every touch of block memory is
// approved by the validator first. It is safe for concurrent use.
type Allocator struct {
	mu        sync.Mutex
	layout    Layout
	mem       []byte
	classes   [len(ClassSizes)]sizeClass
	validator checksum.Validator
	logger    *slog.Logger
}

// New carves the size classes from layout. It fails with ErrHeapTooSmall when
// the heap cannot hold every class; callers treat that as fatal at boot.
// A nil validator approves every access.
func New(layout Layout, v checksum.Validator, logger *slog.Logger) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	need := CarvedSize()
	if layout.Size < need {
		logger.Error("heap overflow during initialization",
			"heap", units.BytesSize(float64(layout.Size)), "need", units.BytesSize(float64(need)))
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrHeapTooSmall, layout.Size, need)
	}

	a := &Allocator{layout: layout, mem: make([]byte, need), validator: v, logger: logger}
	off := 0
	for i, s := range ClassSizes {
		a.classes[i] = sizeClass{size: s, start: layout.Base + uint64(off), offset: off}
		off += s * BlocksPerClass
	}
	logger.Info("memory initialized",
		"carved", units.BytesSize(float64(need)),
		"remaining", units.BytesSize(float64(layout.Size-need)))
	return a, nil
}

func classFor(size int) int {
	for i, s := range ClassSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Allocate returns a zeroed block from the smallest class that fits size.
func (a *Allocator) Allocate(size int) (Handle, error) {
	if size <= 0 {
		a.logger.Error("allocation failed: zero size requested")
		return Handle{}, ErrZeroSize
	}
	if size > MaxAlloc {
		a.logger.Error("allocation failed: size too large", "size", size, "max", MaxAlloc)
		return Handle{}, fmt.Errorf("%w: %d", ErrTooLarge, size)
	}
	ci := classFor(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	c := &a.classes[ci]
	for i := range c.blocks {
		b := &c.blocks[i]
		if b.inUse {
			continue
		}
		b.inUse = true
		b.gen++
		clear(a.blockBytes(c, i))
		h := Handle{Addr: c.start + uint64(i*c.size), Gen: b.gen}
		a.logger.Debug("allocated block", "size", c.size, "addr", fmt.Sprintf("%#x", h.Addr), "block", i)
		return h, nil
	}
	a.logger.Error("allocation failed: no free blocks", "class", c.size)
	return Handle{}, fmt.Errorf("%w: class %d", ErrExhausted, c.size)
}

// Release zeroes the block and returns it to its class. A zero handle is
// ignored. Addresses outside the heap, unallocated blocks and stale handles
// are rejected with a warning and leave the allocator unchanged.
func (a *Allocator) Release(h Handle) error {
	if h.IsZero() {
		return nil
	}
	if !a.layout.contains(h.Addr) {
		a.logger.Warn("security violation: free of address outside heap", "addr", fmt.Sprintf("%#x", h.Addr))
		return fmt.Errorf("%w: %#x", ErrForeignPointer, h.Addr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c, i, ok := a.locate(h.Addr)
	if !ok || !c.blocks[i].inUse {
		a.logger.Warn("free of unallocated memory", "addr", fmt.Sprintf("%#x", h.Addr))
		return fmt.Errorf("%w: %#x", ErrNotAllocated, h.Addr)
	}
	if c.blocks[i].gen != h.Gen {
		a.logger.Warn("free with stale handle", "addr", fmt.Sprintf("%#x", h.Addr), "gen", h.Gen)
		return fmt.Errorf("%w: %#x", ErrStaleHandle, h.Addr)
	}
	if err := a.guard(h.Addr, c.size, true); err != nil {
		return err
	}
	clear(a.blockBytes(c, i))
	c.blocks[i].inUse = false
	a.logger.Debug("freed block", "size", c.size, "addr", fmt.Sprintf("%#x", h.Addr), "block", i)
	return nil
}

// Bytes returns the live block named by h for reading and writing. The slice
// aliases heap memory and must not be used after Release.
func (a *Allocator) Bytes(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, i, err := a.live(h)
	if err != nil {
		return nil, err
	}
	if err := a.guard(h.Addr, c.size, true); err != nil {
		return nil, err
	}
	return a.blockBytes(c, i), nil
}

// Checksum returns the integrity value of the first n bytes of the block,
// after the validator approves the read.
func (a *Allocator) Checksum(h Handle, n int) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, i, err := a.live(h)
	if err != nil {
		return 0, err
	}
	buf := a.blockBytes(c, i)
	if n < 0 || n > len(buf) {
		return 0, fmt.Errorf("memory: checksum length %d exceeds block of %d", n, len(buf))
	}
	sum, err := checksum.Guarded(a.validator, h.Addr, buf[:n])
	if err != nil {
		a.logger.Warn("security violation: checksum read denied", "addr", fmt.Sprintf("%#x", h.Addr), "size", n)
		return 0, fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return sum, nil
}

// Read copies n bytes of carved heap starting at addr, whether allocated or
// not. It exists for inspection and diagnostics.
func (a *Allocator) Read(addr uint64, n int) ([]byte, error) {
	start := a.layout.Base
	end := start + uint64(len(a.mem))
	if addr < start || addr > end || n < 0 || uint64(n) > end-addr {
		return nil, fmt.Errorf("%w: %#x+%d", ErrForeignPointer, addr, n)
	}
	if err := a.guard(addr, n, false); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	off := int(addr - start)
	out := make([]byte, n)
	copy(out, a.mem[off:off+n])
	return out, nil
}

// Stats reports every class, smallest first.
func (a *Allocator) Stats() []ClassStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ClassStats, 0, len(a.classes))
	for ci := range a.classes {
		c := &a.classes[ci]
		st := ClassStats{Size: c.size}
		for _, b := range c.blocks {
			if b.inUse {
				st.InUse++
			}
		}
		st.Free = BlocksPerClass - st.InUse
		out = append(out, st)
	}
	return out
}

// locate finds the class by address range, then the block within it.
// Must be called with mu held.
func (a *Allocator) locate(addr uint64) (*sizeClass, int, bool) {
	for ci := range a.classes {
		c := &a.classes[ci]
		if addr < c.start || addr >= c.end() {
			continue
		}
		delta := addr - c.start
		if delta%uint64(c.size) != 0 {
			return nil, 0, false
		}
		return c, int(delta / uint64(c.size)), true
	}
	return nil, 0, false
}

func (a *Allocator) live(h Handle) (*sizeClass, int, error) {
	c, i, ok := a.locate(h.Addr)
	if !ok || !c.blocks[i].inUse {
		return nil, 0, fmt.Errorf("%w: %#x", ErrNotAllocated, h.Addr)
	}
	if c.blocks[i].gen != h.Gen {
		return nil, 0, fmt.Errorf("%w: %#x", ErrStaleHandle, h.Addr)
	}
	return c, i, nil
}

// guard asks the validator to approve an access of size bytes at addr.
func (a *Allocator) guard(addr uint64, size int, write bool) error {
	if a.validator == nil || a.validator.ValidateAccess(addr, size, write) {
		return nil
	}
	a.logger.Warn("security violation: heap access denied",
		"addr", fmt.Sprintf("%#x", addr), "size", size, "write", write)
	return fmt.Errorf("%w: %#x+%d", ErrAccessDenied, addr, size)
}

func (a *Allocator) blockBytes(c *sizeClass, i int) []byte {
	off := c.offset + i*c.size
	return a.mem[off : off+c.size : off+c.size]
}
