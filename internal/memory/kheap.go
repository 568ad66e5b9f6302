package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/p-arndt/lughcore/internal/fault"
)

const (
	// DefaultKHeapSize is the size of the kernel bump heap.
	DefaultKHeapSize = 64 * 1024
	// BlockMagic marks every live or freed kernel heap header.
	BlockMagic uint32 = 0xAB12CD34

	headerSize = 16
	align      = 8
)

var (
	ErrInvalidSize = errors.New("kheap: invalid size")
	ErrOutOfMemory = errors.New("kheap: out of memory")
)

// KHeap is a bump allocator over a fixed buffer. Each allocation is preceded
// by a header {magic, size, used}; freed space is zeroed but never reused
// until Reset. Corruption detected on Free aborts the process.
type KHeap struct {
	mu  sync.Mutex
	buf []byte
	end int
}

func NewKHeap(size int) *KHeap {
	if size <= headerSize {
		size = DefaultKHeapSize
	}
	return &KHeap{buf: make([]byte, size)}
}

func alignUp(n int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves size bytes and returns the offset of the data.
func (k *KHeap) Alloc(size int) (int, error) {
	if size <= 0 || size > len(k.buf)-headerSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	total := alignUp(size + headerSize)

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.end+total > len(k.buf) {
		return 0, fmt.Errorf("%w: %d bytes requested, %d left", ErrOutOfMemory, size, len(k.buf)-k.end)
	}
	h := k.buf[k.end : k.end+headerSize]
	binary.LittleEndian.PutUint32(h[0:4], BlockMagic)
	binary.LittleEndian.PutUint32(h[4:8], uint32(size))
	h[8] = 1
	off := k.end + headerSize
	k.end += total
	return off, nil
}

// Free zeroes the block at off. A bad header or a double free aborts.
func (k *KHeap) Free(off int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if off < headerSize || off > k.end {
		fault.Abort("kfree: pointer outside kernel heap", "offset", off)
	}
	h := k.buf[off-headerSize : off]
	if binary.LittleEndian.Uint32(h[0:4]) != BlockMagic || h[8] != 1 {
		fault.Abort("kfree: invalid pointer or double free", "offset", off)
	}
	size := int(binary.LittleEndian.Uint32(h[4:8]))
	h[8] = 0
	clear(k.buf[off : off+size])
}

// SizeOf returns the requested size of the block at off, or 0 when the
// header does not carry the magic.
func (k *KHeap) SizeOf(off int) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	if off < headerSize || off > k.end {
		return 0
	}
	h := k.buf[off-headerSize : off]
	if binary.LittleEndian.Uint32(h[0:4]) != BlockMagic {
		return 0
	}
	return int(binary.LittleEndian.Uint32(h[4:8]))
}

// Bytes returns the data of the block at off, or nil if it has no valid header.
func (k *KHeap) Bytes(off int) []byte {
	n := k.SizeOf(off)
	if n == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.buf[off : off+n : off+n]
}

// Used returns the bytes consumed, headers and padding included.
func (k *KHeap) Used() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.end
}

// Reset zeroes the heap and rewinds it.
func (k *KHeap) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.buf)
	k.end = 0
}
