// Package security holds the address-map policy consulted before the core
// touches kernel memory or accepts user buffers.
package security

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p-arndt/lughcore/protocol"
)

var ErrRejected = errors.New("security: buffer rejected")

// Validator is the security collaborator used by checksum, ipc and kernel.
type Validator interface {
	ValidateAccess(addr uint64, size int, write bool) bool
	GenerateRandom(buf []byte) bool
	Sanitize(buf []byte) ([]byte, error)
}

// Range is a half-open address interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) overlaps(addr, end uint64) bool {
	return addr < r.End && end > r.Start
}

const (
	// NullGuard is the size of the unmapped page at address zero.
	NullGuard = 0x1000
)

// KernelText is the region that rejects writes.
var KernelText = Range{Start: 0x100000, End: 0x200000}

// Policy is the default Validator. The zero value is not usable; use New.
type Policy struct {
	readOnly []Range
	logger   *slog.Logger
}

// New returns a policy that guards the null page and rejects writes into
// readOnly. When readOnly is empty KernelText is used.
func New(logger *slog.Logger, readOnly ...Range) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if len(readOnly) == 0 {
		readOnly = []Range{KernelText}
	}
	return &Policy{readOnly: readOnly, logger: logger}
}

func (p *Policy) ValidateAccess(addr uint64, size int, write bool) bool {
	if addr < NullGuard {
		p.logger.Warn("security violation: null page access", "addr", fmt.Sprintf("%#x", addr))
		return false
	}
	if size < 0 {
		return false
	}
	end := addr + uint64(size)
	if end < addr {
		p.logger.Warn("security violation: address overflow", "addr", fmt.Sprintf("%#x", addr), "size", size)
		return false
	}
	if write {
		for _, r := range p.readOnly {
			if r.overlaps(addr, max(end, addr+1)) {
				p.logger.Warn("security violation: write to read-only region",
					"addr", fmt.Sprintf("%#x", addr), "size", size)
				return false
			}
		}
	}
	return true
}

// GenerateRandom fills buf from the system CSPRNG.
func (p *Policy) GenerateRandom(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	if _, err := rand.Read(buf); err != nil {
		p.logger.Error("generate random", "error", err)
		return false
	}
	return true
}

// Sanitize rejects buffers that would not survive as message text intact:
// empty ones, ones longer than a payload holds before its terminator, and
// ones with an embedded NUL. Accepted buffers are returned unchanged.
func (p *Policy) Sanitize(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrRejected)
	}
	if limit := protocol.MaxMsgSize - 1; len(buf) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrRejected, len(buf), limit)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return nil, fmt.Errorf("%w: NUL at offset %d", ErrRejected, i)
	}
	return buf, nil
}
