// Package checksum computes the integrity value carried by every message and
// used when verifying update images.
//
// The value is CRC-32 with the reflected 0xEDB88320 polynomial, initial value
// 0xFFFFFFFF and a final inversion, which is the IEEE table shipped with
// hash/crc32.
package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrAccessDenied is returned by Guarded when the validator rejects the region.
var ErrAccessDenied = errors.New("checksum: region access denied")

// Validator is the subset of the security collaborator consulted before a
// region that lives at a kernel address is read.
type Validator interface {
	ValidateAccess(addr uint64, size int, write bool) bool
}

// Sum returns the integrity value of data. An empty buffer yields 0.
func Sum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// Guarded returns the integrity value of data, which is mapped at addr, after
// the validator has approved a read of len(data) bytes at that address.
func Guarded(v Validator, addr uint64, data []byte) (uint32, error) {
	if v != nil && !v.ValidateAccess(addr, len(data), false) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrAccessDenied, addr, len(data))
	}
	return Sum(data), nil
}

// Verify reports whether data still matches the integrity value want.
func Verify(data []byte, want uint32) bool {
	return Sum(data) == want
}
