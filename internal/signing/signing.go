// Package signing provides the crypto collaborator: keyed signatures over
// message payloads and update images, content hashes, and integrity checks.
package signing

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/p-arndt/lughcore/internal/checksum"
)

const (
	KeySize       = 32
	SignatureSize = blake2b.Size256
)

var ErrNoEntropy = errors.New("signing: random source unavailable")

// Provider is the crypto collaborator consumed by ipc and update.
type Provider interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) bool
	Hash(data []byte) []byte
	VerifyHash(data []byte, expected uint32) bool
}

// RandomSource supplies key material. security.Policy satisfies it.
type RandomSource interface {
	GenerateRandom(buf []byte) bool
}

// Keyed signs with keyed BLAKE2b-256.
type Keyed struct {
	key []byte
}

// NewKeyed returns a provider using key, which must be 1..64 bytes.
func NewKeyed(key []byte) (*Keyed, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("signing: key length %d out of range", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Keyed{key: k}, nil
}

// Generate returns a provider with a fresh random key.
func Generate(src RandomSource) (*Keyed, error) {
	key := make([]byte, KeySize)
	if !src.GenerateRandom(key) {
		return nil, ErrNoEntropy
	}
	return NewKeyed(key)
}

func (k *Keyed) Sign(data []byte) ([]byte, error) {
	h, err := blake2b.New256(k.key)
	if err != nil {
		return nil, fmt.Errorf("keyed hash: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

func (k *Keyed) Verify(data, sig []byte) bool {
	want, err := k.Sign(data)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, sig) == 1
}

// Hash returns the unkeyed BLAKE2b-256 digest of data.
func (k *Keyed) Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// VerifyHash reports whether the integrity value of data equals expected.
// Update requests carry the CRC-32 integrity value of the image.
func (k *Keyed) VerifyHash(data []byte, expected uint32) bool {
	return subtle.ConstantTimeEq(int32(checksum.Sum(data)), int32(expected)) == 1
}
