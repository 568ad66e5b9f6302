package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyBelow uint64

func (d denyBelow) ValidateAccess(addr uint64, _ int, _ bool) bool {
	return addr >= uint64(d)
}

func TestSumKnownVector(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), Sum([]byte("123456789")))
}

func TestSumEmpty(t *testing.T) {
	assert.Equal(t, uint32(0), Sum(nil))
	assert.Equal(t, uint32(0), Sum([]byte{}))
}

func TestVerifyDetectsFlip(t *testing.T) {
	data := []byte("hello")
	sum := Sum(data)
	require.True(t, Verify(data, sum))

	data[0] ^= 0x01
	assert.False(t, Verify(data, sum))
}

func TestGuarded(t *testing.T) {
	v := denyBelow(0x1000)

	_, err := Guarded(v, 0x10, []byte("x"))
	assert.ErrorIs(t, err, ErrAccessDenied)

	sum, err := Guarded(v, 0x400000, []byte("123456789"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCBF43926), sum)

	sum, err = Guarded(nil, 0, []byte("123456789"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCBF43926), sum)
}
