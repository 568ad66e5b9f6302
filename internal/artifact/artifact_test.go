package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestHostPathStaysUnderRoot(t *testing.T) {
	d := newTestDir(t)

	for _, p := range []string{"/services/a.bin", "services/a.bin", "/../../services/a.bin", "/x/../services/a.bin"} {
		hp, err := d.HostPath(p)
		require.NoError(t, err, p)
		assert.Equal(t, filepath.Join(d.Root(), "services", "a.bin"), hp, p)
	}

	for _, p := range []string{"", "/", "/..", "a\x00b"} {
		_, err := d.HostPath(p)
		assert.ErrorIs(t, err, ErrInvalidPath, "%q", p)
	}
}

func TestInstallReadExists(t *testing.T) {
	d := newTestDir(t)

	ok, err := d.Exists("/drivers/net.bin")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Install("/drivers/net.bin", []byte("v1")))
	ok, err = d.Exists("/drivers/net.bin")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := d.ReadFile("/drivers/net.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	n, err := d.Size("/drivers/net.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, d.Install("/drivers/net.bin", []byte("v2-longer")))
	data, err = d.ReadFile("/drivers/net.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2-longer"), data)

	hp, _ := d.HostPath("/drivers/net.bin")
	fi, err := os.Stat(hp)
	require.NoError(t, err)
	assert.Equal(t, imagePerm, fi.Mode().Perm())
}

func TestCopyRestoreRemove(t *testing.T) {
	d := newTestDir(t)
	require.NoError(t, d.Install("/services/a.bin", []byte("original")))

	require.NoError(t, d.Copy("/services/a.bin", "/services/a.bin.checkpoint-1"))
	require.NoError(t, d.Install("/services/a.bin", []byte("broken")))
	require.NoError(t, d.Restore("/services/a.bin.checkpoint-1", "/services/a.bin"))

	data, err := d.ReadFile("/services/a.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)

	require.NoError(t, d.Remove("/services/a.bin.checkpoint-1"))
	require.NoError(t, d.Remove("/services/a.bin.checkpoint-1"))
	ok, err := d.Exists("/services/a.bin.checkpoint-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissingArtifact(t *testing.T) {
	d := newTestDir(t)

	_, err := d.ReadFile("/nope")
	assert.ErrorIs(t, err, ErrNotExist)
	_, err = d.Size("/nope")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.ErrorIs(t, d.Copy("/nope", "/nope.checkpoint-1"), ErrNotExist)
	assert.ErrorIs(t, d.Restore("/nope.checkpoint-1", "/nope"), ErrNotExist)
}
