package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLayout(t *testing.T) {
	m := New(t.TempDir())

	dir, err := m.EnsureTaskDir(42)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, "42", filepath.Base(dir))

	seg := m.SegmentPath(42, 7)
	assert.Equal(t, filepath.Join(dir, "000007.seg"), seg)

	k1 := m.KeyPath(42, "https://example.com/k1")
	assert.NotEqual(t, k1, m.KeyPath(42, "https://example.com/k2"))
	assert.Equal(t, ".key", filepath.Ext(k1))

	require.NoError(t, os.WriteFile(seg, []byte("x"), 0644))
	assert.True(t, m.FileExists(42, "000007.seg"))
	assert.False(t, m.FileExists(42, "000008.seg"))

	require.NoError(t, m.Remove(42))
	assert.NoDirExists(t, dir)
	assert.NoError(t, m.Remove(42), "removing twice is fine")
}

func TestPartPath(t *testing.T) {
	assert.Equal(t, "/tmp/video.ts.part", PartPath("/tmp/video.ts"))
}

func TestRenamed(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "video.ts")
	assert.False(t, Renamed(dest, 0), "missing destination")

	require.NoError(t, os.WriteFile(dest, []byte("12345"), 0644))
	assert.True(t, Renamed(dest, 5))
	assert.False(t, Renamed(dest, 4), "size mismatch")

	require.NoError(t, os.WriteFile(PartPath(dest), nil, 0644))
	assert.False(t, Renamed(dest, 5), "part file still present")
}
