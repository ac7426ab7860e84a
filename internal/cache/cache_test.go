package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StableAndSensitive(t *testing.T) {
	opts := map[string]any{"target": "es5", "jsc": map[string]any{"b": 1, "a": 2}}
	k1, err := Key("swc", "swc {options}", opts, "src/a.ts", []byte("x"))
	require.NoError(t, err)
	k2, err := Key("swc", "swc {options}", map[string]any{"jsc": map[string]any{"a": 2, "b": 1}, "target": "es5"}, "src/a.ts", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	for _, other := range []struct {
		stage, command, path, src string
	}{
		{"babel", "swc {options}", "src/a.ts", "x"},
		{"swc", "swc --no-swcrc {options}", "src/a.ts", "x"},
		{"swc", "", "src/a.ts", "x"},
		{"swc", "swc {options}", "src/b.ts", "x"},
		{"swc", "swc {options}", "src/a.ts", "y"},
	} {
		k, err := Key(other.stage, other.command, opts, other.path, []byte(other.src))
		require.NoError(t, err)
		assert.NotEqual(t, k1, k, other)
	}
}

func TestFileStore_ReplayBitForBitIdentical(t *testing.T) {
	s := NewFileStore(t.TempDir())
	original := &Entry{
		Key:    "abcdef0123",
		Stage:  "babel",
		Source: "src/a.ts",
		Code:   []byte("exact code\nwith newlines\n"),
		Map:    []byte(`{"version":3}`),
	}
	require.NoError(t, s.Put(original))

	got, err := s.Get(original.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, original, got)

	_, err = os.Stat(filepath.Join(s.Dir, "ab", "abcdef0123", "metadata.json"))
	assert.NoError(t, err)
}

func TestFileStore_MissAndNoMap(t *testing.T) {
	s := NewFileStore(t.TempDir())
	got, err := s.Get("nothere")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(&Entry{Key: "k1", Code: []byte("c")}))
	got, err = s.Get("k1")
	require.NoError(t, err)
	assert.Empty(t, got.Map)

	require.NoError(t, s.Put(&Entry{Key: "k1", Code: []byte("c2")}))
	got, err = s.Get("k1")
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("c2"), got.Code))
}

func TestLayered_FrontsDisk(t *testing.T) {
	disk := NewFileStore(t.TempDir())
	require.NoError(t, disk.Put(&Entry{Key: "warm", Code: []byte("w")}))

	c, err := NewLayered(2, disk)
	require.NoError(t, err)

	got, err := c.Get("warm")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "w", string(got.Code))

	got, err = c.Get("cold")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Put(&Entry{Key: "cold", Code: []byte("c")}))
	fromDisk, err := disk.Get("cold")
	require.NoError(t, err)
	require.NotNil(t, fromDisk)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLayered_MemoryOnly(t *testing.T) {
	c, err := NewLayered(0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(&Entry{Key: "a", Code: []byte("1")}))
	got, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got.Code))
	assert.Error(t, c.Put(nil))
}

func TestDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/tmp/c", Name, "v1"), Dir("/tmp/c", "v1"))
}
