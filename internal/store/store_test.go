package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwpool/gemini-gateway/internal/testhelpers"
)

type record struct {
	Name  string `toml:"name"`
	Count int    `toml:"count"`
}

func newTestStore(t *testing.T) *Store[record] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.toml")
	return New[record](path, "records", testhelpers.NewTestLogger())
}

func TestLoad_MissingFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Dirty())
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	s := New[record](path, "records", testhelpers.NewTestLogger())
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.toml")
	s := New[record](path, "records", testhelpers.NewTestLogger())
	require.NoError(t, s.Load())

	s.Update(func(m map[string]record) {
		m["a"] = record{Name: "alpha", Count: 3}
		m["b"] = record{Name: "beta", Count: 7}
	})
	assert.True(t, s.Dirty())
	require.NoError(t, s.Flush())
	assert.False(t, s.Dirty())

	reloaded := New[record](path, "records", testhelpers.NewTestLogger())
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 2, reloaded.Len())

	got, ok := reloaded.Get("a")
	require.True(t, ok)
	assert.Equal(t, record{Name: "alpha", Count: 3}, got)
}

func TestFlush_CleanStoreSkipsWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())
	require.NoError(t, s.Flush())

	_, err := os.Stat(s.path)
	assert.True(t, os.IsNotExist(err), "clean store must not create a file")
}

func TestMutate_DirtyOnlyOnChange(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())

	s.Mutate(func(m map[string]record) bool {
		return false
	})
	assert.False(t, s.Dirty())

	s.Mutate(func(m map[string]record) bool {
		m["x"] = record{Name: "x"}
		return true
	})
	assert.True(t, s.Dirty())
}

func TestView_DoesNotDirty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Load())

	s.View(func(m map[string]record) {
		assert.Empty(t, m)
	})
	assert.False(t, s.Dirty())
}
