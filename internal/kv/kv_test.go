package kv

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/starfield/internal/fault"
)

func openTemp(t *testing.T, quota int64) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"), quota)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetSetRemove(t *testing.T) {
	s := openTemp(t, 0)

	_, ok, err := s.GetItem(KeyCursor)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetItem(KeyCursor, `{"userSkip":3}`))
	v, ok, err := s.GetItem(KeyCursor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"userSkip":3}`, v)

	require.NoError(t, s.SetItem(KeyCursor, `{"userSkip":6}`))
	v, _, err = s.GetItem(KeyCursor)
	require.NoError(t, err)
	assert.Equal(t, `{"userSkip":6}`, v)

	require.NoError(t, s.RemoveItem(KeyCursor))
	require.NoError(t, s.RemoveItem(KeyCursor))
	_, ok, err = s.GetItem(KeyCursor)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Quota(t *testing.T) {
	s := openTemp(t, 100)

	require.NoError(t, s.SetItem("a", strings.Repeat("x", 60)))
	err := s.SetItem("b", strings.Repeat("y", 50))
	assert.ErrorIs(t, err, fault.ErrQuotaExceeded)

	_, ok, err := s.GetItem("b")
	require.NoError(t, err)
	assert.False(t, ok, "failed write must not store anything")

	// Overwriting a key only counts its new size.
	require.NoError(t, s.SetItem("a", strings.Repeat("x", 90)))
	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(90), size)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetItem(KeySnapshot, "snap"))
	require.NoError(t, s.Close())

	s, err = Open(path, 0)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, ok, err := s.GetItem(KeySnapshot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "snap", v)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{KeySnapshot}, keys)
}
