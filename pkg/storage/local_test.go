package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.Write(ctx, ".flowsync/map.yaml", []byte("project:\n  id: p1\n")))

	data, err := st.Read(ctx, ".flowsync/map.yaml")
	require.NoError(t, err)
	assert.Equal(t, "project:\n  id: p1\n", string(data))

	ok, err := st.Exists(ctx, ".flowsync/map.yaml")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.Delete(ctx, ".flowsync/map.yaml"))
	ok, err = st.Exists(ctx, ".flowsync/map.yaml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalReadMissing(t *testing.T) {
	st, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = st.Read(context.Background(), "nope.yaml")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocal(dir)
	require.NoError(t, err)

	require.NoError(t, st.Write(context.Background(), "hashes.yaml", []byte("a: b\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(entry.Name()))
	}
}

func TestLocalOverwrite(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.Write(ctx, "f", []byte("one")))
	require.NoError(t, st.Write(ctx, "f", []byte("two")))

	data, err := st.Read(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
