package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestSQLiteStore_LoadEmpty(t *testing.T) {
	store, _ := newTestSQLiteStore(t)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)
	assert.Equal(t, 0, state.Serial)
	assert.Empty(t, state.Resources)
}

func TestSQLiteStore_CommitRoundTrip(t *testing.T) {
	store, path := newTestSQLiteStore(t)
	ctx := context.Background()

	state, err := store.Load(ctx)
	require.NoError(t, err)
	state.Lineage = "abc-123"

	rec := testRecord("a", "null-1")
	rec.Dependencies = []string{"null:Resource.base"}
	require.NoError(t, store.Commit(ctx, state, rec))
	assert.Equal(t, 1, state.Serial)
	require.Len(t, state.Resources, 1)

	// A fresh handle sees the committed generation.
	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Serial)
	assert.Equal(t, "abc-123", loaded.Lineage)
	require.Len(t, loaded.Resources, 1)

	got := loaded.Resources[0]
	assert.Equal(t, "null:Resource.a", got.Addr())
	assert.Equal(t, "null-1", got.ID)
	assert.Equal(t, map[string]any{"name": "a"}, got.Inputs)
	assert.Equal(t, []string{"null:Resource.base"}, got.Dependencies)
	assert.Equal(t, "2026-08-23T10:00:00Z", got.AppliedAt)
}

func TestSQLiteStore_CommitUpdatesExistingAddress(t *testing.T) {
	store, _ := newTestSQLiteStore(t)
	ctx := context.Background()

	state, err := store.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, state, testRecord("a", "null-1")))
	require.NoError(t, store.Commit(ctx, state, testRecord("a", "null-2")))
	assert.Equal(t, 2, state.Serial)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Resources, 1)
	assert.Equal(t, "null-2", loaded.Resources[0].ID)
}

func TestSQLiteStore_RemoveAndWriteOutputs(t *testing.T) {
	store, _ := newTestSQLiteStore(t)
	ctx := context.Background()

	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, state, testRecord("a", "null-1")))

	require.NoError(t, store.Remove(ctx, state, "null:Resource.a"))
	assert.Empty(t, state.Resources)
	assert.Equal(t, 2, state.Serial)

	require.NoError(t, store.WriteOutputs(ctx, state, map[string]any{"endpoint": "x"}))
	assert.Equal(t, 3, state.Serial)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Resources)
	assert.Equal(t, map[string]any{"endpoint": "x"}, loaded.Outputs)
}

func TestSQLiteStore_StaleCommitRejected(t *testing.T) {
	store, _ := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := store.Load(ctx)
	require.NoError(t, err)
	second, err := store.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, first, testRecord("a", "null-1")))

	err = store.Commit(ctx, second, testRecord("b", "null-2"))
	assert.ErrorIs(t, err, ErrStaleState)
	assert.Equal(t, 0, second.Serial, "a failed commit must not advance the caller's generation")
	assert.Empty(t, second.Resources, "a failed commit must not touch the in-memory state")
}

func TestSQLiteStore_Lock(t *testing.T) {
	store, _ := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Lock(ctx))

	err := store.Lock(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")

	require.NoError(t, store.Unlock(ctx))
	require.NoError(t, store.Lock(ctx))
	require.NoError(t, store.Unlock(ctx))
}
