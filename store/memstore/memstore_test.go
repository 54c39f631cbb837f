package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/store"
)

func TestCommitAppliesBufferedWrites(t *testing.T) {
	db := New()
	ctx := context.Background()

	tx, err := db.Begin(ctx, store.ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, tx.Exec(ctx, func(_ context.Context, h any) error {
		handle := h.(*Handle)
		handle.Put("a", 1)
		handle.Put("b", 2)
		return nil
	}))

	_, ok := db.Get("a")
	assert.False(t, ok, "uncommitted writes are invisible")

	require.NoError(t, tx.Commit(ctx))
	v, ok := db.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.ErrorIs(t, tx.Commit(ctx), ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTxDone)
}

func TestRollbackDiscards(t *testing.T) {
	db := New()
	db.Seed("a", "old")
	ctx := context.Background()

	tx, err := db.Begin(ctx, store.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, func(_ context.Context, h any) error {
		h.(*Handle).Put("a", "new")
		return nil
	}))
	require.NoError(t, tx.Rollback(ctx))

	v, _ := db.Get("a")
	assert.Equal(t, "old", v)
}

func TestReadThroughWriteBuffer(t *testing.T) {
	db := New()
	db.Seed("a", "committed")
	ctx := context.Background()

	tx, err := db.Begin(ctx, store.ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, func(_ context.Context, h any) error {
		handle := h.(*Handle)

		v, ok := handle.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "committed", v)

		handle.Put("a", "dirty")
		v, _ = handle.Get("a")
		assert.Equal(t, "dirty", v)

		handle.Delete("a")
		_, ok = handle.Get("a")
		assert.False(t, ok)
		return nil
	}))
	require.NoError(t, tx.Rollback(ctx))
}

func TestVersionsBumpPerCommittedWrite(t *testing.T) {
	db := New()
	ctx := context.Background()

	v, err := db.ReadVersion(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	db.Seed("k", "x")
	v, _ = db.ReadVersion(ctx, "k")
	assert.Equal(t, int64(1), v)

	tx, _ := db.Begin(ctx, store.ReadCommitted)
	require.NoError(t, tx.Exec(ctx, func(_ context.Context, h any) error {
		h.(*Handle).Put("k", "y")
		return nil
	}))
	require.NoError(t, tx.Commit(ctx))
	v, _ = db.ReadVersion(ctx, "k")
	assert.Equal(t, int64(2), v)
}

func TestSavepointRollbackTruncatesLog(t *testing.T) {
	db := New()
	ctx := context.Background()

	tx, _ := db.Begin(ctx, store.ReadCommitted)
	put := func(k string, v any) {
		require.NoError(t, tx.Exec(ctx, func(_ context.Context, h any) error {
			h.(*Handle).Put(k, v)
			return nil
		}))
	}

	put("keep", 1)
	require.NoError(t, tx.Savepoint(ctx, "sp"))
	put("drop", 2)
	require.NoError(t, tx.RollbackToSavepoint(ctx, "sp"))
	require.NoError(t, tx.Commit(ctx))

	_, ok := db.Get("keep")
	assert.True(t, ok)
	_, ok = db.Get("drop")
	assert.False(t, ok)
}

func TestUnknownSavepoint(t *testing.T) {
	db := New()
	ctx := context.Background()
	tx, _ := db.Begin(ctx, store.ReadCommitted)

	assert.ErrorIs(t, tx.RollbackToSavepoint(ctx, "ghost"), ErrNoSavepoint)
	assert.ErrorIs(t, tx.ReleaseSavepoint(ctx, "ghost"), ErrNoSavepoint)
}
