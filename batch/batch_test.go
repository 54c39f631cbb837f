package batch

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/coordinator"
	"txcoord/store/memstore"
	"txcoord/txerror"
)

func items(n int) []Item {
	out := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Item{Key: "item" + strconv.Itoa(i), Value: i})
	}
	return out
}

func storeWork(db *memstore.Store) ItemWork {
	return func(ctx context.Context, txc *coordinator.TxContext, item Item) error {
		return txc.Exec(ctx, func(_ context.Context, h any) error {
			h.(*memstore.Handle).Put("out/"+item.Key, item.Value)
			return nil
		})
	}
}

func TestRunProcessesAllChunks(t *testing.T) {
	db := memstore.New()
	coord := coordinator.New(db)

	var checkpoints []Checkpoint
	runner := New(coord,
		WithChunkSize(4),
		WithCheckpointHook(func(cp Checkpoint) error {
			checkpoints = append(checkpoints, cp)
			return nil
		}),
	)

	result, err := runner.Run(context.Background(), NewSliceSource(items(10)), storeWork(db))
	require.NoError(t, err)
	assert.Equal(t, 10, result.Processed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, checkpoints, 3, "chunks of 4, 4, 2")
	assert.Equal(t, 10, checkpoints[2].Processed)
	assert.Equal(t, "9", checkpoints[2].Cursor)

	for i := 0; i < 10; i++ {
		_, ok := db.Get("out/item" + strconv.Itoa(i))
		assert.True(t, ok, "item %d must be committed", i)
	}
}

func TestItemFailureIsolatedBySavepoint(t *testing.T) {
	db := memstore.New()
	coord := coordinator.New(db)
	runner := New(coord, WithChunkSize(5))

	work := func(ctx context.Context, txc *coordinator.TxContext, item Item) error {
		err := txc.Exec(ctx, func(_ context.Context, h any) error {
			h.(*memstore.Handle).Put("out/"+item.Key, item.Value)
			return nil
		})
		if err != nil {
			return err
		}
		if item.Key == "item2" {
			return txerror.Newf(txerror.ConstraintViolation, "duplicate %s", item.Key)
		}
		return nil
	}

	result, err := runner.Run(context.Background(), NewSliceSource(items(5)), work)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "item2", result.Failures[0].Key)
	assert.Equal(t, txerror.ConstraintViolation, result.Failures[0].Class)
	require.NotNil(t, result.Checkpoint.LastError)
	assert.Equal(t, "constraint_violation", result.Checkpoint.LastError.Class)

	// The failed item's write rolled back to its savepoint; the rest of
	// the chunk committed.
	_, ok := db.Get("out/item2")
	assert.False(t, ok)
	_, ok = db.Get("out/item1")
	assert.True(t, ok)
	_, ok = db.Get("out/item3")
	assert.True(t, ok)
}

func TestFatalItemAbortsChunk(t *testing.T) {
	db := memstore.New()
	coord := coordinator.New(db)
	runner := New(coord, WithChunkSize(3), WithRetryPolicy(coordinator.NoRetry()))

	work := func(ctx context.Context, txc *coordinator.TxContext, item Item) error {
		if item.Key == "item4" {
			return txerror.Newf(txerror.Fatal, "poisoned item")
		}
		return storeWork(db)(ctx, txc, item)
	}

	result, err := runner.Run(context.Background(), NewSliceSource(items(6)), work)
	require.Error(t, err)
	assert.Equal(t, txerror.Fatal, txerror.ClassOf(err))
	assert.Equal(t, 3, result.Processed, "only the first chunk committed")
	assert.Equal(t, "2", result.Checkpoint.Cursor)
	require.NotNil(t, result.Checkpoint.LastError)

	// Nothing from the aborted chunk may be visible, not even item3.
	_, ok := db.Get("out/item3")
	assert.False(t, ok)
	_, ok = db.Get("out/item2")
	assert.True(t, ok)
}

func TestResumeProcessesRemainingExactlyOnce(t *testing.T) {
	db := memstore.New()
	coord := coordinator.New(db)

	var mu sync.Mutex
	seen := map[string]int{}
	work := func(ctx context.Context, txc *coordinator.TxContext, item Item) error {
		mu.Lock()
		seen[item.Key]++
		mu.Unlock()
		return storeWork(db)(ctx, txc, item)
	}

	// First run dies after its first committed chunk, as if the process
	// was killed: the checkpoint hook fails the run.
	var lastCheckpoint Checkpoint
	killed := New(coord,
		WithChunkSize(3),
		WithCheckpointHook(func(cp Checkpoint) error {
			lastCheckpoint = cp
			return errors.New("process killed")
		}),
	)
	_, err := killed.Run(context.Background(), NewSliceSource(items(9)), work)
	require.Error(t, err)
	require.Equal(t, 3, lastCheckpoint.Processed)

	// Resume from the persisted checkpoint with a fresh source.
	resumed := New(coord, WithChunkSize(3))
	result, err := resumed.Resume(context.Background(), NewSliceSource(items(9)), work, lastCheckpoint)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Processed)
	assert.Equal(t, 9, result.Checkpoint.Processed, "resumed checkpoint carries prior counts")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 9; i++ {
		assert.Equal(t, 1, seen["item"+strconv.Itoa(i)], "item %d processed exactly once", i)
	}
}

func TestFailureRecordsBounded(t *testing.T) {
	db := memstore.New()
	coord := coordinator.New(db)
	runner := New(coord, WithChunkSize(10), WithMaxFailureRecords(2))

	work := func(ctx context.Context, txc *coordinator.TxContext, item Item) error {
		return txerror.Newf(txerror.ConstraintViolation, "bad %s", item.Key)
	}

	result, err := runner.Run(context.Background(), NewSliceSource(items(5)), work)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Failed, "counts stay complete")
	assert.Len(t, result.Failures, 2, "records are capped")
}

func TestSliceSourceSeek(t *testing.T) {
	src := NewSliceSource(items(3))
	require.NoError(t, src.Seek("1"))

	item, ok, err := src.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "item2", item.Key)

	_, ok, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, src.Seek("no-such-cursor"))
}
