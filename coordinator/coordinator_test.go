package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/store"
	"txcoord/store/memstore"
	"txcoord/txerror"
)

// countingStore wraps memstore to count terminal outcomes per attempt.
type countingStore struct {
	*memstore.Store

	mu        sync.Mutex
	begins    int
	commits   int
	rollbacks int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: memstore.New()}
}

func (s *countingStore) Begin(ctx context.Context, level store.IsolationLevel) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx, level)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return &countingTx{Tx: tx, s: s}, nil
}

func (s *countingStore) counts() (begins, commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins, s.commits, s.rollbacks
}

type countingTx struct {
	store.Tx
	s *countingStore
}

func (t *countingTx) Commit(ctx context.Context) error {
	t.s.mu.Lock()
	t.s.commits++
	t.s.mu.Unlock()
	return t.Tx.Commit(ctx)
}

func (t *countingTx) Rollback(ctx context.Context) error {
	t.s.mu.Lock()
	t.s.rollbacks++
	t.s.mu.Unlock()
	return t.Tx.Rollback(ctx)
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func TestRunCommitsExactlyOnce(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		return txc.Exec(ctx, func(_ context.Context, h any) error {
			h.(*memstore.Handle).Put("k", "v")
			return nil
		})
	})
	require.NoError(t, err)

	begins, commits, rollbacks := st.counts()
	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rollbacks)

	v, ok := st.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestRetryExhaustion(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	calls := 0
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		calls++
		return txerror.Newf(txerror.Retryable, "serialization failure")
	}, WithRetryPolicy(fastPolicy(3)))

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var classified *txerror.Error
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, txerror.Retryable, classified.Class())
	assert.Equal(t, 3, classified.Attempts())

	_, commits, rollbacks := st.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 3, rollbacks)
}

func TestConstraintViolationNotRetried(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	calls := 0
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		calls++
		return txerror.Newf(txerror.ConstraintViolation, "duplicate key")
	}, WithRetryPolicy(fastPolicy(5)))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, txerror.ConstraintViolation, txerror.ClassOf(err))

	_, commits, rollbacks := st.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, rollbacks)
}

func TestConstraintNameSurfaced(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'users.uk_email'"}
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		return errors.WithMessage(dup, "inserting user")
	})
	require.Error(t, err)

	var classified *txerror.Error
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, txerror.ConstraintViolation, classified.Class())
	assert.Equal(t, "users.uk_email", classified.Constraint())
}

func TestRetryThenSucceed(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	calls := 0
	started := time.Now()
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		calls++
		if calls < 3 {
			return txerror.Newf(txerror.Retryable, "deadlock")
		}
		return nil
	}, WithRetryPolicy(policy))
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Backoff of ~10ms then ~20ms.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)

	_, commits, rollbacks := st.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 2, rollbacks)
}

func TestDeadlineAbortsWithoutRetry(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	calls := 0
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		calls++
		<-ctx.Done()
		return txerror.Newf(txerror.Retryable, "conflict after deadline")
	}, WithRetryPolicy(fastPolicy(5)), WithTimeout(20*time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 1, calls, "a spent deadline must not consume retry slots")

	_, commits, rollbacks := st.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, rollbacks)
}

func TestContextTerminalStateIsFatal(t *testing.T) {
	st := newCountingStore()
	c := New(st)

	var leaked *TxContext
	require.NoError(t, c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		leaked = txc
		return nil
	}))

	require.Equal(t, StateCommitted, leaked.State())
	err := leaked.Exec(context.Background(), func(context.Context, any) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, txerror.Fatal, txerror.ClassOf(err))

	assert.Error(t, leaked.Savepoint(context.Background(), "late"))
}

func TestSavepointStackDiscipline(t *testing.T) {
	st := newCountingStore()
	c := New(st)
	ctx := context.Background()

	err := c.Run(ctx, func(ctx context.Context, txc *TxContext) error {
		put := func(k, v string) error {
			return txc.Exec(ctx, func(_ context.Context, h any) error {
				h.(*memstore.Handle).Put(k, v)
				return nil
			})
		}

		require.NoError(t, put("base", "1"))
		require.NoError(t, txc.Savepoint(ctx, "a"))
		require.NoError(t, put("after_a", "1"))
		require.NoError(t, txc.Savepoint(ctx, "b"))
		require.NoError(t, put("after_b", "1"))

		// Rolling back to a discards b and the writes after a.
		require.NoError(t, txc.RollbackToSavepoint(ctx, "a"))
		bErr := txc.ReleaseSavepoint(ctx, "b")
		require.Error(t, bErr)
		assert.True(t, errors.Is(bErr, ErrUnknownSavepoint))

		// a survives a rollback-to and can be released.
		require.NoError(t, txc.ReleaseSavepoint(ctx, "a"))
		return nil
	})
	require.NoError(t, err)

	_, ok := st.Get("base")
	assert.True(t, ok)
	_, ok = st.Get("after_a")
	assert.False(t, ok)
	_, ok = st.Get("after_b")
	assert.False(t, ok)
}

func TestDuplicateSavepointNameIsFatal(t *testing.T) {
	c := New(newCountingStore())
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		require.NoError(t, txc.Savepoint(ctx, "sp"))
		return txc.Savepoint(ctx, "sp")
	})
	require.Error(t, err)
	assert.Equal(t, txerror.Fatal, txerror.ClassOf(err))
}

func TestRunValue(t *testing.T) {
	c := New(newCountingStore())

	got, err := RunValue(context.Background(), c, func(ctx context.Context, txc *TxContext) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = RunValue(context.Background(), c, func(ctx context.Context, txc *TxContext) (int, error) {
		return 0, txerror.Newf(txerror.Fatal, "nope")
	})
	require.Error(t, err)
}

func TestOptimisticCheckRetriesWork(t *testing.T) {
	db := memstore.New()
	db.Seed("doc/1", "v1") // version 1
	c := New(db)

	calls := 0
	err := c.Run(context.Background(), func(ctx context.Context, txc *TxContext) error {
		calls++
		expected := int64(0)
		if calls > 1 {
			expected = 1 // re-read picks up the committed version
		}
		return txc.CheckVersion(ctx, "doc/1", expected)
	}, WithRetryPolicy(fastPolicy(3)))

	require.NoError(t, err)
	assert.Equal(t, 2, calls, "version mismatch is a retryable conflict")
}

func TestLocksReleasedOnCommitAndRollback(t *testing.T) {
	st := newCountingStore()
	c := New(st)
	ctx := context.Background()

	require.NoError(t, c.Run(ctx, func(ctx context.Context, txc *TxContext) error {
		_, err := txc.AcquireLock(ctx, "row/1", store.LockExclusive, time.Second)
		return err
	}))

	// Held locks must not leak past commit: an immediate re-acquire from a
	// new context succeeds.
	err := c.Run(ctx, func(ctx context.Context, txc *TxContext) error {
		if _, err := txc.AcquireLock(ctx, "row/1", store.LockExclusive, 50*time.Millisecond); err != nil {
			return err
		}
		return txerror.Newf(txerror.Fatal, "force rollback")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force rollback", "acquire must have succeeded")
	// Nor past rollback.
	require.NoError(t, c.Run(ctx, func(ctx context.Context, txc *TxContext) error {
		_, err := txc.AcquireLock(ctx, "row/1", store.LockExclusive, 50*time.Millisecond)
		return err
	}))
}
