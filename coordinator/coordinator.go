// Package coordinator runs caller-supplied units of work inside store
// transactions, retrying retryable conflicts with exponential backoff and
// surfacing everything else classified.
package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"txcoord/lockmanager"
	"txcoord/store"
	"txcoord/txerror"
)

// UnitOfWork is the caller-supplied transactional function. It must be
// re-runnable: on a retryable conflict the coordinator rolls back and
// invokes it again from a fresh TxContext. That contract is the caller's
// to honor; the coordinator cannot enforce it.
type UnitOfWork func(ctx context.Context, txc *TxContext) error

// Coordinator drives units of work through one store adapter. Safe for
// concurrent use; concurrent runs share nothing but the store itself and
// the lock manager.
type Coordinator struct {
	store store.Store
	locks *lockmanager.Manager
	opts  *Options
}

func New(st store.Store, opts ...Option) *Coordinator {
	c := Coordinator{
		store: st,
		opts:  &Options{},
	}
	for _, opt := range opts {
		opt(c.opts)
	}
	repair(c.opts)

	c.locks = c.opts.Locks
	if c.locks == nil {
		lockOpts := []lockmanager.Option{lockmanager.WithLogger(c.opts.Logger)}
		if versions, ok := st.(store.VersionReader); ok {
			lockOpts = append(lockOpts, lockmanager.WithVersionReader(versions))
		}
		c.locks = lockmanager.New(lockOpts...)
	}
	return &c
}

// Locks exposes the lock manager, for sharing it with another coordinator
// against the same store.
func (c *Coordinator) Locks() *lockmanager.Manager { return c.locks }

// Run executes work transactionally. On success the transaction commits and
// Run returns nil. On failure the transaction rolls back; retryable
// conflicts are retried per the policy from a fresh TxContext, everything
// else surfaces immediately. The returned error always carries its
// classification and the attempt count.
func (c *Coordinator) Run(ctx context.Context, work UnitOfWork, opts ...RunOption) error {
	cfg := runConfig{
		isolation: c.opts.DefaultIsolation,
		retry:     c.opts.DefaultRetry,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	policy := cfg.retry.normalized()

	runCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backoff(runCtx, policy, attempt-2, lastErr); err != nil {
				return txerror.Annotate(err, attempt-1)
			}
		}

		err := c.attempt(runCtx, cfg.isolation, work)
		if err == nil {
			if attempt > 1 {
				c.opts.Logger.Info("unit of work committed after retry",
					zap.Int("attempt", attempt))
			}
			return nil
		}

		// A spent deadline aborts the run outright; it does not count as a
		// retryable failure.
		if runCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return txerror.Annotate(err, attempt)
		}

		class := c.classify(err)
		if class != txerror.Retryable && class != txerror.Connectivity {
			return txerror.Annotate(err, attempt)
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		c.opts.Logger.Warn("unit of work rolled back, retrying",
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Error(err))
	}

	return txerror.Annotate(lastErr, policy.MaxAttempts)
}

// RunValue is Run for units of work that produce a value.
func RunValue[T any](ctx context.Context, c *Coordinator, work func(context.Context, *TxContext) (T, error), opts ...RunOption) (T, error) {
	var result T
	err := c.Run(ctx, func(ctx context.Context, txc *TxContext) error {
		var workErr error
		result, workErr = work(ctx, txc)
		return workErr
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// attempt makes exactly one commit or one rollback, never both.
func (c *Coordinator) attempt(ctx context.Context, isolation store.IsolationLevel, work UnitOfWork) error {
	tx, err := c.store.Begin(ctx, isolation)
	if err != nil {
		return err
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	txc := newTxContext(tx, isolation, c.locks, deadline)

	if workErr := work(ctx, txc); workErr != nil {
		if rbErr := txc.rollback(ctx); rbErr != nil {
			c.opts.Logger.Warn("rollback failed",
				zap.String("context_id", txc.ID()), zap.Error(rbErr))
		}
		return workErr
	}

	return txc.commit(ctx)
}

func (c *Coordinator) backoff(ctx context.Context, policy RetryPolicy, retry int, cause error) error {
	delay := policy.Delay(retry)
	if txerror.ClassOf(cause) == txerror.Connectivity {
		delay = time.Duration(float64(delay) * c.opts.ConnectivityBackoff)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify resolves an error's class: explicit classifications pass
// through, then the configured classifier, then the store adapter's
// fallback hook.
func (c *Coordinator) classify(err error) txerror.Class {
	var classified *txerror.Error
	if errors.As(err, &classified) {
		return classified.Class()
	}
	if c.opts.Classifier != nil {
		return c.opts.Classifier(err)
	}
	return c.store.Classify(err)
}
