package coordinator

import (
	"time"

	"go.uber.org/zap"

	"txcoord/lockmanager"
	"txcoord/store"
	"txcoord/txerror"
)

type Options struct {
	Logger           *zap.Logger
	Locks            *lockmanager.Manager
	Classifier       txerror.Classifier
	DefaultIsolation store.IsolationLevel
	DefaultRetry     RetryPolicy
	// ConnectivityBackoff scales retry delays after connection loss, which
	// needs a longer base than in-transaction conflicts.
	ConnectivityBackoff float64
}

type Option func(*Options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithLockManager shares a lock manager between coordinators. By default
// each coordinator builds its own against its store.
func WithLockManager(locks *lockmanager.Manager) Option {
	return func(o *Options) {
		o.Locks = locks
	}
}

// WithClassifier overrides error classification. Without it, classification
// runs the default taxonomy and falls back to the store adapter's hook.
func WithClassifier(classifier txerror.Classifier) Option {
	return func(o *Options) {
		o.Classifier = classifier
	}
}

func WithDefaultIsolation(level store.IsolationLevel) Option {
	return func(o *Options) {
		o.DefaultIsolation = level
	}
}

func WithDefaultRetryPolicy(policy RetryPolicy) Option {
	return func(o *Options) {
		o.DefaultRetry = policy
	}
}

func WithConnectivityBackoff(factor float64) Option {
	if factor < 1 {
		factor = 1
	}
	return func(o *Options) {
		o.ConnectivityBackoff = factor
	}
}

func repair(o *Options) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.DefaultIsolation < store.ReadUncommitted || o.DefaultIsolation > store.Serializable {
		o.DefaultIsolation = store.ReadCommitted
	}
	if o.DefaultRetry.MaxAttempts == 0 {
		o.DefaultRetry = DefaultRetryPolicy()
	}
	if o.ConnectivityBackoff < 1 {
		o.ConnectivityBackoff = 4
	}
}

// runConfig is the per-call configuration resolved from RunOptions.
type runConfig struct {
	isolation store.IsolationLevel
	retry     RetryPolicy
	timeout   time.Duration
}

type RunOption func(*runConfig)

// WithIsolation selects the isolation level for this run.
func WithIsolation(level store.IsolationLevel) RunOption {
	return func(c *runConfig) {
		c.isolation = level
	}
}

// WithRetryPolicy selects the retry policy for this run.
func WithRetryPolicy(policy RetryPolicy) RunOption {
	return func(c *runConfig) {
		c.retry = policy
	}
}

// WithTimeout bounds the whole run, retries included. Exceeding it aborts
// without consuming further attempts.
func WithTimeout(timeout time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = timeout
	}
}
