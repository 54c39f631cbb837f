package batch

import (
	"go.uber.org/zap"

	"txcoord/coordinator"
	"txcoord/store"
)

type Options struct {
	ChunkSize         int
	MaxFailureRecords int
	Isolation         store.IsolationLevel
	Retry             coordinator.RetryPolicy
	// OnCheckpoint runs after each committed chunk; the caller persists the
	// checkpoint there. A hook error stops the run.
	OnCheckpoint func(Checkpoint) error
	Logger       *zap.Logger
}

type Option func(*Options)

func WithChunkSize(size int) Option {
	if size <= 0 {
		size = 100
	}
	return func(o *Options) {
		o.ChunkSize = size
	}
}

// WithMaxFailureRecords bounds how many failure records a Result keeps.
// Counts are always complete; only the records are capped.
func WithMaxFailureRecords(n int) Option {
	if n <= 0 {
		n = 64
	}
	return func(o *Options) {
		o.MaxFailureRecords = n
	}
}

func WithIsolation(level store.IsolationLevel) Option {
	return func(o *Options) {
		o.Isolation = level
	}
}

func WithRetryPolicy(policy coordinator.RetryPolicy) Option {
	return func(o *Options) {
		o.Retry = policy
	}
}

func WithCheckpointHook(hook func(Checkpoint) error) Option {
	return func(o *Options) {
		o.OnCheckpoint = hook
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func repair(o *Options) {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 100
	}
	if o.MaxFailureRecords <= 0 {
		o.MaxFailureRecords = 64
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = coordinator.DefaultRetryPolicy()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
