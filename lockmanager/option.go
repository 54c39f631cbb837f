package lockmanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"txcoord/store"
)

// AdvisoryProvider extends advisory locks across processes. Acquire returns
// the release function for the granted lock.
type AdvisoryProvider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

type Options struct {
	Versions    store.VersionReader
	Advisory    AdvisoryProvider
	AdvisoryTTL time.Duration
	Logger      *zap.Logger
}

type Option func(*Options)

// WithVersionReader wires the store used by optimistic version checks.
func WithVersionReader(versions store.VersionReader) Option {
	return func(o *Options) {
		o.Versions = versions
	}
}

// WithAdvisoryProvider wires a cross-process advisory lock provider.
func WithAdvisoryProvider(provider AdvisoryProvider) Option {
	return func(o *Options) {
		o.Advisory = provider
	}
}

// WithAdvisoryTTL bounds how long a cross-process advisory lock may outlive
// a crashed holder.
func WithAdvisoryTTL(ttl time.Duration) Option {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return func(o *Options) {
		o.AdvisoryTTL = ttl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func repair(o *Options) {
	if o.AdvisoryTTL <= 0 {
		o.AdvisoryTTL = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
