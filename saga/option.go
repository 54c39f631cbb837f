package saga

import (
	"go.uber.org/zap"

	"txcoord/coordinator"
	"txcoord/store"
)

type Options struct {
	Logger        *zap.Logger
	StepIsolation store.IsolationLevel
	StepRetry     coordinator.RetryPolicy
	// CompensationRetry applies to compensations. A compensation that gives
	// up leaves the saga in an unrecoverable state.
	CompensationRetry coordinator.RetryPolicy
}

type Option func(*Options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithStepIsolation(level store.IsolationLevel) Option {
	return func(o *Options) {
		o.StepIsolation = level
	}
}

func WithStepRetryPolicy(policy coordinator.RetryPolicy) Option {
	return func(o *Options) {
		o.StepRetry = policy
	}
}

func WithCompensationRetryPolicy(policy coordinator.RetryPolicy) Option {
	return func(o *Options) {
		o.CompensationRetry = policy
	}
}

func repair(o *Options) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.StepRetry.MaxAttempts == 0 {
		o.StepRetry = coordinator.DefaultRetryPolicy()
	}
	if o.CompensationRetry.MaxAttempts == 0 {
		o.CompensationRetry = coordinator.DefaultRetryPolicy()
		o.CompensationRetry.MaxAttempts = 5
	}
}
