// Package saga sequences independently-committed transactional steps.
// Each step commits through the coordinator in its own transaction; when a
// step fails, the compensations of every completed step run in reverse
// order. This approximates atomicity across steps that cannot share one
// transaction. A stricter two-phase mode lives in twophase.go.
package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"txcoord/coordinator"
	"txcoord/txerror"
)

// Step is one forward action with its undo. The compensation receives the
// action's result and must be idempotent: it may run again after a crash
// or a partial compensation failure.
type Step struct {
	Name         string
	Action       func(ctx context.Context, txc *coordinator.TxContext) (any, error)
	Compensation func(ctx context.Context, txc *coordinator.TxContext, result any) error
}

type completedStep struct {
	step   Step
	result any
}

// execution is the record of completed steps backing the compensation
// chain. It lives only for the duration of one Execute call.
type execution struct {
	id        string
	completed []completedStep
}

// CompensationFailure is one compensation that failed irrecoverably.
type CompensationFailure struct {
	Step string
	Err  error
}

// CompensationError carries the full compensation-failure trail of a saga
// left in an unrecoverable state. Cause is the failure that triggered the
// compensation run, nil when the forward path succeeded (two-phase commit
// failures).
type CompensationError struct {
	SagaID   string
	Cause    error
	Failures []CompensationFailure
}

func (e *CompensationError) Error() string {
	trail := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		trail = append(trail, errors.WithMessage(f.Err, f.Step))
	}
	if e.Cause == nil {
		return fmt.Sprintf("saga %s: %v", e.SagaID, multierr.Combine(trail...))
	}
	return fmt.Sprintf("saga %s: %v; triggered by: %v", e.SagaID, multierr.Combine(trail...), e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// Orchestrator runs sagas through one coordinator.
type Orchestrator struct {
	coord *coordinator.Coordinator
	opts  *Options
}

func New(coord *coordinator.Coordinator, opts ...Option) *Orchestrator {
	o := Orchestrator{
		coord: coord,
		opts:  &Options{},
	}
	for _, opt := range opts {
		opt(o.opts)
	}
	repair(o.opts)
	return &o
}

// Execute runs the steps in order, each in its own committed transaction,
// and returns their results. On failure at step i, compensations for steps
// i-1..0 run in strict reverse order and the step error surfaces; if any
// compensation itself fails, the error is an UnrecoverableState carrying
// the full trail. Cancellation after partial completion still compensates.
func (o *Orchestrator) Execute(ctx context.Context, steps []Step) ([]any, error) {
	exec := &execution{id: uuid.NewString()}
	results := make([]any, 0, len(steps))

	for i, step := range steps {
		if step.Action == nil {
			return nil, o.compensate(ctx, exec,
				txerror.Newf(txerror.Fatal, "saga step %d (%s) has no action", i, step.Name))
		}
		if err := ctx.Err(); err != nil {
			return nil, o.compensate(ctx, exec, errors.WithMessage(err, "saga canceled"))
		}

		result, err := coordinator.RunValue(ctx, o.coord, step.Action, o.stepRunOptions()...)
		if err != nil {
			o.opts.Logger.Warn("saga step failed, compensating",
				zap.String("saga_id", exec.id),
				zap.String("step", step.Name),
				zap.Error(err))
			return nil, o.compensate(ctx, exec, errors.WithMessagef(err, "step %s", step.Name))
		}
		exec.completed = append(exec.completed, completedStep{step: step, result: result})
		results = append(results, result)
	}
	return results, nil
}

// compensate undoes completed steps in reverse order and reports the saga
// outcome. It runs detached from ctx cancellation: once triggered, the
// compensation chain always runs to its end.
func (o *Orchestrator) compensate(ctx context.Context, exec *execution, cause error) error {
	compCtx := context.WithoutCancel(ctx)

	var failures []CompensationFailure
	for i := len(exec.completed) - 1; i >= 0; i-- {
		done := exec.completed[i]
		if done.step.Compensation == nil {
			continue
		}

		err := o.coord.Run(compCtx, func(ctx context.Context, txc *coordinator.TxContext) error {
			return done.step.Compensation(ctx, txc, done.result)
		}, o.compensationRunOptions()...)
		if err != nil {
			o.opts.Logger.Error("saga compensation failed",
				zap.String("saga_id", exec.id),
				zap.String("step", done.step.Name),
				zap.Error(err))
			failures = append(failures, CompensationFailure{Step: done.step.Name, Err: err})
		}
	}

	if len(failures) > 0 {
		return txerror.New(txerror.UnrecoverableState, &CompensationError{
			SagaID:   exec.id,
			Cause:    cause,
			Failures: failures,
		})
	}
	return cause
}

func (o *Orchestrator) stepRunOptions() []coordinator.RunOption {
	return []coordinator.RunOption{
		coordinator.WithIsolation(o.opts.StepIsolation),
		coordinator.WithRetryPolicy(o.opts.StepRetry),
	}
}

func (o *Orchestrator) compensationRunOptions() []coordinator.RunOption {
	return []coordinator.RunOption{
		coordinator.WithIsolation(o.opts.StepIsolation),
		coordinator.WithRetryPolicy(o.opts.CompensationRetry),
	}
}
