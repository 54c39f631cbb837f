// Package batch drives large datasets through the coordinator in bounded
// chunks. One transaction commits per chunk; item failures roll back to a
// per-item savepoint and are recorded instead of aborting the chunk, and a
// checkpoint is emitted at every committed chunk boundary so the caller
// can persist progress and resume after a crash.
package batch

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txcoord/coordinator"
	"txcoord/txerror"
)

// Item is one unit of batch input. Cursor is the opaque resume position
// of the item within its source.
type Item struct {
	Cursor string
	Key    string
	Value  any
}

// Source is a finite, restartable sequence of items. Seek("") rewinds to
// the start; Seek(cursor) positions just after the item that produced
// cursor, which is how resumed runs skip committed chunks.
type Source interface {
	Seek(cursor string) error
	Next(ctx context.Context) (Item, bool, error)
}

// ItemWork processes one item inside the chunk's transaction.
type ItemWork func(ctx context.Context, txc *coordinator.TxContext, item Item) error

// CheckpointError is the serializable form of a classified failure.
type CheckpointError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Checkpoint marks resumable progress. The runner emits it; persisting it
// between chunks is the caller's job.
type Checkpoint struct {
	Cursor    string           `json:"cursor"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	LastError *CheckpointError `json:"lastError,omitempty"`
}

// FailureRecord is one recorded item failure.
type FailureRecord struct {
	Cursor  string
	Key     string
	Class   txerror.Class
	Message string
}

// Result aggregates a run. Failures is bounded to the first
// MaxFailureRecords entries.
type Result struct {
	Processed  int
	Failed     int
	Failures   []FailureRecord
	Checkpoint Checkpoint
}

// Runner drives batches through one coordinator.
type Runner struct {
	coord *coordinator.Coordinator
	opts  *Options
}

func New(coord *coordinator.Coordinator, opts ...Option) *Runner {
	r := Runner{
		coord: coord,
		opts:  &Options{},
	}
	for _, opt := range opts {
		opt(r.opts)
	}
	repair(r.opts)
	return &r
}

// Run processes the whole source from the start.
func (r *Runner) Run(ctx context.Context, src Source, work ItemWork) (*Result, error) {
	return r.run(ctx, src, work, Checkpoint{})
}

// Resume continues a run from a previously emitted checkpoint. Items of
// already-committed chunks are not processed again.
func (r *Runner) Resume(ctx context.Context, src Source, work ItemWork, cp Checkpoint) (*Result, error) {
	return r.run(ctx, src, work, cp)
}

func (r *Runner) run(ctx context.Context, src Source, work ItemWork, cp Checkpoint) (*Result, error) {
	if err := src.Seek(cp.Cursor); err != nil {
		return nil, errors.WithMessagef(err, "seeking to %q", cp.Cursor)
	}
	cp.LastError = nil

	result := &Result{Checkpoint: cp}
	for {
		chunk, err := r.readChunk(ctx, src)
		if err != nil {
			result.Checkpoint = cp
			return result, errors.WithMessage(err, "reading batch input")
		}
		if len(chunk) == 0 {
			break
		}

		var processed int
		var chunkFailures []FailureRecord
		err = r.coord.Run(ctx, func(ctx context.Context, txc *coordinator.TxContext) error {
			// The chunk may be re-run from a fresh transaction; counters
			// start over with it.
			processed = 0
			chunkFailures = chunkFailures[:0]
			for i, item := range chunk {
				itemErr := r.runItem(ctx, txc, work, i, item)
				if itemErr == nil {
					processed++
					continue
				}
				class := txerror.ClassOf(itemErr)
				if class == txerror.Fatal {
					return itemErr
				}
				chunkFailures = append(chunkFailures, FailureRecord{
					Cursor:  item.Cursor,
					Key:     item.Key,
					Class:   class,
					Message: itemErr.Error(),
				})
			}
			return nil
		}, coordinator.WithIsolation(r.opts.Isolation), coordinator.WithRetryPolicy(r.opts.Retry))
		if err != nil {
			// The chunk rolled back; the checkpoint stays at the previous
			// chunk boundary so a resumed run replays exactly this chunk.
			cp.LastError = &CheckpointError{
				Class:   txerror.ClassOf(err).String(),
				Message: err.Error(),
			}
			result.Checkpoint = cp
			return result, err
		}

		cp.Cursor = chunk[len(chunk)-1].Cursor
		cp.Processed += processed
		cp.Failed += len(chunkFailures)
		if n := len(chunkFailures); n > 0 {
			last := chunkFailures[n-1]
			cp.LastError = &CheckpointError{Class: last.Class.String(), Message: last.Message}
		}

		result.Processed += processed
		result.Failed += len(chunkFailures)
		for _, f := range chunkFailures {
			if len(result.Failures) >= r.opts.MaxFailureRecords {
				break
			}
			result.Failures = append(result.Failures, f)
		}
		result.Checkpoint = cp

		if r.opts.OnCheckpoint != nil {
			if err := r.opts.OnCheckpoint(cp); err != nil {
				return result, txerror.New(txerror.Fatal, errors.WithMessage(err, "checkpoint hook"))
			}
		}

		r.opts.Logger.Debug("batch chunk committed",
			zap.String("cursor", cp.Cursor),
			zap.Int("processed", processed),
			zap.Int("failed", len(chunkFailures)))
	}

	return result, nil
}

// runItem isolates one item behind a savepoint: a non-fatal failure rolls
// back the item's writes only and the chunk moves on.
func (r *Runner) runItem(ctx context.Context, txc *coordinator.TxContext, work ItemWork, idx int, item Item) error {
	name := fmt.Sprintf("batch_item_%d", idx)
	if err := txc.Savepoint(ctx, name); err != nil {
		return err
	}

	if err := work(ctx, txc, item); err != nil {
		if txerror.ClassOf(err) == txerror.Fatal {
			return err
		}
		if rbErr := txc.RollbackToSavepoint(ctx, name); rbErr != nil {
			return rbErr
		}
		if relErr := txc.ReleaseSavepoint(ctx, name); relErr != nil {
			return relErr
		}
		return err
	}

	return txc.ReleaseSavepoint(ctx, name)
}

func (r *Runner) readChunk(ctx context.Context, src Source) ([]Item, error) {
	chunk := make([]Item, 0, r.opts.ChunkSize)
	for len(chunk) < r.opts.ChunkSize {
		item, ok, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		chunk = append(chunk, item)
	}
	return chunk, nil
}
