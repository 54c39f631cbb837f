package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"txcoord/lockmanager"
	"txcoord/store"
	"txcoord/txerror"
)

// ErrInvalidState is returned, Fatal-classified, when a terminated
// transaction context is driven again. Programmer error, never retried.
var ErrInvalidState = errors.New("transaction context is not open")

// ErrUnknownSavepoint is returned, Fatal-classified, for savepoint names
// that were never created or were already discarded.
var ErrUnknownSavepoint = errors.New("unknown savepoint")

// State is the lifecycle state of a TxContext.
type State int

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// TxContext is one unit-of-work's transaction. It is owned by the
// coordinator invocation that created it and must not be shared between
// goroutines: operations within a context are strictly sequential.
type TxContext struct {
	id        string
	isolation store.IsolationLevel
	deadline  time.Time

	mu         sync.Mutex
	state      State
	savepoints []string

	tx    store.Tx
	locks *lockmanager.Manager
}

func newTxContext(tx store.Tx, isolation store.IsolationLevel, locks *lockmanager.Manager, deadline time.Time) *TxContext {
	return &TxContext{
		id:        uuid.NewString(),
		isolation: isolation,
		deadline:  deadline,
		state:     StateOpen,
		tx:        tx,
		locks:     locks,
	}
}

// ID is the opaque context token. Lock ownership is keyed by it.
func (t *TxContext) ID() string { return t.id }

func (t *TxContext) Isolation() store.IsolationLevel { return t.isolation }

func (t *TxContext) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Deadline reports the context deadline, when one was set.
func (t *TxContext) Deadline() (time.Time, bool) {
	return t.deadline, !t.deadline.IsZero()
}

func (t *TxContext) ensureOpen() error {
	if t.state != StateOpen {
		return txerror.New(txerror.Fatal, errors.WithMessagef(ErrInvalidState, "state %s", t.state))
	}
	return nil
}

// Exec runs a data operation inside the transaction. The raw store error
// comes back unclassified; the coordinator classifies whatever the unit of
// work returns.
func (t *TxContext) Exec(ctx context.Context, op store.Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	return t.tx.Exec(ctx, op)
}

// Savepoint creates a named marker. Names are stack-disciplined and must
// be unique within the context.
func (t *TxContext) Savepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if t.findSavepoint(name) >= 0 {
		return txerror.Newf(txerror.Fatal, "savepoint %s already exists", name)
	}
	if err := t.tx.Savepoint(ctx, name); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, name)
	return nil
}

// ReleaseSavepoint discards the marker, keeping the changes made since it.
// Markers created after it are discarded with it.
func (t *TxContext) ReleaseSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return txerror.New(txerror.Fatal, errors.WithMessage(ErrUnknownSavepoint, name))
	}
	if err := t.tx.ReleaseSavepoint(ctx, name); err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

// RollbackToSavepoint discards the changes made since the marker, keeping
// the context open and the marker itself in place. Markers created after
// it are discarded.
func (t *TxContext) RollbackToSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpen(); err != nil {
		return err
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return txerror.New(txerror.Fatal, errors.WithMessage(ErrUnknownSavepoint, name))
	}
	if err := t.tx.RollbackToSavepoint(ctx, name); err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i+1]
	return nil
}

func (t *TxContext) findSavepoint(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == name {
			return i
		}
	}
	return -1
}

// AcquireLock takes an application-level lock owned by this context. For
// shared and exclusive modes the store-native row lock is taken as well
// when the adapter supports it. The lock is released at context teardown,
// never transferred.
func (t *TxContext) AcquireLock(ctx context.Context, resourceKey string, mode store.LockMode, waitTimeout time.Duration) (*lockmanager.Handle, error) {
	t.mu.Lock()
	if err := t.ensureOpen(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	tx := t.tx
	t.mu.Unlock()

	h, err := t.locks.Acquire(ctx, t.id, resourceKey, mode, waitTimeout)
	if err != nil {
		return nil, err
	}

	if mode != store.LockAdvisory {
		if rowLocker, ok := tx.(store.RowLocker); ok {
			if err := rowLocker.AcquireRowLock(ctx, resourceKey, mode); err != nil {
				_ = t.locks.Release(ctx, h)
				return nil, err
			}
		}
	}
	return h, nil
}

// CheckVersion fails with a Retryable conflict when the stored version of
// the resource differs from expected, telling the caller to re-read and
// re-run the whole unit of work.
func (t *TxContext) CheckVersion(ctx context.Context, resourceKey string, expected int64) error {
	t.mu.Lock()
	if err := t.ensureOpen(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	return t.locks.CheckVersion(ctx, resourceKey, expected)
}

// commit terminates the context. Exactly one of commit or rollback runs
// per attempt; locks are released either way.
func (t *TxContext) commit(ctx context.Context) error {
	t.mu.Lock()
	if err := t.ensureOpen(); err != nil {
		t.mu.Unlock()
		return err
	}
	err := t.tx.Commit(ctx)
	if err != nil {
		// A failed commit terminates the store transaction; the context is
		// rolled back, not half-committed.
		t.state = StateRolledBack
	} else {
		t.state = StateCommitted
	}
	t.savepoints = nil
	t.mu.Unlock()

	t.locks.ReleaseAll(ctx, t.id)
	return err
}

func (t *TxContext) rollback(ctx context.Context) error {
	t.mu.Lock()
	if err := t.ensureOpen(); err != nil {
		t.mu.Unlock()
		return err
	}
	err := t.tx.Rollback(ctx)
	t.state = StateRolledBack
	t.savepoints = nil
	t.mu.Unlock()

	t.locks.ReleaseAll(ctx, t.id)
	return err
}
