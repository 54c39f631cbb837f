// Package store declares the adapter interface the coordinator consumes.
// An adapter owns connections, wire formats and SQL; the coordinator only
// drives begin/commit/rollback, savepoints, lock primitives and the error
// classification fallback through it.
package store

import (
	"context"
	"fmt"

	"txcoord/txerror"
)

// IsolationLevel selects the isolation of a transaction at Begin.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

// LockMode selects how a resource is locked.
type LockMode int

const (
	// LockShared admits concurrent shared holders, excludes exclusive.
	LockShared LockMode = iota
	// LockExclusive excludes every other acquirer.
	LockExclusive
	// LockAdvisory is application-level, not tied to a row. Reentrant only
	// within the owning transaction context.
	LockAdvisory
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	case LockAdvisory:
		return "advisory"
	default:
		return fmt.Sprintf("lock_mode(%d)", int(m))
	}
}

// Operation is a caller-supplied data operation. handle is the store-native
// transaction object (for example *gorm.DB for the gorm adapter); callers
// that know their adapter downcast it.
type Operation func(ctx context.Context, handle any) error

// Store is the adapter the coordinator drives.
type Store interface {
	// Begin opens a transaction at the given isolation level.
	Begin(ctx context.Context, level IsolationLevel) (Tx, error)

	// Classify is the adapter's fallback hook for error classification,
	// consulted for errors the default classifier cannot place.
	Classify(err error) txerror.Class
}

// Tx is one open store transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Exec runs a data operation against the native handle and returns the
	// raw store error, unclassified.
	Exec(ctx context.Context, op Operation) error

	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
}

// RowLocker is implemented by transactions that can take store-native row
// locks (for example SELECT ... FOR UPDATE). Discovered by assertion.
type RowLocker interface {
	AcquireRowLock(ctx context.Context, resourceKey string, mode LockMode) error
}

// VersionReader is implemented by stores that expose a committed version
// per resource, enabling optimistic checks. Discovered by assertion.
type VersionReader interface {
	ReadVersion(ctx context.Context, resourceKey string) (int64, error)
}
