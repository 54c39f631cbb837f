// Package memstore is an in-memory store adapter. It backs the test suites
// and the runnable examples; it keeps a committed version per key so
// optimistic checks work against it.
package memstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"txcoord/store"
	"txcoord/txerror"
)

var (
	// ErrTxDone is returned when a finished transaction is driven again.
	ErrTxDone = errors.New("memstore: transaction already finished")
	// ErrNoSavepoint is returned for operations on an unknown savepoint.
	ErrNoSavepoint = errors.New("memstore: no such savepoint")
)

type row struct {
	value   any
	version int64
}

// Store is a versioned in-memory key/value store.
type Store struct {
	mu   sync.RWMutex
	rows map[string]row
}

func New() *Store {
	return &Store{rows: make(map[string]row)}
}

// Seed writes a committed value outside any transaction.
func (s *Store) Seed(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.rows[key]
	s.rows[key] = row{value: value, version: existing.version + 1}
}

// Get reads a committed value.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key]
	if !ok {
		return nil, false
	}
	return r.value, true
}

// ReadVersion returns the committed version of key, 0 when absent.
func (s *Store) ReadVersion(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[key].version, nil
}

func (s *Store) Begin(_ context.Context, _ store.IsolationLevel) (store.Tx, error) {
	return &Tx{store: s}, nil
}

func (s *Store) Classify(err error) txerror.Class {
	return txerror.Classify(err)
}

type write struct {
	key     string
	value   any
	deleted bool
}

type savepointMark struct {
	name string
	idx  int
}

// Tx buffers writes until Commit. Savepoints mark positions in the write
// log; rolling back to one truncates the log.
type Tx struct {
	store      *Store
	writes     []write
	savepoints []savepointMark
	done       bool
}

// Handle is the native handle passed to store.Operation callbacks.
type Handle struct {
	tx *Tx
}

// Get reads through the write buffer, falling back to committed state.
func (h *Handle) Get(key string) (any, bool) {
	for i := len(h.tx.writes) - 1; i >= 0; i-- {
		if h.tx.writes[i].key == key {
			if h.tx.writes[i].deleted {
				return nil, false
			}
			return h.tx.writes[i].value, true
		}
	}
	return h.tx.store.Get(key)
}

func (h *Handle) Put(key string, value any) {
	h.tx.writes = append(h.tx.writes, write{key: key, value: value})
}

func (h *Handle) Delete(key string) {
	h.tx.writes = append(h.tx.writes, write{key: key, deleted: true})
}

func (t *Tx) Exec(ctx context.Context, op store.Operation) error {
	if t.done {
		return ErrTxDone
	}
	return op(ctx, &Handle{tx: t})
}

func (t *Tx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, w := range t.writes {
		if w.deleted {
			delete(t.store.rows, w.key)
			continue
		}
		existing := t.store.rows[w.key]
		t.store.rows[w.key] = row{value: w.value, version: existing.version + 1}
	}
	return nil
}

func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.writes = nil
	return nil
}

func (t *Tx) Savepoint(_ context.Context, name string) error {
	if t.done {
		return ErrTxDone
	}
	t.savepoints = append(t.savepoints, savepointMark{name: name, idx: len(t.writes)})
	return nil
}

func (t *Tx) ReleaseSavepoint(_ context.Context, name string) error {
	if t.done {
		return ErrTxDone
	}
	i, ok := t.findSavepoint(name)
	if !ok {
		return errors.WithMessage(ErrNoSavepoint, name)
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

func (t *Tx) RollbackToSavepoint(_ context.Context, name string) error {
	if t.done {
		return ErrTxDone
	}
	i, ok := t.findSavepoint(name)
	if !ok {
		return errors.WithMessage(ErrNoSavepoint, name)
	}
	t.writes = t.writes[:t.savepoints[i].idx]
	// The marker itself survives so it can be rolled back to again.
	t.savepoints = t.savepoints[:i+1]
	return nil
}

func (t *Tx) findSavepoint(name string) (int, bool) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i, true
		}
	}
	return 0, false
}
