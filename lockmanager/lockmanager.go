// Package lockmanager coordinates row and advisory locks between
// transaction contexts. It is an application-level lock table: shared and
// exclusive grants queue FIFO per resource key, advisory locks are
// reentrant within their owning context, and every grant is released when
// the owning context terminates. True deadlock detection is left to the
// underlying store; the manager only bounds local wait time.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txcoord/store"
	"txcoord/txerror"
)

var (
	// ErrLockWaitTimeout is surfaced, Retryable-classified, when an acquire
	// exceeds its wait timeout.
	ErrLockWaitTimeout = errors.New("lock wait timeout")
	// ErrVersionMismatch is surfaced, Retryable-classified, when an
	// optimistic check finds a different stored version.
	ErrVersionMismatch = errors.New("optimistic version mismatch")
	// ErrAlreadyHeld is returned when a context re-acquires a non-advisory
	// lock it already holds, or tries to upgrade shared to exclusive.
	ErrAlreadyHeld = errors.New("lock already held by this context")
)

// Handle is one granted lock. Handles belong to the context that acquired
// them and are never transferred.
type Handle struct {
	Key        string
	Mode       store.LockMode
	OwnerID    string
	AcquiredAt time.Time

	released        bool
	releaseAdvisory func(ctx context.Context) error
}

type waiter struct {
	ownerID string
	mode    store.LockMode
	ready   chan struct{}
	granted bool
}

type entry struct {
	mode    store.LockMode
	holders map[string]int
	waiters []*waiter
}

// Manager is the lock table. One instance is shared by all coordinator
// invocations against the same store.
type Manager struct {
	opts *Options

	mu      sync.Mutex
	entries map[string]*entry
	owners  map[string][]*Handle
}

func New(opts ...Option) *Manager {
	m := Manager{
		opts:    &Options{},
		entries: make(map[string]*entry),
		owners:  make(map[string][]*Handle),
	}
	for _, opt := range opts {
		opt(m.opts)
	}
	repair(m.opts)
	return &m
}

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// Acquire blocks up to waitTimeout for the requested grant. Advisory mode
// is reentrant within the same owner; shared admits concurrent shared
// holders; exclusive excludes everything.
func (m *Manager) Acquire(ctx context.Context, ownerID, key string, mode store.LockMode, waitTimeout time.Duration) (*Handle, error) {
	m.lock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{holders: make(map[string]int)}
		m.entries[key] = e
	}

	if _, holds := e.holders[ownerID]; holds {
		if mode == store.LockAdvisory && e.mode == store.LockAdvisory {
			e.holders[ownerID]++
			h := m.recordHandle(ownerID, key, mode)
			m.unlock()
			return h, nil
		}
		m.unlock()
		return nil, txerror.New(txerror.Fatal, errors.WithMessage(ErrAlreadyHeld, key))
	}

	if m.grantable(e, mode) {
		e.mode = mode
		e.holders[ownerID] = 1
		h := m.recordHandle(ownerID, key, mode)
		m.unlock()
		return m.withAdvisory(ctx, e, h)
	}

	w := &waiter{ownerID: ownerID, mode: mode, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	m.unlock()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		m.lock()
		h := m.recordHandle(ownerID, key, mode)
		m.unlock()
		return m.withAdvisory(ctx, e, h)
	case <-timer.C:
		m.abandonWait(e, w, ownerID, key)
		return nil, txerror.New(txerror.Retryable,
			errors.WithMessagef(ErrLockWaitTimeout, "%s lock on %s after %s", mode, key, waitTimeout))
	case <-ctx.Done():
		m.abandonWait(e, w, ownerID, key)
		return nil, errors.WithMessagef(ctx.Err(), "waiting for %s lock on %s", mode, key)
	}
}

// grantable reports whether mode can be granted right now. Shared requests
// queue behind existing waiters so writers cannot starve.
func (m *Manager) grantable(e *entry, mode store.LockMode) bool {
	if len(e.holders) == 0 {
		return len(e.waiters) == 0
	}
	return mode == store.LockShared && e.mode == store.LockShared && len(e.waiters) == 0
}

// abandonWait removes w from the queue, undoing a grant that raced in.
func (m *Manager) abandonWait(e *entry, w *waiter, ownerID, key string) {
	m.lock()
	defer m.unlock()

	if w.granted {
		// The grant landed between the wakeup and the timeout firing.
		m.releaseHolderLocked(e, ownerID, key)
		return
	}
	for i, queued := range e.waiters {
		if queued == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

// withAdvisory extends an in-process advisory grant with the cross-process
// provider, when one is configured. Provider failure undoes the grant.
func (m *Manager) withAdvisory(ctx context.Context, e *entry, h *Handle) (*Handle, error) {
	if h.Mode != store.LockAdvisory || m.opts.Advisory == nil {
		return h, nil
	}

	release, err := m.opts.Advisory.Acquire(ctx, h.Key, m.opts.AdvisoryTTL)
	if err != nil {
		m.lock()
		m.releaseHolderLocked(e, h.OwnerID, h.Key)
		m.dropHandleLocked(h)
		m.unlock()
		return nil, txerror.New(txerror.Retryable, errors.WithMessagef(err, "advisory lock on %s", h.Key))
	}
	h.releaseAdvisory = release
	return h, nil
}

func (m *Manager) recordHandle(ownerID, key string, mode store.LockMode) *Handle {
	h := &Handle{Key: key, Mode: mode, OwnerID: ownerID, AcquiredAt: time.Now()}
	m.owners[ownerID] = append(m.owners[ownerID], h)
	return h
}

func (m *Manager) dropHandleLocked(h *Handle) {
	handles := m.owners[h.OwnerID]
	for i, held := range handles {
		if held == h {
			m.owners[h.OwnerID] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(m.owners[h.OwnerID]) == 0 {
		delete(m.owners, h.OwnerID)
	}
}

// releaseHolderLocked drops one holder count and promotes waiters when the
// entry frees up. Must run under the manager lock.
func (m *Manager) releaseHolderLocked(e *entry, ownerID, key string) {
	count, ok := e.holders[ownerID]
	if !ok {
		return
	}
	if count > 1 {
		e.holders[ownerID] = count - 1
		return
	}
	delete(e.holders, ownerID)
	if len(e.holders) > 0 {
		return
	}

	if len(e.waiters) == 0 {
		delete(m.entries, key)
		return
	}

	// FIFO promotion: the head always wins; a shared head pulls every
	// consecutive shared waiter in with it.
	head := e.waiters[0]
	granted := []*waiter{head}
	if head.mode == store.LockShared {
		for _, next := range e.waiters[1:] {
			if next.mode != store.LockShared {
				break
			}
			granted = append(granted, next)
		}
	}
	e.waiters = e.waiters[len(granted):]
	e.mode = head.mode
	for _, w := range granted {
		e.holders[w.ownerID]++
		w.granted = true
		close(w.ready)
	}
}

// Release frees one handle. Idempotent. The cross-process advisory release
// only fires when the owner's last in-process hold of the key goes; until
// then it is carried over to a surviving handle.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	m.lock()
	if h.released {
		m.unlock()
		return nil
	}
	h.released = true
	stillHeld := false
	if e, ok := m.entries[h.Key]; ok {
		m.releaseHolderLocked(e, h.OwnerID, h.Key)
		_, stillHeld = e.holders[h.OwnerID]
	}
	m.dropHandleLocked(h)

	release := h.releaseAdvisory
	h.releaseAdvisory = nil
	if release != nil && stillHeld && m.transferAdvisoryLocked(h.OwnerID, h.Key, release) {
		release = nil
	}
	m.unlock()

	if release != nil {
		if err := release(ctx); err != nil {
			m.opts.Logger.Warn("advisory lock release failed",
				zap.String("key", h.Key), zap.Error(err))
		}
	}
	return nil
}

// transferAdvisoryLocked hands the provider release to another live handle
// of the same owner and key. Must run under the manager lock.
func (m *Manager) transferAdvisoryLocked(ownerID, key string, release func(context.Context) error) bool {
	for _, held := range m.owners[ownerID] {
		if held.Key == key && !held.released && held.releaseAdvisory == nil {
			held.releaseAdvisory = release
			return true
		}
	}
	return false
}

// ReleaseAll frees every lock held by the given context. Idempotent;
// invoked by transaction context teardown.
func (m *Manager) ReleaseAll(ctx context.Context, ownerID string) {
	m.lock()
	handles := append([]*Handle(nil), m.owners[ownerID]...)
	m.unlock()

	for _, h := range handles {
		_ = m.Release(ctx, h)
	}
}

// CheckVersion compares the stored version of a resource against the
// version the caller read. A mismatch is a Retryable conflict: re-read and
// re-run the unit of work.
func (m *Manager) CheckVersion(ctx context.Context, key string, expected int64) error {
	if m.opts.Versions == nil {
		return txerror.Newf(txerror.Fatal, "lockmanager: no version reader configured")
	}
	current, err := m.opts.Versions.ReadVersion(ctx, key)
	if err != nil {
		return errors.WithMessagef(err, "reading version of %s", key)
	}
	if current != expected {
		return txerror.New(txerror.Retryable,
			errors.WithMessagef(ErrVersionMismatch, "resource %s: stored %d, expected %d", key, current, expected))
	}
	return nil
}
