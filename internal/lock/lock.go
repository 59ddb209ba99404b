// Package lock implements the single-writer/multi-reader lock that guards a
// composite index.
//
// The lock counts read acquisitions instead of tracking goroutines. A caller
// that already holds K read locks upgrades by giving those K locks up as part
// of the write acquisition and gets them back on release, so a query that
// discovers it must write does not deadlock against itself. Holder wraps this
// bookkeeping for one logical caller.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInterrupted is returned when a blocked acquisition is abandoned because
// its context ended. Lock counts are left as they were before the call.
var ErrInterrupted = errors.New("lock: acquisition interrupted")

// Manager is a counting read/write lock. The zero value is not usable; call
// New.
type Manager struct {
	mu      sync.Mutex
	readers int
	writer  bool
	changed chan struct{}
}

// New returns an unlocked Manager.
func New() *Manager {
	return &Manager{changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold m.mu.
func (m *Manager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// wait blocks until the state changes or ctx ends. Callers hold m.mu; it is
// released while blocked and held again on return.
func (m *Manager) wait(ctx context.Context) error {
	ch := m.changed
	m.mu.Unlock()
	defer m.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// AcquireRead takes one read lock, blocking while a writer holds the lock.
func (m *Manager) AcquireRead(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.writer {
		if err := m.wait(ctx); err != nil {
			return err
		}
	}
	m.readers++
	return nil
}

// ReleaseRead returns one read lock.
func (m *Manager) ReleaseRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readers == 0 {
		panic("lock: ReleaseRead without a held read lock")
	}
	m.readers--
	if m.readers == 0 {
		m.broadcast()
	}
}

// AcquireWrite gives up giveUp read locks held by the caller and takes the
// write lock once no other reader or writer remains. If ctx ends first the
// given-up read locks are restored before ErrInterrupted is returned.
func (m *Manager) AcquireWrite(ctx context.Context, giveUp int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if giveUp < 0 || giveUp > m.readers {
		return fmt.Errorf("lock: cannot give up %d read locks, %d held", giveUp, m.readers)
	}
	m.readers -= giveUp
	if giveUp > 0 {
		m.broadcast()
	}
	for m.writer || m.readers > 0 {
		if err := m.wait(ctx); err != nil {
			m.restore(giveUp)
			return err
		}
	}
	m.writer = true
	return nil
}

// restore hands n read locks back to an interrupted upgrader. It waits out any
// writer that slipped in meanwhile; that wait is bounded by the writer itself.
func (m *Manager) restore(n int) {
	for n > 0 && m.writer {
		_ = m.wait(context.Background())
	}
	m.readers += n
}

// ReleaseWrite drops the write lock and grants restore read locks to the
// releasing caller.
func (m *Manager) ReleaseWrite(restore int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.writer {
		panic("lock: ReleaseWrite without the write lock")
	}
	m.writer = false
	m.readers += restore
	m.broadcast()
}

// Readers returns the number of read locks currently held.
func (m *Manager) Readers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers
}

// Writing reports whether the write lock is held.
func (m *Manager) Writing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer
}

// Holder tracks the locks of one logical caller, such as a query or an
// indexing task. A Holder must not be shared between goroutines.
type Holder struct {
	m      *Manager
	reads  int
	writes int
}

// Holder returns a new holder with no locks.
func (m *Manager) Holder() *Holder {
	return &Holder{m: m}
}

// RLock takes a read lock. Nested calls are counted; while the holder owns
// the write lock they succeed without touching the manager.
func (h *Holder) RLock(ctx context.Context) error {
	if h.writes == 0 {
		if err := h.m.AcquireRead(ctx); err != nil {
			return err
		}
	}
	h.reads++
	return nil
}

// RUnlock releases one read lock.
func (h *Holder) RUnlock() {
	if h.reads == 0 {
		panic("lock: RUnlock without a held read lock")
	}
	h.reads--
	if h.writes == 0 {
		h.m.ReleaseRead()
	}
}

// Lock takes the write lock, upgrading every read lock the holder owns.
func (h *Holder) Lock(ctx context.Context) error {
	if h.writes > 0 {
		h.writes++
		return nil
	}
	if err := h.m.AcquireWrite(ctx, h.reads); err != nil {
		return err
	}
	h.writes = 1
	return nil
}

// Unlock releases the write lock; the holder again owns the read locks it
// had when it called Lock.
func (h *Holder) Unlock() {
	if h.writes == 0 {
		panic("lock: Unlock without the write lock")
	}
	h.writes--
	if h.writes == 0 {
		h.m.ReleaseWrite(h.reads)
	}
}

// Reads returns the holder's read-lock count.
func (h *Holder) Reads() int { return h.reads }

// Writing reports whether the holder owns the write lock.
func (h *Holder) Writing() bool { return h.writes > 0 }
