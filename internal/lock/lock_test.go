package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// acquiredWithin reports whether done is closed before d elapses.
func acquiredWithin(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// =============================================================================
// Reentrancy and upgrade
// =============================================================================

func TestHolder_UpgradeRestoresReadCount(t *testing.T) {
	t.Parallel()
	m := New()
	h := m.Holder()
	ctx := context.Background()

	for range 3 {
		require.NoError(t, h.RLock(ctx))
	}
	assert.Equal(t, 3, m.Readers())

	require.NoError(t, h.Lock(ctx))
	assert.True(t, m.Writing())
	assert.Zero(t, m.Readers())

	h.Unlock()
	assert.False(t, m.Writing())
	assert.Equal(t, 3, h.Reads())
	assert.Equal(t, 3, m.Readers())

	for range 3 {
		h.RUnlock()
	}
	assert.Zero(t, m.Readers())
}

func TestHolder_NestedWriteAndReadInsideWrite(t *testing.T) {
	t.Parallel()
	m := New()
	h := m.Holder()
	ctx := context.Background()

	require.NoError(t, h.Lock(ctx))
	require.NoError(t, h.Lock(ctx))
	require.NoError(t, h.RLock(ctx))
	h.Unlock()
	assert.True(t, m.Writing())
	h.Unlock()

	assert.False(t, m.Writing())
	assert.Equal(t, 1, m.Readers())
	h.RUnlock()
	assert.Zero(t, m.Readers())
}

func TestAcquireWrite_RejectsOverGiveUp(t *testing.T) {
	t.Parallel()
	m := New()
	require.NoError(t, m.AcquireRead(context.Background()))
	err := m.AcquireWrite(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, 1, m.Readers())
	m.ReleaseRead()
}

// =============================================================================
// Exclusion
// =============================================================================

func TestWriter_BlocksReaders(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()
	require.NoError(t, m.AcquireWrite(ctx, 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if m.AcquireRead(ctx) == nil {
			m.ReleaseRead()
		}
	}()
	assert.False(t, acquiredWithin(done, 50*time.Millisecond), "reader must wait for the writer")

	m.ReleaseWrite(0)
	assert.True(t, acquiredWithin(done, time.Second))
}

func TestUpgrade_WaitsForOtherReaders(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()
	mine, other := m.Holder(), m.Holder()
	require.NoError(t, mine.RLock(ctx))
	require.NoError(t, other.RLock(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if mine.Lock(ctx) == nil {
			mine.Unlock()
		}
	}()
	assert.False(t, acquiredWithin(done, 50*time.Millisecond), "upgrade must wait for the other reader")

	other.RUnlock()
	require.True(t, acquiredWithin(done, time.Second))
	assert.Equal(t, 1, m.Readers())
	mine.RUnlock()
}

func TestTwoUpgraders_DoNotDeadlock(t *testing.T) {
	t.Parallel()
	m := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := m.Holder()
			if !assert.NoError(t, h.RLock(ctx)) {
				return
			}
			if assert.NoError(t, h.Lock(ctx)) {
				h.Unlock()
			}
			h.RUnlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, m.Readers())
	assert.False(t, m.Writing())
}

func TestConcurrent_WritersExcludeEveryone(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	var readers, writers atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := m.Holder()
			for j := range 200 {
				if (i+j)%5 == 0 {
					if err := h.Lock(ctx); err != nil {
						return
					}
					if writers.Add(1) != 1 || readers.Load() != 0 {
						violations.Add(1)
					}
					writers.Add(-1)
					h.Unlock()
					continue
				}
				if err := h.RLock(ctx); err != nil {
					return
				}
				readers.Add(1)
				if writers.Load() != 0 {
					violations.Add(1)
				}
				readers.Add(-1)
				h.RUnlock()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, violations.Load())
	assert.Zero(t, m.Readers())
}

// =============================================================================
// Interruption
// =============================================================================

func TestAcquireRead_Interrupted(t *testing.T) {
	t.Parallel()
	m := New()
	require.NoError(t, m.AcquireWrite(context.Background(), 0))
	defer m.ReleaseWrite(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h := m.Holder()
	err := h.RLock(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.Reads())
	assert.Zero(t, m.Readers())
}

func TestAcquireWrite_InterruptedRestoresReads(t *testing.T) {
	t.Parallel()
	m := New()
	mine, other := m.Holder(), m.Holder()
	require.NoError(t, mine.RLock(context.Background()))
	require.NoError(t, mine.RLock(context.Background()))
	require.NoError(t, other.RLock(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := mine.Lock(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, mine.Writing())
	assert.Equal(t, 2, mine.Reads())
	assert.Equal(t, 3, m.Readers())

	mine.RUnlock()
	mine.RUnlock()
	other.RUnlock()
	assert.Zero(t, m.Readers())
}

func TestRUnlock_WithoutLockPanics(t *testing.T) {
	t.Parallel()
	h := New().Holder()
	assert.Panics(t, h.RUnlock)
	assert.Panics(t, h.Unlock)
}
