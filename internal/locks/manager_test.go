package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/statuspulse/statuspulse/pkg/errors"
)

func testConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Second,
		MaxHoldTime:    30 * time.Second,
		SweepInterval:  50 * time.Millisecond,
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	holder, err := m.Acquire(context.Background(), "status:github", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, holder)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.ActiveLocks)

	require.NoError(t, m.Release(holder))
	assert.Equal(t, 0, m.GetStats().ActiveLocks)
}

func TestManager_MutualExclusion(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	const goroutines = 20
	var inCritical int32
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxConcurrent := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "shared", Options{Timeout: 5 * time.Second}, func() error {
				mu.Lock()
				inCritical++
				if int(inCritical) > maxConcurrent {
					maxConcurrent = int(inCritical)
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inCritical--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, maxConcurrent, "at most one holder at any instant")
}

func TestManager_AcquireTimeout(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	holder, err := m.Acquire(context.Background(), "busy", Options{})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background(), "busy", Options{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeLockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	assert.EqualValues(t, 1, m.GetStats().Timeouts)
	require.NoError(t, m.Release(holder))
}

func TestManager_WaitersGrantedByPriority(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	holder, err := m.Acquire(context.Background(), "ordered", Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Queue waiters with increasing priority; grant order must be the
	// reverse of arrival order.
	for _, prio := range []int{1, 2, 3} {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			err := m.WithLock(context.Background(), "ordered", Options{Timeout: 5 * time.Second, Priority: p}, func() error {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(prio)
		time.Sleep(50 * time.Millisecond) // ensure deterministic arrival order
	}

	require.NoError(t, m.Release(holder))
	wg.Wait()

	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestManager_EqualPriorityFIFO(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	holder, err := m.Acquire(context.Background(), "fifo", Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := m.WithLock(context.Background(), "fifo", Options{Timeout: 5 * time.Second, Priority: 7}, func() error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}(i)
		time.Sleep(50 * time.Millisecond)
	}

	require.NoError(t, m.Release(holder))
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestManager_ExpirySweepForceReleases(t *testing.T) {
	cfg := Config{
		DefaultTimeout: time.Second,
		MaxHoldTime:    100 * time.Millisecond,
		SweepInterval:  25 * time.Millisecond,
	}
	m := NewManager(cfg, nil)
	defer m.Stop()

	_, err := m.Acquire(context.Background(), "leaked", Options{})
	require.NoError(t, err)

	// Waiter should be rejected when the sweep expires the holder.
	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "leaked", Options{Timeout: 2 * time.Second})
		waiterErr <- err
	}()

	select {
	case err := <-waiterErr:
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeLockExpired))
	case <-time.After(time.Second):
		t.Fatal("waiter was not rejected within one sweep interval of expiry")
	}

	assert.Equal(t, 0, m.GetStats().ActiveLocks)
	assert.EqualValues(t, 1, m.GetStats().Expirations)
}

func TestManager_WithLockReleasesOnError(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	wantErr := apperrors.NewInternalError("boom")
	err := m.WithLock(context.Background(), "errpath", Options{}, func() error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)

	// Lock must be free again.
	holder, err := m.Acquire(context.Background(), "errpath", Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	m.Release(holder)
}

func TestManager_Reset(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	_, err := m.Acquire(context.Background(), "a", Options{})
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "b", Options{})
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "a", Options{Timeout: 2 * time.Second})
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	m.Reset()

	assert.Equal(t, 0, m.GetStats().ActiveLocks)
	err = <-waiterErr
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeLockExpired))
}

func TestManager_ContextCancellation(t *testing.T) {
	m := NewManager(testConfig(), nil)
	defer m.Stop()

	holder, err := m.Acquire(context.Background(), "cancel", Options{})
	require.NoError(t, err)
	defer m.Release(holder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "cancel", Options{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
