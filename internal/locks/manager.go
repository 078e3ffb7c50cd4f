package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statuspulse/statuspulse/pkg/errors"
	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// Options control a single acquisition attempt.
type Options struct {
	// Timeout bounds how long the caller may wait for the lock. Zero means
	// the manager's default timeout.
	Timeout time.Duration
	// Priority orders waiters; higher values are granted first. Equal
	// priorities are served in arrival order.
	Priority int
}

// Config holds lock manager configuration
type Config struct {
	// DefaultTimeout is used when Options.Timeout is zero
	DefaultTimeout time.Duration
	// MaxHoldTime is the maximum duration a lock may be held before the
	// sweep force-releases it
	MaxHoldTime time.Duration
	// SweepInterval is how often the expiry sweep runs
	SweepInterval time.Duration
}

// DefaultConfig returns default lock manager configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 10 * time.Second,
		MaxHoldTime:    30 * time.Second,
		SweepInterval:  5 * time.Second,
	}
}

// grant carries the outcome of a wait to a suspended caller.
type grant struct {
	holderID string
	err      error
}

// waiter is a suspended caller queued for a lock key.
type waiter struct {
	holderID string
	priority int
	arrived  time.Time
	ch       chan grant
}

// lockState tracks the holder and ordered waiters for one key.
type lockState struct {
	holder     string
	acquiredAt time.Time
	expiresAt  time.Time
	waiters    []*waiter
}

// Stats is a snapshot of lock manager activity.
type Stats struct {
	ActiveLocks    int            `json:"active_locks"`
	TotalWaiters   int            `json:"total_waiters"`
	Acquisitions   int64          `json:"acquisitions"`
	Timeouts       int64          `json:"timeouts"`
	Expirations    int64          `json:"expirations"`
	Releases       int64          `json:"releases"`
	WaitersPerKey  map[string]int `json:"waiters_per_key"`
}

// Manager is a named-mutex lock manager with priority-ordered waiters,
// acquisition timeouts and forced expiry of stale holders.
type Manager struct {
	mu          sync.Mutex
	locks       map[string]*lockState
	holderToKey map[string]string
	config      Config

	acquisitions int64
	timeouts     int64
	expirations  int64
	releases     int64

	stopCh  chan struct{}
	stopped bool

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewManager creates a new lock manager and starts its expiry sweep.
func NewManager(config Config, mt *metrics.Metrics) *Manager {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 10 * time.Second
	}
	if config.MaxHoldTime <= 0 {
		config.MaxHoldTime = 30 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Second
	}

	m := &Manager{
		locks:       make(map[string]*lockState),
		holderToKey: make(map[string]string),
		config:      config,
		stopCh:      make(chan struct{}),
		logger:      logging.GetLogger(),
		metrics:     mt,
	}

	go m.sweepLoop()

	return m
}

// Acquire obtains the lock for key, waiting up to the configured timeout.
// It returns an opaque holder id that must be passed to Release.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	holderID := uuid.New().String()
	start := time.Now()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", errors.NewInternalError("lock manager is stopped")
	}

	state, held := m.locks[key]
	if !held {
		now := time.Now()
		m.locks[key] = &lockState{
			holder:     holderID,
			acquiredAt: now,
			expiresAt:  now.Add(m.config.MaxHoldTime),
		}
		m.holderToKey[holderID] = key
		m.acquisitions++
		m.updateGauges()
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.LockAcquisitions.WithLabelValues("immediate").Inc()
		}
		return holderID, nil
	}

	// Key is held; queue as a waiter ordered by descending priority,
	// arrival order within equal priority.
	w := &waiter{
		holderID: holderID,
		priority: opts.Priority,
		arrived:  time.Now(),
		ch:       make(chan grant, 1),
	}
	idx := sort.Search(len(state.waiters), func(i int) bool {
		return state.waiters[i].priority < w.priority
	})
	state.waiters = append(state.waiters, nil)
	copy(state.waiters[idx+1:], state.waiters[idx:])
	state.waiters[idx] = w
	m.updateGauges()
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return "", g.err
		}
		if m.metrics != nil {
			m.metrics.LockAcquisitions.WithLabelValues("queued").Inc()
		}
		return g.holderID, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or cancelled. The grant may have raced with the timer, so
	// re-check under the mutex before failing.
	m.mu.Lock()
	if state, ok := m.locks[key]; ok {
		for i, qw := range state.waiters {
			if qw == w {
				state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
				m.timeouts++
				m.updateGauges()
				m.mu.Unlock()
				if m.metrics != nil {
					m.metrics.LockTimeouts.WithLabelValues(key).Inc()
				}
				elapsed := time.Since(start)
				m.logger.Debug("lock acquisition timed out",
					"key", key,
					"elapsed", elapsed,
					"priority", opts.Priority,
				)
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", errors.NewLockTimeoutError(key, elapsed)
			}
		}
	}
	m.mu.Unlock()

	// Already removed from the queue: the grant won the race.
	g := <-w.ch
	if g.err != nil {
		return "", g.err
	}
	if m.metrics != nil {
		m.metrics.LockAcquisitions.WithLabelValues("queued").Inc()
	}
	return g.holderID, nil
}

// Release releases the lock owned by holderID, handing it to the next
// waiter if any.
func (m *Manager) Release(holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.holderToKey[holderID]
	if !ok {
		return errors.NewNotFoundError("lock holder")
	}
	delete(m.holderToKey, holderID)
	m.releases++

	state, ok := m.locks[key]
	if !ok || state.holder != holderID {
		// Holder was force-released by the sweep in the meantime.
		return nil
	}

	m.promoteLocked(key, state)
	m.updateGauges()
	return nil
}

// promoteLocked hands the lock to the highest-priority waiter or deletes the
// entry. Caller must hold m.mu.
func (m *Manager) promoteLocked(key string, state *lockState) {
	if len(state.waiters) == 0 {
		delete(m.locks, key)
		return
	}

	next := state.waiters[0]
	state.waiters = state.waiters[1:]
	now := time.Now()
	state.holder = next.holderID
	state.acquiredAt = now
	state.expiresAt = now.Add(m.config.MaxHoldTime)
	m.holderToKey[next.holderID] = key
	m.acquisitions++
	next.ch <- grant{holderID: next.holderID}
}

// WithLock runs fn while holding the lock for key, releasing it on every
// exit path including panics.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func() error) error {
	holderID, err := m.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer m.Release(holderID)
	return fn()
}

// GetStats returns a snapshot of lock manager activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		ActiveLocks:   len(m.locks),
		Acquisitions:  m.acquisitions,
		Timeouts:      m.timeouts,
		Expirations:   m.expirations,
		Releases:      m.releases,
		WaitersPerKey: make(map[string]int, len(m.locks)),
	}
	for key, state := range m.locks {
		stats.TotalWaiters += len(state.waiters)
		if len(state.waiters) > 0 {
			stats.WaitersPerKey[key] = len(state.waiters)
		}
	}
	return stats
}

// Reset force-releases every lock and rejects all waiters. Used by the
// health monitor when lock state is suspected to have leaked.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, state := range m.locks {
		for _, w := range state.waiters {
			w.ch <- grant{err: errors.NewLockExpiredError(key)}
		}
		delete(m.locks, key)
	}
	m.holderToKey = make(map[string]string)
	m.updateGauges()

	m.logger.Warn("lock manager state reset")
}

// Stop terminates the expiry sweep. Held locks are not released.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep force-releases locks held past MaxHoldTime and rejects their
// waiters. This bounds staleness from leaked or deadlocked holders.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, state := range m.locks {
		if now.Before(state.expiresAt) {
			continue
		}

		m.expirations++
		if m.metrics != nil {
			m.metrics.LockExpirations.Inc()
		}
		m.logger.Warn("force-releasing expired lock",
			"key", key,
			"holder", state.holder,
			"held_for", now.Sub(state.acquiredAt),
			"waiters", len(state.waiters),
		)

		delete(m.holderToKey, state.holder)
		for _, w := range state.waiters {
			w.ch <- grant{err: errors.NewLockExpiredError(key)}
		}
		delete(m.locks, key)
	}
	m.updateGauges()
}

// updateGauges refreshes gauge metrics. Caller must hold m.mu.
func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	waiters := 0
	for _, state := range m.locks {
		waiters += len(state.waiters)
	}
	m.metrics.ActiveLocks.Set(float64(len(m.locks)))
	m.metrics.LockWaiters.Set(float64(waiters))
}
