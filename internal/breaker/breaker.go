package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/pkg/errors"
	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// lockNamespace prefixes lock keys for breaker critical sections.
const lockNamespace = "breaker:"

// State represents the state of a circuit
type State int

const (
	// StateClosed - calls are allowed
	StateClosed State = iota
	// StateOpen - calls are rejected
	StateOpen
	// StateHalfOpen - a limited number of trial calls are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds per-call circuit breaker thresholds
type Config struct {
	// FailureThreshold opens a closed circuit once reached
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open trial
	ResetTimeout time.Duration
	// SuccessThreshold closes a half-open circuit once reached
	SuccessThreshold int
	// HalfOpenMaxAttempts caps concurrent trial calls while half-open
	HalfOpenMaxAttempts int
}

// DefaultConfig returns default breaker thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		ResetTimeout:        60 * time.Second,
		SuccessThreshold:    1,
		HalfOpenMaxAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 3
	}
	return c
}

// keyState tracks the circuit state machine for a single key.
// halfOpenInFlight counts trial calls admitted but not yet recorded; a
// completed trial frees its slot so the cap bounds concurrency, not the
// total number of trials.
type keyState struct {
	state             State
	failures          int
	lastFailure       time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
}

// Snapshot is a read-only view of one circuit's state.
type Snapshot struct {
	Key               string    `json:"key"`
	State             string    `json:"state"`
	Failures          int       `json:"failures"`
	LastFailure       time.Time `json:"last_failure"`
	HalfOpenInFlight  int       `json:"half_open_in_flight"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

// Stats is a snapshot of breaker activity across all keys.
type Stats struct {
	Circuits   int   `json:"circuits"`
	Open       int   `json:"open"`
	HalfOpen   int   `json:"half_open"`
	Rejections int64 `json:"rejections"`
	Failures   int64 `json:"failures"`
	Successes  int64 `json:"successes"`
}

// Breaker is a per-key circuit breaker. All reads and writes of a key's
// state happen inside one lock manager critical section so transitions
// never interleave under concurrent callers.
type Breaker struct {
	mu     sync.RWMutex
	states map[string]*keyState

	rejections int64
	failures   int64
	successes  int64

	lm      *locks.Manager
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates a new per-key circuit breaker.
func New(lm *locks.Manager, mt *metrics.Metrics) *Breaker {
	return &Breaker{
		states:  make(map[string]*keyState),
		lm:      lm,
		logger:  logging.GetLogger(),
		metrics: mt,
	}
}

// Allow reports whether a call for key may proceed. An open circuit
// transitions to half-open once the reset timeout has elapsed since the
// last failure; half-open circuits admit a bounded number of concurrent
// trial calls, each slot freed when its outcome is recorded.
func (b *Breaker) Allow(ctx context.Context, key string, cfg Config) (bool, error) {
	cfg = cfg.withDefaults()
	allowed := false

	err := b.lm.WithLock(ctx, lockNamespace+key, locks.Options{}, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		ks := b.stateLocked(key)
		switch ks.state {
		case StateClosed:
			allowed = true
		case StateOpen:
			if time.Since(ks.lastFailure) >= cfg.ResetTimeout {
				b.transitionLocked(key, ks, StateHalfOpen)
				ks.halfOpenInFlight = 1
				ks.halfOpenSuccesses = 0
				allowed = true
			}
		case StateHalfOpen:
			if ks.halfOpenInFlight < cfg.HalfOpenMaxAttempts {
				ks.halfOpenInFlight++
				allowed = true
			}
		}

		if !allowed {
			b.rejections++
			if b.metrics != nil {
				b.metrics.BreakerRejections.WithLabelValues(key).Inc()
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// RecordSuccess records a successful call for key. In half-open it closes
// the circuit once the success threshold is reached; in closed it resets
// the failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context, key string, cfg Config) error {
	cfg = cfg.withDefaults()

	return b.lm.WithLock(ctx, lockNamespace+key, locks.Options{}, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.successes++
		ks := b.stateLocked(key)
		switch ks.state {
		case StateHalfOpen:
			if ks.halfOpenInFlight > 0 {
				ks.halfOpenInFlight--
			}
			ks.halfOpenSuccesses++
			if ks.halfOpenSuccesses >= cfg.SuccessThreshold {
				b.transitionLocked(key, ks, StateClosed)
				ks.failures = 0
				ks.halfOpenInFlight = 0
				ks.halfOpenSuccesses = 0
			}
		case StateClosed:
			ks.failures = 0
		}
		return nil
	})
}

// RecordFailure records a failed call for key. A closed circuit opens once
// the failure threshold is reached; a half-open circuit reopens on any
// failure.
func (b *Breaker) RecordFailure(ctx context.Context, key string, cfg Config) error {
	cfg = cfg.withDefaults()

	return b.lm.WithLock(ctx, lockNamespace+key, locks.Options{}, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.failures++
		ks := b.stateLocked(key)
		ks.failures++
		ks.lastFailure = time.Now()

		switch ks.state {
		case StateClosed:
			if ks.failures >= cfg.FailureThreshold {
				b.transitionLocked(key, ks, StateOpen)
			}
		case StateHalfOpen:
			b.transitionLocked(key, ks, StateOpen)
			ks.halfOpenInFlight = 0
			ks.halfOpenSuccesses = 0
		}
		return nil
	})
}

// Do runs fn for key under circuit breaker protection, failing fast with a
// circuit-open error when the call is not allowed.
func (b *Breaker) Do(ctx context.Context, key string, cfg Config, fn func(context.Context) error) error {
	allowed, err := b.Allow(ctx, key, cfg)
	if err != nil {
		return err
	}
	if !allowed {
		return errors.NewCircuitOpenError(key)
	}

	if err := fn(ctx); err != nil {
		if recordErr := b.RecordFailure(ctx, key, cfg); recordErr != nil {
			b.logger.Error("failed to record circuit failure", "key", key, "error", recordErr)
		}
		return err
	}
	return b.RecordSuccess(ctx, key, cfg)
}

// GetState returns the current state for key without side effects on
// counters. An open circuit past its reset timeout reports half-open.
func (b *Breaker) GetState(key string, cfg Config) State {
	cfg = cfg.withDefaults()

	b.mu.RLock()
	defer b.mu.RUnlock()

	ks, ok := b.states[key]
	if !ok {
		return StateClosed
	}
	if ks.state == StateOpen && time.Since(ks.lastFailure) >= cfg.ResetTimeout {
		return StateHalfOpen
	}
	return ks.state
}

// Snapshot returns a read-only view of one circuit, ok=false if the key has
// never been recorded.
func (b *Breaker) Snapshot(key string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ks, ok := b.states[key]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Key:               key,
		State:             ks.state.String(),
		Failures:          ks.failures,
		LastFailure:       ks.lastFailure,
		HalfOpenInFlight:  ks.halfOpenInFlight,
		HalfOpenSuccesses: ks.halfOpenSuccesses,
	}, true
}

// GetStats returns aggregate breaker activity.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Circuits:   len(b.states),
		Rejections: b.rejections,
		Failures:   b.failures,
		Successes:  b.successes,
	}
	for _, ks := range b.states {
		switch ks.state {
		case StateOpen:
			stats.Open++
		case StateHalfOpen:
			stats.HalfOpen++
		}
	}
	return stats
}

// Reset drops all circuit state. Used by the health monitor during a full
// coordinated reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	n := len(b.states)
	b.states = make(map[string]*keyState)
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state reset", "circuits_dropped", n)
}

// stateLocked returns the state for key, creating a closed circuit on first
// use. Caller must hold b.mu.
func (b *Breaker) stateLocked(key string) *keyState {
	ks, ok := b.states[key]
	if !ok {
		ks = &keyState{state: StateClosed}
		b.states[key] = ks
	}
	return ks
}

// transitionLocked moves a circuit to a new state. Caller must hold b.mu.
func (b *Breaker) transitionLocked(key string, ks *keyState, to State) {
	if ks.state == to {
		return
	}
	from := ks.state
	ks.state = to

	if b.metrics != nil {
		b.metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	b.logger.Info("circuit state changed",
		"key", key,
		"from", from.String(),
		"to", to.String(),
		"failures", ks.failures,
	)
}
