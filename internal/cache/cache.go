package cache

import (
	"context"
	"sync"
	"time"

	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// lockNamespace prefixes lock keys so cache critical sections never collide
// with other components sharing the lock manager.
const lockNamespace = "cache:"

// Config holds cache configuration
type Config struct {
	// DefaultTTL is used when Set is called with a zero ttl
	DefaultTTL time.Duration
	// MaxEntries bounds the cache; the oldest entry by creation time is
	// evicted when a new key is inserted at capacity
	MaxEntries int
	// CleanupInterval is how often the background sweep removes expired
	// and surplus entries
	CleanupInterval time.Duration
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxEntries:      10000,
		CleanupInterval: time.Minute,
	}
}

type entry struct {
	value     interface{}
	createdAt time.Time
	expiresAt time.Time
}

// expired reports whether the entry is past its lifetime at now. The expiry
// instant itself counts as expired.
func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache is a bounded in-memory TTL cache. Every mutation runs inside a lock
// manager critical section keyed by the cache key, so logically concurrent
// callers touching the same key never interleave partial updates.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  Config

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	lm      *locks.Manager
	stopCh  chan struct{}
	stopped bool

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates a new cache and starts its cleanup sweep.
func New(config Config, lm *locks.Manager, mt *metrics.Metrics) *Cache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	c := &Cache{
		entries: make(map[string]*entry),
		config:  config,
		lm:      lm,
		stopCh:  make(chan struct{}),
		logger:  logging.GetLogger(),
		metrics: mt,
	}

	go c.cleanupLoop()

	return c
}

// Get returns the value for key, or ok=false when the key is absent or
// expired. Expired entries are deleted on read.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	var value interface{}
	var ok bool

	err := c.lm.WithLock(ctx, lockNamespace+key, locks.Options{}, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		e, exists := c.entries[key]
		if !exists {
			c.misses++
			return nil
		}
		if e.expired(time.Now()) {
			delete(c.entries, key)
			c.misses++
			c.expired++
			if c.metrics != nil {
				c.metrics.CacheEvictions.WithLabelValues("expired").Inc()
			}
			return nil
		}
		value = e.value
		ok = true
		c.hits++
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.Inc()
		} else {
			c.metrics.CacheMisses.Inc()
		}
		c.metrics.CacheEntries.Set(float64(c.Len()))
	}
	return value, ok, nil
}

// Set stores value under key for ttl. A zero ttl uses the default. When the
// cache is full and key is new, the oldest entry by creation time is evicted
// first.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	err := c.lm.WithLock(ctx, lockNamespace+key, locks.Options{}, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.MaxEntries {
			c.evictOldestLocked()
		}

		now := time.Now()
		c.entries[key] = &entry{
			value:     value,
			createdAt: now,
			expiresAt: now.Add(ttl),
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.Len()))
	}
	return nil
}

// Delete removes key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.lm.WithLock(ctx, lockNamespace+key, locks.Options{}, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.entries, key)
		return nil
	})
}

// Clear drops all entries. Used by the health monitor during memory
// remediation.
func (c *Cache) Clear() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(0)
	}
	c.logger.Info("cache cleared", "dropped_entries", n)
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns a snapshot of cache activity.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		Capacity:  c.config.MaxEntries,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

// Stop terminates the cleanup sweep.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

// evictOldestLocked removes the entry with the earliest creation time.
// Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
		if c.metrics != nil {
			c.metrics.CacheEvictions.WithLabelValues("capacity").Inc()
		}
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup removes expired entries and, if still over capacity, the oldest
// surplus entries by creation time.
func (c *Cache) cleanup() {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			c.expired++
			removed++
		}
	}
	for len(c.entries) > c.config.MaxEntries {
		c.evictOldestLocked()
		removed++
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(remaining))
	}
	if removed > 0 {
		c.logger.Debug("cache cleanup completed",
			"removed", removed,
			"remaining", remaining,
		)
	}
}
