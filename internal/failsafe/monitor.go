package failsafe

import (
	"runtime"
	"sync"
	"time"

	"github.com/statuspulse/statuspulse/internal/breaker"
	"github.com/statuspulse/statuspulse/internal/cache"
	"github.com/statuspulse/statuspulse/internal/dispatch"
	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/pkg/config"
	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// DimensionStatus classifies a single sampled health dimension
type DimensionStatus string

const (
	DimensionHealthy  DimensionStatus = "healthy"
	DimensionWarning  DimensionStatus = "warning"
	DimensionCritical DimensionStatus = "critical"
)

// OverallStatus is the system-wide health classification
type OverallStatus string

const (
	StatusHealthy   OverallStatus = "healthy"
	StatusDegraded  OverallStatus = "degraded"
	StatusCritical  OverallStatus = "critical"
	StatusEmergency OverallStatus = "emergency"
)

// Dimension is one sampled health signal with its classification.
type Dimension struct {
	Name   string          `json:"name"`
	Status DimensionStatus `json:"status"`
	Value  float64         `json:"value"`
}

// SystemHealth is recomputed from live component statistics on every sweep;
// it is never persisted.
type SystemHealth struct {
	Status         OverallStatus `json:"status"`
	Dimensions     []Dimension   `json:"dimensions"`
	MemoryRatio    float64       `json:"memory_ratio"`
	CPUUsage       float64       `json:"cpu_usage"`
	ActiveLocks    int           `json:"active_locks"`
	QueueDepth     int           `json:"queue_depth"`
	ErrorRate      float64       `json:"error_rate"`
	CacheEntries   int           `json:"cache_entries"`
	OpenCircuits   int           `json:"open_circuits"`
	CriticalCount  int           `json:"critical_count"`
	EmergencyMode  bool          `json:"emergency_mode"`
	ManualRequired bool          `json:"manual_required"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// LockManager is the lock manager surface the monitor drives.
type LockManager interface {
	GetStats() locks.Stats
	Reset()
}

// CacheStore is the cache surface the monitor drives.
type CacheStore interface {
	Clear()
	GetStats() cache.Stats
}

// CircuitBreaker is the breaker surface the monitor drives.
type CircuitBreaker interface {
	Reset()
	GetStats() breaker.Stats
}

// DispatchQueue is the dispatch queue surface the monitor drives.
type DispatchQueue interface {
	Clear() int
	GetStats() dispatch.Stats
}

// Monitor periodically samples system health and escalates through
// remediation actions when thresholds are breached. Actions are individually
// recovered so a failing remediation can never take the sweep down with it.
type Monitor struct {
	mu     sync.Mutex
	config config.FailsafeConfig

	lm       LockManager
	cache    CacheStore
	breaker  CircuitBreaker
	dispatch DispatchQueue

	emergencyMode  bool
	emergencyUntil time.Time
	lastEmergency  time.Time
	criticalStreak int
	manualRequired bool

	// process introspection, swappable in tests
	memoryRatio func() float64
	cpuUsage    func() float64

	stopCh  chan struct{}
	stopped bool

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewMonitor creates a health monitor and starts its sweep loop.
func NewMonitor(cfg config.FailsafeConfig, lm LockManager, cs CacheStore, cb CircuitBreaker, dq DispatchQueue, mt *metrics.Metrics) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SustainedCritical <= 0 {
		cfg.SustainedCritical = 3
	}

	m := &Monitor{
		config:      cfg,
		lm:          lm,
		cache:       cs,
		breaker:     cb,
		dispatch:    dq,
		memoryRatio: processMemoryRatio,
		cpuUsage:    approximateCPUUsage,
		stopCh:      make(chan struct{}),
		logger:      logging.GetLogger(),
		metrics:     mt,
	}

	go m.sweepLoop()

	return m
}

// processMemoryRatio returns allocated heap as a fraction of memory obtained
// from the OS.
func processMemoryRatio() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.Alloc) / float64(ms.Sys)
}

// approximateCPUUsage approximates CPU load from the goroutine count.
// Proper per-process CPU accounting needs OS support; this is a coarse
// stand-in that tracks runaway concurrency.
func approximateCPUUsage() float64 {
	return float64(runtime.NumGoroutine()) / 1000.0 * 100
}

// GetSystemHealth samples every component and returns the current health
// snapshot. It performs no remediation.
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampleLocked()
}

// IsEmergencyMode reports whether the system is in emergency mode.
func (m *Monitor) IsEmergencyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyMode
}

// TriggerEmergencyMode enters emergency mode explicitly, running aggressive
// cleanup. The mode exits automatically after the configured window.
func (m *Monitor) TriggerEmergencyMode(reason string) {
	m.mu.Lock()
	m.enterEmergencyLocked(reason, true)
	m.mu.Unlock()
}

// ManualReset clears emergency mode, the manual-intervention flag and the
// sustained-critical streak. Intended for operator use after recovery.
func (m *Monitor) ManualReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emergencyMode = false
	m.emergencyUntil = time.Time{}
	m.manualRequired = false
	m.criticalStreak = 0
	m.logger.Info("health monitor manually reset")
	if m.metrics != nil {
		m.metrics.RemediationActions.WithLabelValues("manual_reset", "ok").Inc()
	}
}

// Stop terminates the sweep loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

func (m *Monitor) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one health evaluation: sample, classify, remediate.
func (m *Monitor) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.emergencyMode && now.After(m.emergencyUntil) {
		m.emergencyMode = false
		m.logger.Info("exiting emergency mode", "window_elapsed", m.config.EmergencyWindow)
	}

	health := m.sampleLocked()

	if health.Status == StatusCritical || health.Status == StatusEmergency {
		m.criticalStreak++
	} else {
		m.criticalStreak = 0
	}

	if m.metrics != nil {
		m.metrics.HealthStatus.Set(statusGaugeValue(health.Status))
	}

	m.evaluateActionsLocked(health)
}

// sampleLocked gathers live statistics and classifies each dimension.
// Caller must hold m.mu.
func (m *Monitor) sampleLocked() SystemHealth {
	lockStats := m.lm.GetStats()
	queueStats := m.dispatch.GetStats()
	cacheStats := m.cache.GetStats()
	breakerStats := m.breaker.GetStats()

	health := SystemHealth{
		MemoryRatio:    m.memoryRatio(),
		CPUUsage:       m.cpuUsage(),
		ActiveLocks:    lockStats.ActiveLocks,
		QueueDepth:     queueStats.Depth,
		ErrorRate:      queueStats.ErrorRate,
		CacheEntries:   cacheStats.Entries,
		OpenCircuits:   breakerStats.Open,
		EmergencyMode:  m.emergencyMode,
		ManualRequired: m.manualRequired,
		CheckedAt:      time.Now(),
	}

	health.Dimensions = []Dimension{
		classify("memory", health.MemoryRatio, m.config.MemoryWarning, m.config.MemoryCritical),
		classify("cpu", health.CPUUsage, m.config.CPUWarning, m.config.CPUCritical),
		classify("locks", float64(health.ActiveLocks), float64(m.config.LockCountWarning), float64(m.config.LockCountCritical)),
		classify("queue", float64(health.QueueDepth), float64(m.config.QueueDepthWarning), float64(m.config.QueueDepthCritical)),
		classify("errors", health.ErrorRate, m.config.ErrorRateCritical/2, m.config.ErrorRateCritical),
	}

	worst := StatusHealthy
	for _, d := range health.Dimensions {
		switch d.Status {
		case DimensionCritical:
			health.CriticalCount++
			worst = StatusCritical
		case DimensionWarning:
			if worst == StatusHealthy {
				worst = StatusDegraded
			}
		}
	}
	if m.emergencyMode {
		worst = StatusEmergency
	}
	health.Status = worst

	return health
}

func classify(name string, value, warning, critical float64) Dimension {
	d := Dimension{Name: name, Status: DimensionHealthy, Value: value}
	switch {
	case critical > 0 && value >= critical:
		d.Status = DimensionCritical
	case warning > 0 && value >= warning:
		d.Status = DimensionWarning
	}
	return d
}

// evaluateActionsLocked walks the trigger table in escalation order.
// Caller must hold m.mu.
func (m *Monitor) evaluateActionsLocked(health SystemHealth) {
	if dimensionStatus(health, "memory") == DimensionCritical {
		m.runAction("memory_cleanup", func() {
			m.cache.Clear()
			runtime.GC()
		})
	}

	if dimensionStatus(health, "locks") == DimensionCritical {
		m.runAction("lock_reset", func() {
			m.lm.Reset()
		})
	}

	if health.CriticalCount >= 3 && !m.emergencyMode {
		m.enterEmergencyLocked("multiple critical dimensions", false)
	}

	if m.criticalStreak >= m.config.SustainedCritical && health.ErrorRate >= m.config.ErrorRateCritical {
		m.fullResetLocked()
	}
}

func dimensionStatus(health SystemHealth, name string) DimensionStatus {
	for _, d := range health.Dimensions {
		if d.Name == name {
			return d.Status
		}
	}
	return DimensionHealthy
}

// enterEmergencyLocked switches to emergency mode and runs aggressive
// cleanup. Automatic entry honors the emergency cooldown so a flapping
// condition cannot repeatedly trigger disruptive resets; explicit operator
// triggers bypass it. Caller must hold m.mu.
func (m *Monitor) enterEmergencyLocked(reason string, forced bool) {
	now := time.Now()
	if !forced && now.Sub(m.lastEmergency) < m.config.EmergencyCooldown {
		m.logger.Warn("emergency trigger suppressed by cooldown", "reason", reason)
		return
	}
	if m.emergencyMode {
		return
	}

	m.emergencyMode = true
	m.emergencyUntil = now.Add(m.config.EmergencyWindow)
	m.lastEmergency = now

	m.logger.Error("entering emergency mode",
		"reason", reason,
		"window", m.config.EmergencyWindow,
	)

	m.runAction("emergency_cleanup", func() {
		m.cache.Clear()
		dropped := m.dispatch.Clear()
		runtime.GC()
		m.logger.Warn("emergency cleanup complete", "dropped_jobs", dropped)
	})
}

// fullResetLocked coordinates a reset of every managed component. Subject
// to the same cooldown as emergency mode. Caller must hold m.mu.
func (m *Monitor) fullResetLocked() {
	now := time.Now()
	if now.Sub(m.lastEmergency) < m.config.EmergencyCooldown {
		return
	}
	m.lastEmergency = now
	m.criticalStreak = 0

	m.logger.Error("sustained critical status, performing full system reset")

	m.runAction("full_reset", func() {
		m.cache.Clear()
		m.dispatch.Clear()
		m.lm.Reset()
		m.breaker.Reset()
		runtime.GC()
	})
}

// runAction executes one remediation action, recovering panics through the
// last-resort path so the monitor loop survives a failing action.
func (m *Monitor) runAction(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("remediation action panicked", "action", name, "panic", r)
			if m.metrics != nil {
				m.metrics.RemediationActions.WithLabelValues(name, "panic").Inc()
			}
			m.lastResort()
			return
		}
		if m.metrics != nil {
			m.metrics.RemediationActions.WithLabelValues(name, "ok").Inc()
		}
	}()

	m.logger.Warn("running remediation action", "action", name)
	fn()
}

// lastResort performs only guaranteed-safe operations and flags that manual
// intervention may be required. It never terminates the process.
func (m *Monitor) lastResort() {
	runtime.GC()
	m.manualRequired = true
	m.logger.Error("last-resort remediation executed, manual intervention may be required")
	if m.metrics != nil {
		m.metrics.RemediationActions.WithLabelValues("last_resort", "ok").Inc()
	}
}

func statusGaugeValue(s OverallStatus) float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	default:
		return 3
	}
}
