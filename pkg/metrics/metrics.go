package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the resilience core
type Metrics struct {
	// Lock manager metrics
	LockAcquisitions *prometheus.CounterVec
	LockTimeouts     *prometheus.CounterVec
	LockExpirations  prometheus.Counter
	ActiveLocks      prometheus.Gauge
	LockWaiters      prometheus.Gauge

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge

	// Circuit breaker metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Dispatch queue metrics
	QueueDepth      prometheus.Gauge
	JobsEnqueued    *prometheus.CounterVec
	JobsRejected    prometheus.Counter
	JobsDispatched  *prometheus.CounterVec
	JobsRetried     *prometheus.CounterVec
	JobsDropped     *prometheus.CounterVec

	// Scaling metrics
	PoolSize      prometheus.Gauge
	ScalingEvents *prometheus.CounterVec

	// Health monitor metrics
	HealthStatus       prometheus.Gauge
	RemediationActions *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "statuspulse",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics. Returns nil when
// disabled; callers treat a nil *Metrics as a no-op.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return nil
	}

	ns := config.Namespace

	m := &Metrics{
		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of lock acquisitions",
			},
			[]string{"result"},
		),
		LockTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "lock_timeouts_total",
				Help:      "Total number of lock acquisition timeouts",
			},
			[]string{"key"},
		),
		LockExpirations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "lock_expirations_total",
				Help:      "Total number of locks force-released by the expiry sweep",
			},
		),
		ActiveLocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_locks",
				Help:      "Number of currently held locks",
			},
		),
		LockWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "lock_waiters",
				Help:      "Number of callers currently waiting on locks",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses (absent or expired)",
			},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache evictions",
			},
			[]string{"reason"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "cache_entries",
				Help:      "Current number of cache entries",
			},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "breaker_rejections_total",
				Help:      "Total number of calls rejected by open circuits",
			},
			[]string{"key"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "dispatch_queue_depth",
				Help:      "Current number of jobs in the dispatch queue",
			},
		),
		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dispatch_jobs_enqueued_total",
				Help:      "Total number of jobs accepted into the dispatch queue",
			},
			[]string{"kind"},
		),
		JobsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dispatch_jobs_rejected_total",
				Help:      "Total number of jobs rejected due to backpressure",
			},
		),
		JobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dispatch_jobs_dispatched_total",
				Help:      "Total number of jobs dispatched to delivery channels",
			},
			[]string{"kind", "result"},
		),
		JobsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dispatch_jobs_retried_total",
				Help:      "Total number of jobs re-enqueued for retry",
			},
			[]string{"kind"},
		),
		JobsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "dispatch_jobs_dropped_total",
				Help:      "Total number of jobs dropped after exhausting retries",
			},
			[]string{"kind"},
		),
		PoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "worker_pool_size",
				Help:      "Current number of workers in the pool",
			},
		),
		ScalingEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "scaling_events_total",
				Help:      "Total number of scaling events",
			},
			[]string{"direction", "reason"},
		),
		HealthStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "health_status",
				Help:      "Overall health status (0=healthy, 1=degraded, 2=critical, 3=emergency)",
			},
		),
		RemediationActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "remediation_actions_total",
				Help:      "Total number of remediation actions triggered",
			},
			[]string{"action", "result"},
		),
	}

	prometheus.MustRegister(
		m.LockAcquisitions, m.LockTimeouts, m.LockExpirations, m.ActiveLocks, m.LockWaiters,
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheEntries,
		m.BreakerTransitions, m.BreakerRejections,
		m.QueueDepth, m.JobsEnqueued, m.JobsRejected, m.JobsDispatched, m.JobsRetried, m.JobsDropped,
		m.PoolSize, m.ScalingEvents,
		m.HealthStatus, m.RemediationActions,
	)

	return m
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
