package scaling

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/internal/workerqueue"
	"github.com/statuspulse/statuspulse/pkg/config"
	"github.com/statuspulse/statuspulse/pkg/errors"
	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// poolLockKey serializes all pool mutations against concurrent callers
const poolLockKey = "scaling:workers"

// EMA smoothing factor for per-worker error rate (~3-tick smoothing)
const emaAlpha = 0.3

func ema(prev, cur float64) float64 {
	if prev == 0 {
		return cur
	}
	return emaAlpha*cur + (1-emaAlpha)*prev
}

// WorkerStatus represents a worker's health classification
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusHealthy  WorkerStatus = "healthy"
	StatusDegraded WorkerStatus = "degraded"
	StatusFailed   WorkerStatus = "failed"
)

// WorkerInstance is one managed worker in the pool.
type WorkerInstance struct {
	ID            string        `json:"id"`
	Concurrency   int           `json:"concurrency"`
	Status        WorkerStatus  `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	JobsProcessed int64         `json:"jobs_processed"`
	AvgProcessing time.Duration `json:"avg_processing"`
	ErrorRate     float64       `json:"error_rate"`
}

// activityScore ranks workers for scale-down victim selection. Error-prone
// workers score lower than their throughput alone would suggest.
func (w *WorkerInstance) activityScore() float64 {
	return float64(w.JobsProcessed) - w.ErrorRate*100
}

// ScalingMetrics is a snapshot of pool state and scaling activity.
type ScalingMetrics struct {
	PoolSize      int              `json:"pool_size"`
	MinWorkers    int              `json:"min_workers"`
	MaxWorkers    int              `json:"max_workers"`
	Starting      int              `json:"starting"`
	Healthy       int              `json:"healthy"`
	Degraded      int              `json:"degraded"`
	Failed        int              `json:"failed"`
	ScaleUps      int64            `json:"scale_ups"`
	ScaleDowns    int64            `json:"scale_downs"`
	Replacements  int64            `json:"replacements"`
	LastScaleUp   time.Time        `json:"last_scale_up,omitempty"`
	LastScaleDown time.Time        `json:"last_scale_down,omitempty"`
	QueueWaiting  int              `json:"queue_waiting"`
	QueueActive   int              `json:"queue_active"`
	Workers       []WorkerInstance `json:"workers"`
}

// Manager maintains a pool of workers within [MinWorkers, MaxWorkers],
// autoscaling on external queue depth and replacing workers its health
// checks mark failed.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*WorkerInstance
	config  config.ScalingConfig

	lm *locks.Manager
	wq workerqueue.WorkerQueue

	lastScaleUp   time.Time
	lastScaleDown time.Time
	scaleUps      int64
	scaleDowns    int64
	replacements  int64

	lastQueueMetrics workerqueue.Metrics

	stopCh  chan struct{}
	stopped bool

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewManager creates a scaling manager and starts its autoscale and
// health-check loops.
func NewManager(cfg config.ScalingConfig, lm *locks.Manager, wq workerqueue.WorkerQueue, mt *metrics.Metrics) *Manager {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.AutoScaleInterval <= 0 {
		cfg.AutoScaleInterval = 30 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}

	m := &Manager{
		workers: make(map[string]*WorkerInstance),
		config:  cfg,
		lm:      lm,
		wq:      wq,
		stopCh:  make(chan struct{}),
		logger:  logging.GetLogger(),
		metrics: mt,
	}

	go m.autoscaleLoop()
	go m.healthCheckLoop()

	return m
}

// Start brings the pool up to MinWorkers. Called once at startup, before
// the loops have anything to manage.
func (m *Manager) Start(ctx context.Context) error {
	return m.lm.WithLock(ctx, poolLockKey, locks.Options{Timeout: 10 * time.Second}, func() error {
		for m.poolSize() < m.config.MinWorkers {
			if _, err := m.addWorkerLocked(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScaleUp adds one worker. It fails when the pool is at MaxWorkers or the
// scale-up cooldown has not elapsed.
func (m *Manager) ScaleUp(ctx context.Context, reason string) (string, error) {
	var id string
	err := m.lm.WithLock(ctx, poolLockKey, locks.Options{Timeout: 10 * time.Second}, func() error {
		if m.poolSize() >= m.config.MaxWorkers {
			return errors.NewScalingError("pool is at maximum capacity").WithDetail("max_workers", strconv.Itoa(m.config.MaxWorkers))
		}
		if since := time.Since(m.lastScaleUp); since < m.config.ScaleUpCooldown {
			return errors.NewScalingError("scale-up cooldown active").WithDetail("remaining", (m.config.ScaleUpCooldown - since).String())
		}

		workerID, err := m.addWorkerLocked(ctx)
		if err != nil {
			return err
		}
		id = workerID

		m.mu.Lock()
		m.lastScaleUp = time.Now()
		m.scaleUps++
		m.mu.Unlock()

		m.logger.Info("scaled up worker pool",
			"worker_id", workerID,
			"pool_size", m.poolSize(),
			"reason", reason,
		)
		if m.metrics != nil {
			m.metrics.ScalingEvents.WithLabelValues("up", reason).Inc()
		}
		return nil
	})
	return id, err
}

// ScaleDown removes the eligible worker with the lowest activity score. It
// fails when the pool is at MinWorkers, the scale-down cooldown has not
// elapsed, or every worker is younger than the minimum age guard.
func (m *Manager) ScaleDown(ctx context.Context, reason string) (string, error) {
	var id string
	err := m.lm.WithLock(ctx, poolLockKey, locks.Options{Timeout: 10 * time.Second}, func() error {
		if m.poolSize() <= m.config.MinWorkers {
			return errors.NewScalingError("pool is at minimum capacity").WithDetail("min_workers", strconv.Itoa(m.config.MinWorkers))
		}
		if since := time.Since(m.lastScaleDown); since < m.config.ScaleDownCooldown {
			return errors.NewScalingError("scale-down cooldown active").WithDetail("remaining", (m.config.ScaleDownCooldown - since).String())
		}

		victim := m.selectVictim()
		if victim == "" {
			return errors.NewScalingError("no worker old enough to remove").WithDetail("min_worker_age", m.config.MinWorkerAge.String())
		}

		if err := m.removeWorkerLocked(ctx, victim); err != nil {
			return err
		}
		id = victim

		m.mu.Lock()
		m.lastScaleDown = time.Now()
		m.scaleDowns++
		m.mu.Unlock()

		m.logger.Info("scaled down worker pool",
			"worker_id", victim,
			"pool_size", m.poolSize(),
			"reason", reason,
		)
		if m.metrics != nil {
			m.metrics.ScalingEvents.WithLabelValues("down", reason).Inc()
		}
		return nil
	})
	return id, err
}

// ScaleToCount moves the pool to the target size, clamped to the configured
// bounds. Explicit targets bypass the cooldown windows but removals still
// honor the minimum age guard.
func (m *Manager) ScaleToCount(ctx context.Context, target int, reason string) error {
	if target < m.config.MinWorkers {
		target = m.config.MinWorkers
	}
	if target > m.config.MaxWorkers {
		target = m.config.MaxWorkers
	}

	return m.lm.WithLock(ctx, poolLockKey, locks.Options{Timeout: 30 * time.Second}, func() error {
		for m.poolSize() < target {
			if _, err := m.addWorkerLocked(ctx); err != nil {
				return err
			}
			m.mu.Lock()
			m.scaleUps++
			m.mu.Unlock()
		}
		for m.poolSize() > target {
			victim := m.selectVictim()
			if victim == "" {
				return errors.NewScalingError("no worker old enough to remove").WithDetail("target", strconv.Itoa(target))
			}
			if err := m.removeWorkerLocked(ctx, victim); err != nil {
				return err
			}
			m.mu.Lock()
			m.scaleDowns++
			m.mu.Unlock()
		}
		m.logger.Info("scaled pool to target", "target", target, "reason", reason)
		return nil
	})
}

// ReportActivity records a completed job batch for a worker. Workers call
// this from their processing path; the health-check loop treats silence as
// failure.
func (m *Manager) ReportActivity(workerID string, jobs int, processing time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return
	}

	w.LastActivity = time.Now()
	if w.Status == StatusStarting {
		w.Status = StatusHealthy
	}
	if jobs > 0 {
		if w.JobsProcessed == 0 {
			w.AvgProcessing = processing
		} else {
			w.AvgProcessing = (w.AvgProcessing + processing) / 2
		}
		w.JobsProcessed += int64(jobs)
	}

	var failure float64
	if failed {
		failure = 1
	}
	w.ErrorRate = ema(w.ErrorRate, failure)
}

// GetScalingMetrics returns a snapshot of the pool and scaling counters.
func (m *Manager) GetScalingMetrics() ScalingMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sm := ScalingMetrics{
		PoolSize:      len(m.workers),
		MinWorkers:    m.config.MinWorkers,
		MaxWorkers:    m.config.MaxWorkers,
		ScaleUps:      m.scaleUps,
		ScaleDowns:    m.scaleDowns,
		Replacements:  m.replacements,
		LastScaleUp:   m.lastScaleUp,
		LastScaleDown: m.lastScaleDown,
		QueueWaiting:  m.lastQueueMetrics.WaitingJobs,
		QueueActive:   m.lastQueueMetrics.ActiveJobs,
		Workers:       make([]WorkerInstance, 0, len(m.workers)),
	}
	for _, w := range m.workers {
		switch w.Status {
		case StatusStarting:
			sm.Starting++
		case StatusHealthy:
			sm.Healthy++
		case StatusDegraded:
			sm.Degraded++
		case StatusFailed:
			sm.Failed++
		}
		sm.Workers = append(sm.Workers, *w)
	}
	return sm
}

// GetSystemStatus summarizes pool health as healthy, degraded or critical.
func (m *Manager) GetSystemStatus() string {
	sm := m.GetScalingMetrics()
	switch {
	case sm.PoolSize == 0 || sm.Failed > sm.PoolSize/2:
		return "critical"
	case sm.Failed > 0 || sm.Degraded > 0:
		return "degraded"
	default:
		return "healthy"
	}
}

// Stop terminates the autoscale and health-check loops. Workers stay
// registered; callers drain them separately during shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stopCh)
}

func (m *Manager) poolSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// addWorkerLocked registers a new worker with the external queue and tracks
// it. Caller must hold the pool lock.
func (m *Manager) addWorkerLocked(ctx context.Context) (string, error) {
	id := uuid.New().String()

	if err := m.wq.AddWorker(ctx, id, m.config.WorkerConcurrency); err != nil {
		return "", errors.NewScalingError("failed to add worker to queue").WithCause(err).WithDetail("worker_id", id)
	}

	now := time.Now()
	m.mu.Lock()
	m.workers[id] = &WorkerInstance{
		ID:           id,
		Concurrency:  m.config.WorkerConcurrency,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
	}
	size := len(m.workers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PoolSize.Set(float64(size))
	}
	return id, nil
}

// removeWorkerLocked deregisters a worker from the external queue and drops
// it from the pool. Caller must hold the pool lock.
func (m *Manager) removeWorkerLocked(ctx context.Context, id string) error {
	if err := m.wq.RemoveWorker(ctx, id); err != nil {
		return errors.NewScalingError("failed to remove worker from queue").WithCause(err).WithDetail("worker_id", id)
	}

	m.mu.Lock()
	delete(m.workers, id)
	size := len(m.workers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PoolSize.Set(float64(size))
	}
	return nil
}

// selectVictim picks the worker with the lowest activity score among those
// past the minimum age guard. Returns "" when none qualifies.
func (m *Manager) selectVictim() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var victim string
	var lowest float64
	now := time.Now()
	for id, w := range m.workers {
		if now.Sub(w.CreatedAt) < m.config.MinWorkerAge {
			continue
		}
		score := w.activityScore()
		if victim == "" || score < lowest {
			victim = id
			lowest = score
		}
	}
	return victim
}

func (m *Manager) autoscaleLoop() {
	ticker := time.NewTicker(m.config.AutoScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evaluateScaling(context.Background())
		}
	}
}

// evaluateScaling polls the external queue and scales on its depth.
func (m *Manager) evaluateScaling(ctx context.Context) {
	qm, err := m.wq.Metrics(ctx)
	if err != nil {
		m.logger.Error("failed to read worker queue metrics", "error", err)
		return
	}

	m.mu.Lock()
	m.lastQueueMetrics = qm
	m.mu.Unlock()

	size := m.poolSize()
	switch {
	case qm.WaitingJobs > m.config.ScaleUpThreshold && size < m.config.MaxWorkers:
		if _, err := m.ScaleUp(ctx, "queue_depth"); err != nil {
			m.logger.Debug("autoscale up skipped", "error", err)
		}
	case qm.WaitingJobs < m.config.ScaleDownThreshold && size > m.config.MinWorkers:
		if _, err := m.ScaleDown(ctx, "queue_idle"); err != nil {
			m.logger.Debug("autoscale down skipped", "error", err)
		}
	}
}

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckWorkerHealth(context.Background())
		}
	}
}

// CheckWorkerHealth reclassifies every worker and replaces failed ones.
// A worker that has not reported activity within two check intervals is
// failed; one whose error rate exceeds the threshold is degraded. Failed
// workers are removed one at a time and replacements added with a delay
// between them so a correlated failure cannot hammer the queue API.
func (m *Manager) CheckWorkerHealth(ctx context.Context) {
	staleAfter := 2 * m.config.HealthCheckInterval
	now := time.Now()

	m.mu.Lock()
	var failed []string
	for id, w := range m.workers {
		switch {
		case now.Sub(w.LastActivity) > staleAfter:
			w.Status = StatusFailed
			failed = append(failed, id)
		case w.ErrorRate > m.config.ErrorRateThreshold:
			w.Status = StatusDegraded
		case w.Status != StatusStarting:
			w.Status = StatusHealthy
		}
	}
	m.mu.Unlock()

	if len(failed) == 0 {
		return
	}

	m.logger.Warn("removing failed workers", "count", len(failed))

	removed := 0
	for _, id := range failed {
		err := m.lm.WithLock(ctx, poolLockKey, locks.Options{Timeout: 10 * time.Second}, func() error {
			return m.removeWorkerLocked(ctx, id)
		})
		if err != nil {
			m.logger.Error("failed to remove unhealthy worker", "worker_id", id, "error", err)
			continue
		}
		removed++
	}

	// Replace one at a time, pausing between additions.
	for i := 0; i < removed; i++ {
		if m.poolSize() >= m.config.MaxWorkers {
			break
		}
		err := m.lm.WithLock(ctx, poolLockKey, locks.Options{Timeout: 10 * time.Second}, func() error {
			_, err := m.addWorkerLocked(ctx)
			return err
		})
		if err != nil {
			m.logger.Error("failed to add replacement worker", "error", err)
			break
		}

		m.mu.Lock()
		m.replacements++
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ScalingEvents.WithLabelValues("up", "replacement").Inc()
		}

		if i < removed-1 && m.config.ReplacementDelay > 0 {
			select {
			case <-m.stopCh:
				return
			case <-time.After(m.config.ReplacementDelay):
			}
		}
	}
}
