package scaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/internal/workerqueue"
	"github.com/statuspulse/statuspulse/pkg/config"
	apperrors "github.com/statuspulse/statuspulse/pkg/errors"
)

type fakeWorkerQueue struct {
	mu      sync.Mutex
	added   []string
	removed []string
	metrics workerqueue.Metrics
}

func (q *fakeWorkerQueue) AddWorker(ctx context.Context, id string, concurrency int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.added = append(q.added, id)
	return nil
}

func (q *fakeWorkerQueue) RemoveWorker(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

func (q *fakeWorkerQueue) Metrics(ctx context.Context) (workerqueue.Metrics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metrics, nil
}

func (q *fakeWorkerQueue) removedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.removed))
	copy(out, q.removed)
	return out
}

func testScalingConfig() config.ScalingConfig {
	return config.ScalingConfig{
		MinWorkers:          1,
		MaxWorkers:          3,
		WorkerConcurrency:   2,
		ScaleUpThreshold:    10,
		ScaleDownThreshold:  2,
		ErrorRateThreshold:  0.5,
		AutoScaleInterval:   time.Hour,
		HealthCheckInterval: time.Hour,
	}
}

func newTestManager(t *testing.T, cfg config.ScalingConfig, wq workerqueue.WorkerQueue) (*Manager, *locks.Manager) {
	t.Helper()
	lm := locks.NewManager(locks.DefaultConfig(), nil)
	m := NewManager(cfg, lm, wq, nil)
	t.Cleanup(func() {
		m.Stop()
		lm.Stop()
	})
	return m, lm
}

func TestStartBringsPoolToMinimum(t *testing.T) {
	cfg := testScalingConfig()
	cfg.MinWorkers = 2
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 2, m.GetScalingMetrics().PoolSize)
	assert.Len(t, wq.added, 2)
}

func TestScaleUpRespectsMaximum(t *testing.T) {
	cfg := testScalingConfig()
	cfg.MaxWorkers = 2
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	_, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)
	_, err = m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	_, err = m.ScaleUp(ctx, "test")
	require.Error(t, err)
	assert.Equal(t, "SCALING_ERROR", apperrors.GetCode(err))
	assert.Equal(t, 2, m.GetScalingMetrics().PoolSize)
}

func TestScaleUpCooldown(t *testing.T) {
	cfg := testScalingConfig()
	cfg.ScaleUpCooldown = time.Hour
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	_, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	_, err = m.ScaleUp(ctx, "test")
	require.Error(t, err)
	assert.Equal(t, 1, m.GetScalingMetrics().PoolSize)
}

func TestScaleDownRespectsMinimum(t *testing.T) {
	cfg := testScalingConfig()
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	_, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	_, err = m.ScaleDown(ctx, "test")
	require.Error(t, err)
	assert.Equal(t, 1, m.GetScalingMetrics().PoolSize)
}

func TestScaleDownMinAgeGuard(t *testing.T) {
	cfg := testScalingConfig()
	cfg.MinWorkerAge = time.Hour
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	_, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)
	_, err = m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	_, err = m.ScaleDown(ctx, "test")
	require.Error(t, err)
	assert.Equal(t, 2, m.GetScalingMetrics().PoolSize)
}

func TestScaleDownPicksLowestActivityWorker(t *testing.T) {
	cfg := testScalingConfig()
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	busy, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)
	idle, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	m.ReportActivity(busy, 50, 10*time.Millisecond, false)
	m.ReportActivity(idle, 2, 10*time.Millisecond, false)

	removed, err := m.ScaleDown(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, idle, removed)
	assert.Equal(t, []string{idle}, wq.removedIDs())
}

func TestErrorRatePenalizesActivityScore(t *testing.T) {
	w := &WorkerInstance{JobsProcessed: 40, ErrorRate: 0.5}
	healthy := &WorkerInstance{JobsProcessed: 20}
	assert.Less(t, w.activityScore(), healthy.activityScore())
}

func TestScaleToCountClampsToBounds(t *testing.T) {
	cfg := testScalingConfig()
	cfg.MaxWorkers = 3
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	require.NoError(t, m.ScaleToCount(ctx, 10, "test"))
	assert.Equal(t, 3, m.GetScalingMetrics().PoolSize)

	require.NoError(t, m.ScaleToCount(ctx, 0, "test"))
	assert.Equal(t, 1, m.GetScalingMetrics().PoolSize)
}

func TestReportActivityMarksWorkerHealthy(t *testing.T) {
	cfg := testScalingConfig()
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)

	id, err := m.ScaleUp(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, m.GetScalingMetrics().Starting)

	m.ReportActivity(id, 5, 20*time.Millisecond, false)

	sm := m.GetScalingMetrics()
	assert.Equal(t, 1, sm.Healthy)
	assert.Equal(t, 0, sm.Starting)
	assert.Equal(t, int64(5), sm.Workers[0].JobsProcessed)
}

func TestHealthCheckReplacesStaleWorker(t *testing.T) {
	cfg := testScalingConfig()
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	stale, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	m.mu.Lock()
	m.workers[stale].LastActivity = time.Now().Add(-3 * cfg.HealthCheckInterval)
	m.mu.Unlock()

	m.CheckWorkerHealth(ctx)

	sm := m.GetScalingMetrics()
	assert.Equal(t, 1, sm.PoolSize)
	assert.Equal(t, int64(1), sm.Replacements)
	assert.Equal(t, []string{stale}, wq.removedIDs())
	assert.NotEqual(t, stale, sm.Workers[0].ID)
}

func TestHealthCheckMarksDegradedWorker(t *testing.T) {
	cfg := testScalingConfig()
	wq := &fakeWorkerQueue{}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	id, err := m.ScaleUp(ctx, "test")
	require.NoError(t, err)

	m.ReportActivity(id, 1, time.Millisecond, true)
	m.CheckWorkerHealth(ctx)

	sm := m.GetScalingMetrics()
	assert.Equal(t, 1, sm.Degraded)
	assert.Equal(t, "degraded", m.GetSystemStatus())
}

func TestAutoscaleOnQueueDepth(t *testing.T) {
	cfg := testScalingConfig()
	wq := &fakeWorkerQueue{metrics: workerqueue.Metrics{WaitingJobs: 50}}
	m, _ := newTestManager(t, cfg, wq)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	m.evaluateScaling(ctx)
	assert.Equal(t, 2, m.GetScalingMetrics().PoolSize)

	wq.mu.Lock()
	wq.metrics.WaitingJobs = 0
	wq.mu.Unlock()

	m.evaluateScaling(ctx)
	assert.Equal(t, 1, m.GetScalingMetrics().PoolSize)
}
