package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuspulse/statuspulse/internal/breaker"
	"github.com/statuspulse/statuspulse/internal/cache"
	"github.com/statuspulse/statuspulse/internal/dispatch"
	"github.com/statuspulse/statuspulse/internal/failsafe"
	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/internal/scaling"
	"github.com/statuspulse/statuspulse/internal/workerqueue"
	"github.com/statuspulse/statuspulse/pkg/config"
)

type noopWorkerQueue struct{}

func (noopWorkerQueue) AddWorker(ctx context.Context, id string, concurrency int) error { return nil }
func (noopWorkerQueue) RemoveWorker(ctx context.Context, id string) error               { return nil }
func (noopWorkerQueue) Metrics(ctx context.Context) (workerqueue.Metrics, error) {
	return workerqueue.Metrics{}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, Components) {
	t.Helper()

	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "error"},
		Failsafe: config.FailsafeConfig{
			SweepInterval:      time.Hour,
			MemoryWarning:      0.7,
			MemoryCritical:     0.9,
			CPUWarning:         70,
			CPUCritical:        90,
			LockCountWarning:   100,
			LockCountCritical:  500,
			QueueDepthWarning:  500,
			QueueDepthCritical: 900,
			ErrorRateCritical:  0.5,
			EmergencyWindow:    time.Hour,
			EmergencyCooldown:  time.Hour,
			SustainedCritical:  3,
		},
		Scaling: config.ScalingConfig{
			MinWorkers:          1,
			MaxWorkers:          3,
			AutoScaleInterval:   time.Hour,
			HealthCheckInterval: time.Hour,
		},
	}

	lm := locks.NewManager(locks.DefaultConfig(), nil)
	cs := cache.New(cache.DefaultConfig(), lm, nil)
	cb := breaker.New(lm, nil)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.DrainInterval = time.Hour
	dq := dispatch.NewQueue(dispatchCfg, nil, nil)

	sm := scaling.NewManager(cfg.Scaling, lm, noopWorkerQueue{}, nil)
	monitor := failsafe.NewMonitor(cfg.Failsafe, lm, cs, cb, dq, nil)

	t.Cleanup(func() {
		monitor.Stop()
		sm.Stop()
		dq.Stop()
		cs.Stop()
		lm.Stop()
	})

	components := Components{
		Locks:    lm,
		Cache:    cs,
		Breaker:  cb,
		Dispatch: dq,
		Scaling:  sm,
		Monitor:  monitor,
	}
	return NewRouter(cfg, components), components
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLivez(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzReportsHealthy(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var health failsafe.SystemHealth
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, failsafe.StatusHealthy, health.Status)
}

func TestHealthzUnavailableInEmergency(t *testing.T) {
	router, components := newTestRouter(t)

	components.Monitor.TriggerEmergencyMode("test")
	w := doRequest(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStats(t *testing.T) {
	router, components := newTestRouter(t)

	require.NoError(t, components.Cache.Set(context.Background(), "k", "v", time.Minute))

	w := doRequest(router, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"locks", "cache", "breaker", "dispatch", "scaling", "health"} {
		assert.Contains(t, data, key)
	}
}

func TestAdminReset(t *testing.T) {
	router, components := newTestRouter(t)

	components.Monitor.TriggerEmergencyMode("test")
	w := doRequest(router, http.MethodPost, "/admin/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, components.Monitor.IsEmergencyMode())
}

func TestAdminEmergencyRequiresReason(t *testing.T) {
	router, components := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/admin/emergency", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, components.Monitor.IsEmergencyMode())

	w = doRequest(router, http.MethodPost, "/admin/emergency", map[string]string{"reason": "incident"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, components.Monitor.IsEmergencyMode())
}

func TestAdminScale(t *testing.T) {
	router, components := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/admin/scale", map[string]interface{}{"target": 2})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, components.Scaling.GetScalingMetrics().PoolSize)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}
