package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu      sync.Mutex
	kind    JobKind
	batches [][]*Job

	// sendFn runs per batch when set; otherwise everything succeeds
	sendFn func(jobs []*Job) ([]DeliveryResult, error)
}

func newFakeChannel(kind JobKind) *fakeChannel {
	return &fakeChannel{kind: kind}
}

func (c *fakeChannel) Kind() JobKind { return c.kind }

func (c *fakeChannel) SendBatch(ctx context.Context, jobs []*Job) ([]DeliveryResult, error) {
	c.mu.Lock()
	batch := make([]*Job, len(jobs))
	copy(batch, jobs)
	c.batches = append(c.batches, batch)
	fn := c.sendFn
	c.mu.Unlock()

	if fn != nil {
		return fn(jobs)
	}
	return nil, nil
}

func (c *fakeChannel) sentJobs() []*Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var jobs []*Job
	for _, b := range c.batches {
		jobs = append(jobs, b...)
	}
	return jobs
}

type fakeRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (r *fakeRegistry) RemoveRecipient(ctx context.Context, kind JobKind, recipient string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, recipient)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	// keep the background drain loop out of the way so tests drive DrainOnce
	cfg.DrainInterval = time.Hour
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func TestEnqueueBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 1000

	q := NewQueue(cfg, nil, nil, newFakeChannel(KindPush))
	defer q.Stop()

	for i := 0; i < 1000; i++ {
		ok := q.Enqueue(NewPushJob([]string{fmt.Sprintf("token-%d", i)}, "t", "b", PriorityMedium))
		require.True(t, ok, "enqueue %d should succeed", i)
	}

	assert.False(t, q.Enqueue(NewPushJob([]string{"overflow"}, "t", "b", PriorityHigh)))
	assert.Equal(t, 1000, q.Depth())

	stats := q.GetStats()
	assert.Equal(t, int64(1000), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestDrainOrderPriorityThenFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	ch := newFakeChannel(KindPush)

	q := NewQueue(cfg, nil, nil, ch)
	defer q.Stop()

	low1 := NewPushJob([]string{"low1"}, "t", "b", PriorityLow)
	high := NewPushJob([]string{"high"}, "t", "b", PriorityHigh)
	low2 := NewPushJob([]string{"low2"}, "t", "b", PriorityLow)
	med := NewPushJob([]string{"med"}, "t", "b", PriorityMedium)

	require.True(t, q.Enqueue(low1))
	require.True(t, q.Enqueue(high))
	require.True(t, q.Enqueue(low2))
	require.True(t, q.Enqueue(med))

	q.DrainOnce(context.Background())

	sent := ch.sentJobs()
	require.Len(t, sent, 4)
	assert.Equal(t, high.ID, sent[0].ID)
	assert.Equal(t, med.ID, sent[1].ID)
	assert.Equal(t, low1.ID, sent[2].ID)
	assert.Equal(t, low2.ID, sent[3].ID)
	assert.Equal(t, 0, q.Depth())
}

func TestDrainGroupsByKind(t *testing.T) {
	cfg := testConfig()
	push := newFakeChannel(KindPush)
	email := newFakeChannel(KindEmail)

	q := NewQueue(cfg, nil, nil, push, email)
	defer q.Stop()

	require.True(t, q.Enqueue(NewPushJob([]string{"tok"}, "t", "b", PriorityMedium)))
	require.True(t, q.Enqueue(NewEmailJob([]string{"a@example.com"}, "s", "b", PriorityMedium)))

	q.DrainOnce(context.Background())

	assert.Len(t, push.sentJobs(), 1)
	assert.Len(t, email.sentJobs(), 1)
}

func TestFailedBatchRetriesWithBackoffAndPriorityDecay(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	ch := newFakeChannel(KindPush)
	ch.sendFn = func(jobs []*Job) ([]DeliveryResult, error) {
		return nil, fmt.Errorf("gateway down")
	}

	q := NewQueue(cfg, nil, nil, ch)
	defer q.Stop()

	job := NewPushJob([]string{"tok"}, "t", "b", PriorityHigh)
	require.True(t, q.Enqueue(job))

	q.DrainOnce(context.Background())

	require.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, PriorityHigh-1, job.Priority)
	assert.False(t, job.NotBefore.IsZero())
	assert.True(t, job.NotBefore.After(time.Now().Add(10*time.Millisecond)))

	// the backoff delay keeps the job out of the next drain
	q.DrainOnce(context.Background())
	assert.Equal(t, 1, q.Depth())
	assert.Len(t, ch.sentJobs(), 1)

	stats := q.GetStats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, int64(1), stats.BatchesFailed)
}

func TestJobDroppedPastRetryCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Nanosecond
	ch := newFakeChannel(KindPush)
	ch.sendFn = func(jobs []*Job) ([]DeliveryResult, error) {
		return nil, fmt.Errorf("gateway down")
	}

	q := NewQueue(cfg, nil, nil, ch)
	defer q.Stop()

	require.True(t, q.Enqueue(NewPushJob([]string{"tok"}, "t", "b", PriorityMedium)))

	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		q.DrainOnce(context.Background())
	}

	assert.Equal(t, 0, q.Depth())
	stats := q.GetStats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestTransientRecipientFailureRetriesBatch(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Nanosecond
	ch := newFakeChannel(KindEmail)
	ch.sendFn = func(jobs []*Job) ([]DeliveryResult, error) {
		return []DeliveryResult{
			{Recipient: "ok@example.com"},
			{Recipient: "busy@example.com", Err: fmt.Errorf("451 try again")},
		}, nil
	}

	q := NewQueue(cfg, nil, nil, ch)
	defer q.Stop()

	job := NewEmailJob([]string{"ok@example.com", "busy@example.com"}, "s", "b", PriorityMedium)
	require.True(t, q.Enqueue(job))

	q.DrainOnce(context.Background())

	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, job.RetryCount)
}

func TestInvalidRecipientPrunedNotRetried(t *testing.T) {
	cfg := testConfig()
	registry := &fakeRegistry{}
	ch := newFakeChannel(KindPush)
	ch.sendFn = func(jobs []*Job) ([]DeliveryResult, error) {
		return []DeliveryResult{
			{Recipient: "live-token"},
			{Recipient: "dead-token", Code: CodeInvalidRecipient, Err: fmt.Errorf("unregistered")},
		}, nil
	}

	q := NewQueue(cfg, registry, nil, ch)
	defer q.Stop()

	require.True(t, q.Enqueue(NewPushJob([]string{"live-token", "dead-token"}, "t", "b", PriorityMedium)))

	q.DrainOnce(context.Background())

	assert.Equal(t, 0, q.Depth())
	registry.mu.Lock()
	assert.Equal(t, []string{"dead-token"}, registry.removed)
	registry.mu.Unlock()

	stats := q.GetStats()
	assert.Equal(t, int64(1), stats.InvalidRecipients)
	assert.Equal(t, int64(1), stats.Dispatched)
	assert.Equal(t, int64(0), stats.Retried)
}

func TestMissingChannelFailsBatch(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Nanosecond

	q := NewQueue(cfg, nil, nil, newFakeChannel(KindPush))
	defer q.Stop()

	job := NewEmailJob([]string{"a@example.com"}, "s", "b", PriorityMedium)
	require.True(t, q.Enqueue(job))

	q.DrainOnce(context.Background())

	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, job.RetryCount)
}

func TestClear(t *testing.T) {
	q := NewQueue(testConfig(), nil, nil, newFakeChannel(KindPush))
	defer q.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(NewPushJob([]string{"tok"}, "t", "b", PriorityMedium)))
	}

	assert.Equal(t, 5, q.Clear())
	assert.Equal(t, 0, q.Depth())
}
