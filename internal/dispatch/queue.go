package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// Config holds dispatch queue configuration
type Config struct {
	// MaxQueueSize bounds the queue; Enqueue returns false at capacity
	MaxQueueSize int
	// BatchSize is the number of jobs per delivery batch
	BatchSize int
	// MaxConcurrentBatches caps batches dispatched per drain
	MaxConcurrentBatches int
	// DrainInterval is how often the drain loop runs
	DrainInterval time.Duration
	// BatchTimeout bounds one whole drain's external calls
	BatchTimeout time.Duration
	// MaxRetries is the retry ceiling before a job is dropped
	MaxRetries int
	// RetryBaseDelay scales the exponential backoff (2^retries * base)
	RetryBaseDelay time.Duration
}

// DefaultConfig returns default dispatch queue configuration
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:         1000,
		BatchSize:            50,
		MaxConcurrentBatches: 4,
		DrainInterval:        5 * time.Second,
		BatchTimeout:         30 * time.Second,
		MaxRetries:           5,
		RetryBaseDelay:       time.Second,
	}
}

// Stats is a snapshot of dispatch queue activity.
type Stats struct {
	Depth             int     `json:"depth"`
	Capacity          int     `json:"capacity"`
	Enqueued          int64   `json:"enqueued"`
	Rejected          int64   `json:"rejected"`
	Dispatched        int64   `json:"dispatched"`
	Retried           int64   `json:"retried"`
	Dropped           int64   `json:"dropped"`
	InvalidRecipients int64   `json:"invalid_recipients"`
	BatchesSent       int64   `json:"batches_sent"`
	BatchesFailed     int64   `json:"batches_failed"`
	ErrorRate         float64 `json:"error_rate"`
}

// Queue is a bounded in-memory priority queue of notification jobs with
// batch draining, backpressure and retry with exponential backoff.
type Queue struct {
	mu     sync.Mutex
	jobs   []*Job
	config Config

	channels map[JobKind]Channel
	registry RecipientRegistry

	enqueued          int64
	rejected          int64
	dispatched        int64
	retried           int64
	dropped           int64
	invalidRecipients int64
	batchesSent       int64
	batchesFailed     int64

	stopCh  chan struct{}
	stopped bool

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewQueue creates a dispatch queue and starts its drain loop.
func NewQueue(config Config, registry RecipientRegistry, mt *metrics.Metrics, channels ...Channel) *Queue {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxConcurrentBatches <= 0 {
		config.MaxConcurrentBatches = 4
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = 5 * time.Second
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}

	q := &Queue{
		config:   config,
		channels: make(map[JobKind]Channel, len(channels)),
		registry: registry,
		stopCh:   make(chan struct{}),
		logger:   logging.GetLogger(),
		metrics:  mt,
	}
	for _, ch := range channels {
		q.channels[ch.Kind()] = ch
	}

	if registry == nil {
		q.logger.Warn("no recipient registry configured, invalid recipients will not be pruned")
	}

	go q.drainLoop()

	return q
}

// Enqueue inserts a job at its priority position. It returns false when the
// queue is at capacity: overflow is backpressure, not an error.
func (q *Queue) Enqueue(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) >= q.config.MaxQueueSize {
		q.rejected++
		if q.metrics != nil {
			q.metrics.JobsRejected.Inc()
		}
		q.logger.Warn("dispatch queue full, job rejected",
			"job_id", job.ID,
			"kind", string(job.Kind),
			"depth", len(q.jobs),
		)
		return false
	}

	q.insertLocked(job)
	q.enqueued++
	if q.metrics != nil {
		q.metrics.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
	}
	return true
}

// insertLocked places job after the last queued job with priority >= its
// own, preserving FIFO order within equal priority. Caller must hold q.mu.
func (q *Queue) insertLocked(job *Job) {
	idx := sort.Search(len(q.jobs), func(i int) bool {
		return q.jobs[i].Priority < job.Priority
	})
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[idx+1:], q.jobs[idx:])
	q.jobs[idx] = job
}

// Depth returns the current queue length.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// GetStats returns a snapshot of queue activity.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Depth:             len(q.jobs),
		Capacity:          q.config.MaxQueueSize,
		Enqueued:          q.enqueued,
		Rejected:          q.rejected,
		Dispatched:        q.dispatched,
		Retried:           q.retried,
		Dropped:           q.dropped,
		InvalidRecipients: q.invalidRecipients,
		BatchesSent:       q.batchesSent,
		BatchesFailed:     q.batchesFailed,
	}
	if q.batchesSent > 0 {
		stats.ErrorRate = float64(q.batchesFailed) / float64(q.batchesSent)
	}
	return stats
}

// Clear drops all queued jobs. Used by the health monitor during emergency
// cleanup.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.jobs)
	q.jobs = nil
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(0)
	}
	if n > 0 {
		q.logger.Warn("dispatch queue cleared", "dropped_jobs", n)
	}
	return n
}

// Stop terminates the drain loop. Queued jobs stay in memory until the
// process exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.stopCh)
}

func (q *Queue) drainLoop() {
	ticker := time.NewTicker(q.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.DrainOnce(context.Background())
		}
	}
}

// DrainOnce pulls up to BatchSize*MaxConcurrentBatches eligible jobs,
// groups them by kind and dispatches each batch concurrently under one
// overall timeout. Failed batches are re-enqueued with incremented retry
// count, lowered priority and exponential delay; jobs past the retry
// ceiling are dropped and logged.
func (q *Queue) DrainOnce(ctx context.Context) {
	limit := q.config.BatchSize * q.config.MaxConcurrentBatches
	now := time.Now()

	q.mu.Lock()
	var taken []*Job
	remaining := q.jobs[:0]
	for _, job := range q.jobs {
		if len(taken) < limit && job.Eligible(now) {
			taken = append(taken, job)
		} else {
			remaining = append(remaining, job)
		}
	}
	q.jobs = remaining
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
	}
	q.mu.Unlock()

	if len(taken) == 0 {
		return
	}

	byKind := make(map[JobKind][]*Job)
	for _, job := range taken {
		byKind[job.Kind] = append(byKind[job.Kind], job)
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.BatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for kind, jobs := range byKind {
		for start := 0; start < len(jobs); start += q.config.BatchSize {
			end := start + q.config.BatchSize
			if end > len(jobs) {
				end = len(jobs)
			}
			batch := jobs[start:end]

			wg.Add(1)
			go func(kind JobKind, batch []*Job) {
				defer wg.Done()
				q.dispatchBatch(ctx, kind, batch)
			}(kind, batch)
		}
	}
	wg.Wait()
}

func (q *Queue) dispatchBatch(ctx context.Context, kind JobKind, batch []*Job) {
	q.mu.Lock()
	q.batchesSent++
	q.mu.Unlock()

	ch, ok := q.channels[kind]
	if !ok {
		q.logger.Error("no delivery channel for job kind", "kind", string(kind), "jobs", len(batch))
		q.failBatch(kind, batch)
		return
	}

	results, err := ch.SendBatch(ctx, batch)
	if err != nil {
		q.logger.Warn("batch delivery failed",
			"kind", string(kind),
			"jobs", len(batch),
			"error", err,
		)
		q.failBatch(kind, batch)
		return
	}

	transientFailure := false
	for _, res := range results {
		if !res.Failed() {
			continue
		}
		if res.Invalid() {
			q.pruneRecipient(ctx, kind, res.Recipient)
			continue
		}
		transientFailure = true
	}

	if transientFailure {
		q.failBatch(kind, batch)
		return
	}

	q.mu.Lock()
	q.dispatched += int64(len(batch))
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.JobsDispatched.WithLabelValues(string(kind), "ok").Add(float64(len(batch)))
	}
}

// failBatch re-enqueues every job in a failed batch with backoff, dropping
// jobs past the retry ceiling.
func (q *Queue) failBatch(kind JobKind, batch []*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.batchesFailed++
	if q.metrics != nil {
		q.metrics.JobsDispatched.WithLabelValues(string(kind), "failed").Add(float64(len(batch)))
	}

	for _, job := range batch {
		job.RetryCount++
		if job.RetryCount > q.config.MaxRetries {
			q.dropped++
			if q.metrics != nil {
				q.metrics.JobsDropped.WithLabelValues(string(kind)).Inc()
			}
			q.logger.Error("dropping job after exhausting retries",
				"job_id", job.ID,
				"kind", string(job.Kind),
				"retries", job.RetryCount-1,
				"priority", job.Priority,
				"created_at", job.CreatedAt,
			)
			continue
		}

		if job.Priority > PriorityLow {
			job.Priority--
		}
		delay := q.config.RetryBaseDelay * time.Duration(1<<uint(job.RetryCount))
		job.NotBefore = time.Now().Add(delay)

		if len(q.jobs) >= q.config.MaxQueueSize {
			q.dropped++
			if q.metrics != nil {
				q.metrics.JobsDropped.WithLabelValues(string(kind)).Inc()
			}
			q.logger.Error("dropping retry, queue full",
				"job_id", job.ID,
				"kind", string(job.Kind),
				"retries", job.RetryCount,
			)
			continue
		}

		q.insertLocked(job)
		q.retried++
		if q.metrics != nil {
			q.metrics.JobsRetried.WithLabelValues(string(kind)).Inc()
		}
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.jobs)))
	}
}

func (q *Queue) pruneRecipient(ctx context.Context, kind JobKind, recipient string) {
	q.mu.Lock()
	q.invalidRecipients++
	q.mu.Unlock()

	if q.registry == nil {
		return
	}
	if err := q.registry.RemoveRecipient(ctx, kind, recipient); err != nil {
		q.logger.Error("failed to remove invalid recipient",
			"kind", string(kind),
			"recipient", recipient,
			"error", err,
		)
		return
	}
	q.logger.Info("removed invalid recipient",
		"kind", string(kind),
		"recipient", recipient,
	)
}
