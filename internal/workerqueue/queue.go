package workerqueue

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/statuspulse/statuspulse/pkg/errors"
)

// Redis key layout for the worker execution queue
const (
	workersKey    = "statuspulse:workers"
	waitingKey    = "statuspulse:jobs:waiting"
	activeKey     = "statuspulse:jobs:active"
	throughputKey = "statuspulse:throughput"
)

// Metrics reports the external queue's load signals used by autoscaling.
type Metrics struct {
	WaitingJobs int     `json:"waiting_jobs"`
	ActiveJobs  int     `json:"active_jobs"`
	Throughput  float64 `json:"throughput"`
}

// WorkerQueue is the external worker-execution queue the scaling manager
// drives. Workers are registered with a target concurrency and removed by
// id; Metrics feeds the autoscale loop.
type WorkerQueue interface {
	AddWorker(ctx context.Context, id string, concurrency int) error
	RemoveWorker(ctx context.Context, id string) error
	Metrics(ctx context.Context) (Metrics, error)
}

// RedisWorkerQueue implements WorkerQueue against a shared Redis instance.
// Worker registrations live in a hash, job backlogs in a list keyed per
// deployment.
type RedisWorkerQueue struct {
	redis *RedisClient
}

// NewRedisWorkerQueue creates a Redis-backed worker queue
func NewRedisWorkerQueue(redis *RedisClient) *RedisWorkerQueue {
	return &RedisWorkerQueue{redis: redis}
}

// AddWorker registers a worker with its target concurrency.
func (q *RedisWorkerQueue) AddWorker(ctx context.Context, id string, concurrency int) error {
	if err := q.redis.Client().HSet(ctx, workersKey, id, concurrency).Err(); err != nil {
		return errors.NewInternalError("failed to register worker").WithCause(err).WithDetail("worker_id", id)
	}
	return nil
}

// RemoveWorker deregisters a worker.
func (q *RedisWorkerQueue) RemoveWorker(ctx context.Context, id string) error {
	if err := q.redis.Client().HDel(ctx, workersKey, id).Err(); err != nil {
		return errors.NewInternalError("failed to deregister worker").WithCause(err).WithDetail("worker_id", id)
	}
	return nil
}

// Metrics returns the queue's current load signals.
func (q *RedisWorkerQueue) Metrics(ctx context.Context) (Metrics, error) {
	pipe := q.redis.Client().Pipeline()
	waiting := pipe.LLen(ctx, waitingKey)
	active := pipe.SCard(ctx, activeKey)
	throughput := pipe.Get(ctx, throughputKey)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Metrics{}, errors.NewInternalError("failed to read queue metrics").WithCause(err)
	}

	m := Metrics{
		WaitingJobs: int(waiting.Val()),
		ActiveJobs:  int(active.Val()),
	}
	if raw, err := throughput.Result(); err == nil {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			m.Throughput = v
		}
	}
	return m, nil
}

var _ WorkerQueue = (*RedisWorkerQueue)(nil)
