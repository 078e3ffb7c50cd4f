package workerqueue

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/statuspulse/statuspulse/pkg/config"
	"github.com/statuspulse/statuspulse/pkg/errors"
)

// Connection tuning for the shared statuspulse Redis instance. Worker
// bookkeeping and recipient pruning are small single-key commands, so
// operation timeouts stay tight and retries back off quickly.
const (
	connectTimeout = 5 * time.Second
	commandTimeout = 2 * time.Second
	idleConnWindow = 10 * time.Minute
)

// RedisClient owns the connection pool shared by the worker queue and the
// recipient registry.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.PoolSize / 4,
		ConnMaxIdleTime: idleConnWindow,

		DialTimeout:  connectTimeout,
		ReadTimeout:  commandTimeout,
		WriteTimeout: commandTimeout,

		MaxRetries:      3,
		MinRetryBackoff: 10 * time.Millisecond,
		MaxRetryBackoff: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{client: client}, nil
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Health pings Redis, reporting connectivity for the health endpoint.
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Client returns the underlying Redis client for collaborators that issue
// their own commands.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Stats returns connection pool statistics.
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}
