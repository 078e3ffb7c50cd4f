package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Locks    LocksConfig    `json:"locks"`
	Cache    CacheConfig    `json:"cache"`
	Breaker  BreakerConfig  `json:"breaker"`
	Dispatch DispatchConfig `json:"dispatch"`
	Scaling  ScalingConfig  `json:"scaling"`
	Failsafe FailsafeConfig `json:"failsafe"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig contains the admin HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// RedisConfig contains Redis connection configuration for the worker queue
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LocksConfig contains lock manager configuration
type LocksConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxHoldTime    time.Duration `json:"max_hold_time"`
	SweepInterval  time.Duration `json:"sweep_interval"`
}

// CacheConfig contains in-memory cache configuration
type CacheConfig struct {
	DefaultTTL      time.Duration `json:"default_ttl"`
	MaxEntries      int           `json:"max_entries"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// BreakerConfig contains circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
	SuccessThreshold    int           `json:"success_threshold"`
	HalfOpenMaxAttempts int           `json:"half_open_max_attempts"`
}

// DispatchConfig contains notification dispatch queue configuration
type DispatchConfig struct {
	MaxQueueSize         int           `json:"max_queue_size"`
	BatchSize            int           `json:"batch_size"`
	MaxConcurrentBatches int           `json:"max_concurrent_batches"`
	DrainInterval        time.Duration `json:"drain_interval"`
	BatchTimeout         time.Duration `json:"batch_timeout"`
	MaxRetries           int           `json:"max_retries"`
	RetryBaseDelay       time.Duration `json:"retry_base_delay"`
	SMTPServer           string        `json:"smtp_server"`
	SMTPPort             int           `json:"smtp_port"`
	SMTPUsername         string        `json:"smtp_username"`
	SMTPPassword         string        `json:"-"`
	SMTPFrom             string        `json:"smtp_from"`
	PushGatewayURL       string        `json:"push_gateway_url"`
	PushGatewayKey       string        `json:"-"`
}

// ScalingConfig contains worker pool scaling configuration
type ScalingConfig struct {
	MinWorkers          int           `json:"min_workers"`
	MaxWorkers          int           `json:"max_workers"`
	WorkerConcurrency   int           `json:"worker_concurrency"`
	ScaleUpThreshold    int           `json:"scale_up_threshold"`
	ScaleDownThreshold  int           `json:"scale_down_threshold"`
	ScaleUpCooldown     time.Duration `json:"scale_up_cooldown"`
	ScaleDownCooldown   time.Duration `json:"scale_down_cooldown"`
	MinWorkerAge        time.Duration `json:"min_worker_age"`
	AutoScaleInterval   time.Duration `json:"auto_scale_interval"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	ErrorRateThreshold  float64       `json:"error_rate_threshold"`
	ReplacementDelay    time.Duration `json:"replacement_delay"`
}

// FailsafeConfig contains health monitor thresholds
type FailsafeConfig struct {
	SweepInterval       time.Duration `json:"sweep_interval"`
	MemoryWarning       float64       `json:"memory_warning"`
	MemoryCritical      float64       `json:"memory_critical"`
	CPUWarning          float64       `json:"cpu_warning"`
	CPUCritical         float64       `json:"cpu_critical"`
	LockCountWarning    int           `json:"lock_count_warning"`
	LockCountCritical   int           `json:"lock_count_critical"`
	QueueDepthWarning   int           `json:"queue_depth_warning"`
	QueueDepthCritical  int           `json:"queue_depth_critical"`
	ErrorRateCritical   float64       `json:"error_rate_critical"`
	EmergencyWindow     time.Duration `json:"emergency_window"`
	EmergencyCooldown   time.Duration `json:"emergency_cooldown"`
	SustainedCritical   int           `json:"sustained_critical"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Locks: LocksConfig{
			DefaultTimeout: getEnvDuration("LOCK_DEFAULT_TIMEOUT", 10*time.Second),
			MaxHoldTime:    getEnvDuration("LOCK_MAX_HOLD_TIME", 30*time.Second),
			SweepInterval:  getEnvDuration("LOCK_SWEEP_INTERVAL", 5*time.Second),
		},
		Cache: CacheConfig{
			DefaultTTL:      getEnvDuration("CACHE_DEFAULT_TTL", 5*time.Minute),
			MaxEntries:      getEnvInt("CACHE_MAX_ENTRIES", 10000),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 1*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
			ResetTimeout:        getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
			SuccessThreshold:    getEnvInt("BREAKER_SUCCESS_THRESHOLD", 1),
			HalfOpenMaxAttempts: getEnvInt("BREAKER_HALF_OPEN_MAX_ATTEMPTS", 3),
		},
		Dispatch: DispatchConfig{
			MaxQueueSize:         getEnvInt("DISPATCH_MAX_QUEUE_SIZE", 1000),
			BatchSize:            getEnvInt("DISPATCH_BATCH_SIZE", 50),
			MaxConcurrentBatches: getEnvInt("DISPATCH_MAX_CONCURRENT_BATCHES", 4),
			DrainInterval:        getEnvDuration("DISPATCH_DRAIN_INTERVAL", 5*time.Second),
			BatchTimeout:         getEnvDuration("DISPATCH_BATCH_TIMEOUT", 30*time.Second),
			MaxRetries:           getEnvInt("DISPATCH_MAX_RETRIES", 5),
			RetryBaseDelay:       getEnvDuration("DISPATCH_RETRY_BASE_DELAY", 1*time.Second),
			SMTPServer:           getEnvString("SMTP_SERVER", ""),
			SMTPPort:             getEnvInt("SMTP_PORT", 587),
			SMTPUsername:         getEnvString("SMTP_USERNAME", ""),
			SMTPPassword:         getEnvString("SMTP_PASSWORD", ""),
			SMTPFrom:             getEnvString("SMTP_FROM", "alerts@statuspulse.dev"),
			PushGatewayURL:       getEnvString("PUSH_GATEWAY_URL", ""),
			PushGatewayKey:       getEnvString("PUSH_GATEWAY_API_KEY", ""),
		},
		Scaling: ScalingConfig{
			MinWorkers:          getEnvInt("SCALING_MIN_WORKERS", 1),
			MaxWorkers:          getEnvInt("SCALING_MAX_WORKERS", 10),
			WorkerConcurrency:   getEnvInt("SCALING_WORKER_CONCURRENCY", 5),
			ScaleUpThreshold:    getEnvInt("SCALING_UP_THRESHOLD", 100),
			ScaleDownThreshold:  getEnvInt("SCALING_DOWN_THRESHOLD", 10),
			ScaleUpCooldown:     getEnvDuration("SCALING_UP_COOLDOWN", 1*time.Minute),
			ScaleDownCooldown:   getEnvDuration("SCALING_DOWN_COOLDOWN", 5*time.Minute),
			MinWorkerAge:        getEnvDuration("SCALING_MIN_WORKER_AGE", 2*time.Minute),
			AutoScaleInterval:   getEnvDuration("SCALING_AUTO_SCALE_INTERVAL", 30*time.Second),
			HealthCheckInterval: getEnvDuration("SCALING_HEALTH_CHECK_INTERVAL", 30*time.Second),
			ErrorRateThreshold:  getEnvFloat("SCALING_ERROR_RATE_THRESHOLD", 0.25),
			ReplacementDelay:    getEnvDuration("SCALING_REPLACEMENT_DELAY", 2*time.Second),
		},
		Failsafe: FailsafeConfig{
			SweepInterval:      getEnvDuration("FAILSAFE_SWEEP_INTERVAL", 30*time.Second),
			MemoryWarning:      getEnvFloat("FAILSAFE_MEMORY_WARNING", 0.7),
			MemoryCritical:     getEnvFloat("FAILSAFE_MEMORY_CRITICAL", 0.85),
			CPUWarning:         getEnvFloat("FAILSAFE_CPU_WARNING", 70.0),
			CPUCritical:        getEnvFloat("FAILSAFE_CPU_CRITICAL", 90.0),
			LockCountWarning:   getEnvInt("FAILSAFE_LOCK_COUNT_WARNING", 100),
			LockCountCritical:  getEnvInt("FAILSAFE_LOCK_COUNT_CRITICAL", 500),
			QueueDepthWarning:  getEnvInt("FAILSAFE_QUEUE_DEPTH_WARNING", 500),
			QueueDepthCritical: getEnvInt("FAILSAFE_QUEUE_DEPTH_CRITICAL", 900),
			ErrorRateCritical:  getEnvFloat("FAILSAFE_ERROR_RATE_CRITICAL", 0.5),
			EmergencyWindow:    getEnvDuration("FAILSAFE_EMERGENCY_WINDOW", 5*time.Minute),
			EmergencyCooldown:  getEnvDuration("FAILSAFE_EMERGENCY_COOLDOWN", 10*time.Minute),
			SustainedCritical:  getEnvInt("FAILSAFE_SUSTAINED_CRITICAL", 3),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scaling.MinWorkers < 0 {
		return fmt.Errorf("minimum workers cannot be negative")
	}
	if c.Scaling.MaxWorkers < c.Scaling.MinWorkers {
		return fmt.Errorf("maximum workers must be >= minimum workers")
	}
	if c.Dispatch.MaxQueueSize <= 0 {
		return fmt.Errorf("dispatch queue size must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}
	if c.Locks.MaxHoldTime <= 0 {
		return fmt.Errorf("lock max hold time must be positive")
	}
	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
