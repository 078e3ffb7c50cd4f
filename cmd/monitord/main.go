package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/statuspulse/statuspulse/internal/api"
	"github.com/statuspulse/statuspulse/internal/breaker"
	"github.com/statuspulse/statuspulse/internal/cache"
	"github.com/statuspulse/statuspulse/internal/dispatch"
	"github.com/statuspulse/statuspulse/internal/dispatch/channels"
	"github.com/statuspulse/statuspulse/internal/failsafe"
	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/internal/scaling"
	"github.com/statuspulse/statuspulse/internal/workerqueue"
	"github.com/statuspulse/statuspulse/pkg/config"
	"github.com/statuspulse/statuspulse/pkg/logging"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

func main() {
	// Load .env if present; real deployments use environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "monitord",
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	mt := metrics.NewMetrics(metrics.DefaultConfig())

	// Redis backs the external worker-execution queue
	redis, err := workerqueue.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redis.Health(ctx); err != nil {
		log.Fatalf("Redis health check failed: %v", err)
	}
	cancel()

	logger.Info("Redis connection established", "addr", cfg.RedisAddr())

	// Resilience core, leaves first
	lockManager := locks.NewManager(locks.Config{
		DefaultTimeout: cfg.Locks.DefaultTimeout,
		MaxHoldTime:    cfg.Locks.MaxHoldTime,
		SweepInterval:  cfg.Locks.SweepInterval,
	}, mt)
	defer lockManager.Stop()

	cacheStore := cache.New(cache.Config{
		DefaultTTL:      cfg.Cache.DefaultTTL,
		MaxEntries:      cfg.Cache.MaxEntries,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, lockManager, mt)
	defer cacheStore.Stop()

	circuitBreaker := breaker.New(lockManager, mt)

	emailChannel := channels.NewEmailChannel(channels.EmailConfig{
		Server:   cfg.Dispatch.SMTPServer,
		Port:     cfg.Dispatch.SMTPPort,
		Username: cfg.Dispatch.SMTPUsername,
		Password: cfg.Dispatch.SMTPPassword,
		From:     cfg.Dispatch.SMTPFrom,
	})
	pushChannel := channels.NewPushChannel(channels.PushConfig{
		GatewayURL: cfg.Dispatch.PushGatewayURL,
		APIKey:     cfg.Dispatch.PushGatewayKey,
	})

	dispatchQueue := dispatch.NewQueue(dispatch.Config{
		MaxQueueSize:         cfg.Dispatch.MaxQueueSize,
		BatchSize:            cfg.Dispatch.BatchSize,
		MaxConcurrentBatches: cfg.Dispatch.MaxConcurrentBatches,
		DrainInterval:        cfg.Dispatch.DrainInterval,
		BatchTimeout:         cfg.Dispatch.BatchTimeout,
		MaxRetries:           cfg.Dispatch.MaxRetries,
		RetryBaseDelay:       cfg.Dispatch.RetryBaseDelay,
	}, dispatch.NewRedisRecipientRegistry(redis.Client()), mt, emailChannel, pushChannel)
	defer dispatchQueue.Stop()

	workerQueue := workerqueue.NewRedisWorkerQueue(redis)
	scaler := scaling.NewManager(cfg.Scaling, lockManager, workerQueue, mt)
	defer scaler.Stop()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := scaler.Start(startCtx); err != nil {
		logger.Error("Failed to start worker pool at minimum size", "error", err)
	}
	startCancel()

	monitor := failsafe.NewMonitor(cfg.Failsafe, lockManager, cacheStore, circuitBreaker, dispatchQueue, mt)
	defer monitor.Stop()

	router := api.NewRouter(cfg, api.Components{
		Locks:    lockManager,
		Cache:    cacheStore,
		Breaker:  circuitBreaker,
		Dispatch: dispatchQueue,
		Scaling:  scaler,
		Monitor:  monitor,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting admin server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
