package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/statuspulse/statuspulse/internal/breaker"
	"github.com/statuspulse/statuspulse/internal/cache"
	"github.com/statuspulse/statuspulse/internal/dispatch"
	"github.com/statuspulse/statuspulse/internal/failsafe"
	"github.com/statuspulse/statuspulse/internal/locks"
	"github.com/statuspulse/statuspulse/internal/scaling"
	"github.com/statuspulse/statuspulse/pkg/config"
	"github.com/statuspulse/statuspulse/pkg/metrics"
)

// Components holds the resilience core instances the admin API exposes.
type Components struct {
	Locks    *locks.Manager
	Cache    *cache.Cache
	Breaker  *breaker.Breaker
	Dispatch *dispatch.Queue
	Scaling  *scaling.Manager
	Monitor  *failsafe.Monitor
}

// NewRouter creates and configures the admin API router
func NewRouter(cfg *config.Config, c Components) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(ErrorHandlingMiddleware())

	router.GET("/livez", func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	router.GET("/healthz", func(gc *gin.Context) {
		health := c.Monitor.GetSystemHealth()
		code := http.StatusOK
		if health.Status == failsafe.StatusCritical || health.Status == failsafe.StatusEmergency {
			code = http.StatusServiceUnavailable
		}
		gc.JSON(code, health)
	})

	router.GET("/stats", func(gc *gin.Context) {
		SuccessResponse(gc, gin.H{
			"locks":    c.Locks.GetStats(),
			"cache":    c.Cache.GetStats(),
			"breaker":  c.Breaker.GetStats(),
			"dispatch": c.Dispatch.GetStats(),
			"scaling":  c.Scaling.GetScalingMetrics(),
			"health":   c.Monitor.GetSystemHealth(),
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	admin := router.Group("/admin")
	{
		admin.POST("/reset", func(gc *gin.Context) {
			c.Monitor.ManualReset()
			SuccessResponse(gc, gin.H{"reset": true})
		})

		admin.POST("/emergency", func(gc *gin.Context) {
			var req struct {
				Reason string `json:"reason"`
			}
			if err := gc.ShouldBindJSON(&req); err != nil || req.Reason == "" {
				BadRequestResponse(gc, "reason is required")
				return
			}
			c.Monitor.TriggerEmergencyMode(req.Reason)
			SuccessResponse(gc, gin.H{"emergency_mode": true})
		})

		admin.POST("/scale", func(gc *gin.Context) {
			var req struct {
				Target int    `json:"target"`
				Reason string `json:"reason"`
			}
			if err := gc.ShouldBindJSON(&req); err != nil {
				BadRequestResponse(gc, "invalid scale request")
				return
			}
			if req.Reason == "" {
				req.Reason = "manual"
			}
			if err := c.Scaling.ScaleToCount(gc.Request.Context(), req.Target, req.Reason); err != nil {
				ErrorResponseFromError(gc, err)
				return
			}
			SuccessResponse(gc, c.Scaling.GetScalingMetrics())
		})
	}

	return router
}
