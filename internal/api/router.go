package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sentinelops/selfheal/internal/engine"
	"github.com/sentinelops/selfheal/internal/storage"
	"github.com/sentinelops/selfheal/pkg/config"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, eng *engine.Engine, redis *storage.RedisClient, m *metrics.Metrics) *gin.Engine {
	if cfg != nil && cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RecoveryMiddleware())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))
	if m != nil {
		router.Use(m.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	handler := NewHandler(eng, redis)

	router.GET("/healthz", handler.Healthz)
	router.GET("/readyz", handler.Readyz)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handler.GetHealth)
		v1.GET("/metrics", handler.GetMetrics)
		v1.GET("/events", handler.GetEvents)

		services := v1.Group("/services")
		{
			services.GET("", handler.ListServices)
			services.POST("", handler.RegisterService)
			services.GET("/:id", handler.GetService)
			services.DELETE("/:id", handler.UnregisterService)
			services.POST("/:id/check", handler.CheckService)
			services.POST("/:id/recover", handler.RecoverService)
		}

		v1.GET("/features/:name", handler.GetFeature)

		fallbacks := v1.Group("/fallbacks")
		{
			fallbacks.GET("/:key", handler.GetFallback)
			fallbacks.PUT("/:key", handler.PutFallback)
		}
	}

	return router
}
