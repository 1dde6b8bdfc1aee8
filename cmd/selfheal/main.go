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

	"github.com/sentinelops/selfheal/internal/annealing"
	"github.com/sentinelops/selfheal/internal/api"
	"github.com/sentinelops/selfheal/internal/degradation"
	"github.com/sentinelops/selfheal/internal/engine"
	"github.com/sentinelops/selfheal/internal/health"
	"github.com/sentinelops/selfheal/internal/recovery"
	"github.com/sentinelops/selfheal/internal/storage"
	"github.com/sentinelops/selfheal/pkg/clock"
	"github.com/sentinelops/selfheal/pkg/config"
	"github.com/sentinelops/selfheal/pkg/logging"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

func main() {
	// Load .env file if it exists (for local development)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "selfheal",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting self-healing resilience engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	m := metrics.NewMetrics(nil)
	scheduler := clock.NewScheduler(clock.NewRealClock(), logger)
	defer scheduler.CancelAll()

	// Redis backs storage probes and the clear-cache recovery action; the
	// engine runs fully in-memory without it
	var redisClient *storage.RedisClient
	var cache *storage.Cache
	if cfg.Redis.Enabled {
		redisClient, err = storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err.Error())
			os.Exit(1)
		}
		defer redisClient.Close()
		cache = storage.NewCache(redisClient, nil)
		logger.Info("Redis connected", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
	}

	monitor := health.NewMonitor(scheduler, m, &health.Config{
		EventLogCap:              cfg.Monitor.EventLogCap,
		LatencyDegradedThreshold: 5 * time.Second,
		DefaultCheckInterval:     cfg.Monitor.DefaultCheckInterval,
		DefaultProbeTimeout:      cfg.Monitor.DefaultProbeTimeout,
	})

	recoveryMgr := recovery.NewManager(monitor, cache, scheduler, nil, m, &recovery.Config{
		SettleDelay:   cfg.Recovery.SettleDelay,
		MaxRetryDelay: 30 * time.Second,
		JitterFactor:  0.1,
		HistoryCap:    cfg.Recovery.HistoryCap,
	})

	optimizer := annealing.NewOptimizer(&annealing.Config{
		InitialTemperature: cfg.Optimizer.InitialTemperature,
		MinTemperature:     cfg.Optimizer.MinTemperature,
		CoolingRate:        cfg.Optimizer.CoolingRate,
		ReheatAfter:        cfg.Optimizer.ReheatAfter,
		Seed:               cfg.Optimizer.Seed,
	}, m)

	degradationMgr := degradation.NewManager(degradationLevels(cfg), m)

	eng := engine.New(monitor, recoveryMgr, optimizer, degradationMgr, scheduler, m, &engine.Config{
		OptimizationInterval: cfg.Engine.OptimizationInterval,
		MetricsInterval:      cfg.Engine.MetricsInterval,
		MetricsHistoryCap:    cfg.Engine.MetricsHistoryCap,
	})
	defer eng.Close()

	eng.Monitor()

	router := api.NewRouter(cfg, eng, redisClient, m)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}

// degradationLevels builds the level table from configured thresholds,
// keeping the default feature lists and messages
func degradationLevels(cfg *config.Config) []degradation.Level {
	levels := degradation.DefaultLevels()
	thresholds := []float64{
		cfg.Degradation.Level1Threshold,
		cfg.Degradation.Level2Threshold,
		cfg.Degradation.Level3Threshold,
		cfg.Degradation.Level4Threshold,
		cfg.Degradation.Level5Threshold,
	}
	for i := range levels {
		levels[i].Threshold = thresholds[i]
	}
	return levels
}
