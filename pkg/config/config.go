package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Redis       RedisConfig       `json:"redis"`
	Monitor     MonitorConfig     `json:"monitor"`
	Recovery    RecoveryConfig    `json:"recovery"`
	Optimizer   OptimizerConfig   `json:"optimizer"`
	Degradation DegradationConfig `json:"degradation"`
	Engine      EngineConfig      `json:"engine"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Enabled  bool   `json:"enabled"`
}

// MonitorConfig contains health monitor configuration
type MonitorConfig struct {
	DefaultCheckInterval time.Duration `json:"default_check_interval"`
	DefaultProbeTimeout  time.Duration `json:"default_probe_timeout"`
	EventLogCap          int           `json:"event_log_cap"`
}

// RecoveryConfig contains recovery manager configuration
type RecoveryConfig struct {
	SettleDelay time.Duration `json:"settle_delay"`
	HistoryCap  int           `json:"history_cap"`
}

// OptimizerConfig contains annealing optimizer configuration
type OptimizerConfig struct {
	InitialTemperature float64 `json:"initial_temperature"`
	MinTemperature     float64 `json:"min_temperature"`
	CoolingRate        float64 `json:"cooling_rate"`
	ReheatAfter        int     `json:"reheat_after"`
	Seed               int64   `json:"seed"`
}

// DegradationConfig contains degradation level thresholds
type DegradationConfig struct {
	Level1Threshold float64 `json:"level1_threshold"`
	Level2Threshold float64 `json:"level2_threshold"`
	Level3Threshold float64 `json:"level3_threshold"`
	Level4Threshold float64 `json:"level4_threshold"`
	Level5Threshold float64 `json:"level5_threshold"`
}

// EngineConfig contains coordinator loop configuration
type EngineConfig struct {
	OptimizationInterval time.Duration `json:"optimization_interval"`
	MetricsInterval      time.Duration `json:"metrics_interval"`
	MetricsHistoryCap    int           `json:"metrics_history_cap"`
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
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Monitor: MonitorConfig{
			DefaultCheckInterval: getEnvDuration("MONITOR_CHECK_INTERVAL", 30*time.Second),
			DefaultProbeTimeout:  getEnvDuration("MONITOR_PROBE_TIMEOUT", 5*time.Second),
			EventLogCap:          getEnvInt("MONITOR_EVENT_LOG_CAP", 10000),
		},
		Recovery: RecoveryConfig{
			SettleDelay: getEnvDuration("RECOVERY_SETTLE_DELAY", 2*time.Second),
			HistoryCap:  getEnvInt("RECOVERY_HISTORY_CAP", 1000),
		},
		Optimizer: OptimizerConfig{
			InitialTemperature: getEnvFloat("OPTIMIZER_INITIAL_TEMP", 100.0),
			MinTemperature:     getEnvFloat("OPTIMIZER_MIN_TEMP", 0.1),
			CoolingRate:        getEnvFloat("OPTIMIZER_COOLING_RATE", 0.95),
			ReheatAfter:        getEnvInt("OPTIMIZER_REHEAT_AFTER", 50),
			Seed:               getEnvInt64("OPTIMIZER_SEED", 0),
		},
		Degradation: DegradationConfig{
			Level1Threshold: getEnvFloat("DEGRADATION_LEVEL1_THRESHOLD", 80),
			Level2Threshold: getEnvFloat("DEGRADATION_LEVEL2_THRESHOLD", 60),
			Level3Threshold: getEnvFloat("DEGRADATION_LEVEL3_THRESHOLD", 40),
			Level4Threshold: getEnvFloat("DEGRADATION_LEVEL4_THRESHOLD", 20),
			Level5Threshold: getEnvFloat("DEGRADATION_LEVEL5_THRESHOLD", 0),
		},
		Engine: EngineConfig{
			OptimizationInterval: getEnvDuration("ENGINE_OPTIMIZATION_INTERVAL", time.Minute),
			MetricsInterval:      getEnvDuration("ENGINE_METRICS_INTERVAL", 30*time.Second),
			MetricsHistoryCap:    getEnvInt("ENGINE_METRICS_HISTORY_CAP", 360),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Monitor.DefaultCheckInterval <= 0 {
		return fmt.Errorf("monitor check interval must be positive")
	}

	if c.Optimizer.InitialTemperature <= c.Optimizer.MinTemperature {
		return fmt.Errorf("optimizer initial temperature must exceed min temperature")
	}

	if c.Optimizer.CoolingRate <= 0 || c.Optimizer.CoolingRate >= 1 {
		return fmt.Errorf("optimizer cooling rate must be in (0, 1)")
	}

	thresholds := []float64{
		c.Degradation.Level1Threshold,
		c.Degradation.Level2Threshold,
		c.Degradation.Level3Threshold,
		c.Degradation.Level4Threshold,
		c.Degradation.Level5Threshold,
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] >= thresholds[i-1] {
			return fmt.Errorf("degradation thresholds must be strictly decreasing")
		}
	}

	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
