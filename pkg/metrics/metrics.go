package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Health monitor metrics
	ProbesTotal        *prometheus.CounterVec
	ProbeDuration      *prometheus.HistogramVec
	CircuitTransitions *prometheus.CounterVec
	OpenCircuits       prometheus.Gauge
	ServiceStatus      *prometheus.GaugeVec

	// Recovery metrics
	RecoveryAttempts *prometheus.CounterVec
	RecoveryDuration *prometheus.HistogramVec

	// Optimizer metrics
	AnnealingTemperature prometheus.Gauge
	AnnealingEnergy      *prometheus.GaugeVec
	AnnealingConvergence prometheus.Gauge

	// Degradation metrics
	DegradationLevel prometheus.Gauge
	SystemStability  prometheus.Gauge
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "selfheal",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probes_total",
				Help:      "Total number of health probes performed",
			},
			[]string{"service", "result"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probe_duration_seconds",
				Help:      "Health probe duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"service"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"service", "from", "to"},
		),
		OpenCircuits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "open_circuits",
				Help:      "Number of services with an open circuit",
			},
		),
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "service_status",
				Help:      "Per-service health status (0=unknown 1=healthy 2=degraded 3=unhealthy 4=recovering)",
			},
			[]string{"service"},
		),
		RecoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_attempts_total",
				Help:      "Total number of recovery attempts",
			},
			[]string{"service", "action", "outcome"},
		),
		RecoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_duration_seconds",
				Help:      "Recovery attempt duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "action"},
		),
		AnnealingTemperature: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "annealing_temperature",
				Help:      "Current temperature of the annealing optimizer",
			},
		),
		AnnealingEnergy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "annealing_energy",
				Help:      "Current and best system energy of the annealing optimizer",
			},
			[]string{"kind"},
		),
		AnnealingConvergence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "annealing_convergence",
				Help:      "Optimizer convergence (1 - best energy)",
			},
		),
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "degradation_level",
				Help:      "Current system degradation level (1=normal .. 5=critical)",
			},
		),
		SystemStability: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "system_stability",
				Help:      "Derived system stability score (0-100)",
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProbesTotal,
		m.ProbeDuration,
		m.CircuitTransitions,
		m.OpenCircuits,
		m.ServiceStatus,
		m.RecoveryAttempts,
		m.RecoveryDuration,
		m.AnnealingTemperature,
		m.AnnealingEnergy,
		m.AnnealingConvergence,
		m.DegradationLevel,
		m.SystemStability,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordProbe records health probe metrics
func (m *Metrics) RecordProbe(service, result string, duration time.Duration) {
	if m.ProbesTotal == nil {
		return
	}

	m.ProbesTotal.WithLabelValues(service, result).Inc()
	m.ProbeDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordCircuitTransition records a circuit breaker state transition
func (m *Metrics) RecordCircuitTransition(service, from, to string) {
	if m.CircuitTransitions == nil {
		return
	}

	m.CircuitTransitions.WithLabelValues(service, from, to).Inc()
}

// UpdateOpenCircuits updates the open circuit gauge
func (m *Metrics) UpdateOpenCircuits(count int) {
	if m.OpenCircuits == nil {
		return
	}

	m.OpenCircuits.Set(float64(count))
}

// UpdateServiceStatus updates the per-service status gauge
func (m *Metrics) UpdateServiceStatus(service string, status int) {
	if m.ServiceStatus == nil {
		return
	}

	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordRecoveryAttempt records recovery attempt metrics
func (m *Metrics) RecordRecoveryAttempt(service, action, outcome string, duration time.Duration) {
	if m.RecoveryAttempts == nil {
		return
	}

	m.RecoveryAttempts.WithLabelValues(service, action, outcome).Inc()
	m.RecoveryDuration.WithLabelValues(service, action).Observe(duration.Seconds())
}

// UpdateAnnealingState updates optimizer gauges
func (m *Metrics) UpdateAnnealingState(temperature, currentEnergy, bestEnergy, convergence float64) {
	if m.AnnealingTemperature == nil {
		return
	}

	m.AnnealingTemperature.Set(temperature)
	m.AnnealingEnergy.WithLabelValues("current").Set(currentEnergy)
	m.AnnealingEnergy.WithLabelValues("best").Set(bestEnergy)
	m.AnnealingConvergence.Set(convergence)
}

// UpdateDegradationLevel updates the degradation level gauge
func (m *Metrics) UpdateDegradationLevel(level int) {
	if m.DegradationLevel == nil {
		return
	}

	m.DegradationLevel.Set(float64(level))
}

// UpdateSystemStability updates the stability gauge
func (m *Metrics) UpdateSystemStability(stability float64) {
	if m.SystemStability == nil {
		return
	}

	m.SystemStability.Set(stability)
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
