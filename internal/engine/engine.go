// Package engine wires the health monitor, recovery manager, annealing
// optimizer and degradation manager into one lifecycle: it schedules the
// optimization and metrics-aggregation loops, auto-triggers recovery on
// unhealthy transitions, and feeds the aggregate health score into the
// degradation feature gates.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/selfheal/internal/annealing"
	"github.com/sentinelops/selfheal/internal/degradation"
	"github.com/sentinelops/selfheal/internal/health"
	"github.com/sentinelops/selfheal/internal/recovery"
	"github.com/sentinelops/selfheal/pkg/clock"
	"github.com/sentinelops/selfheal/pkg/logging"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

const (
	optimizeTask = "engine:optimize"
	metricsTask  = "engine:metrics"

	churnPenalty          = 2.0
	failedRecoveryPenalty = 5.0
)

// Config holds coordinator configuration
type Config struct {
	OptimizationInterval time.Duration
	MetricsInterval      time.Duration
	// MetricsHistoryCap bounds the aggregated metrics history
	MetricsHistoryCap int
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() *Config {
	return &Config{
		OptimizationInterval: time.Minute,
		MetricsInterval:      30 * time.Second,
		MetricsHistoryCap:    360,
	}
}

// ServiceDescriptor is the full registration payload: the health descriptor
// plus the recovery strategies for the service
type ServiceDescriptor struct {
	health.ServiceConfig
	RecoveryStrategies []recovery.Strategy `json:"recovery_strategies,omitempty"`
}

// SystemMetrics is one aggregated snapshot across all services
type SystemMetrics struct {
	Timestamp           time.Time     `json:"timestamp"`
	TotalServices       int           `json:"total_services"`
	HealthyCount        int           `json:"healthy_count"`
	DegradedCount       int           `json:"degraded_count"`
	UnhealthyCount      int           `json:"unhealthy_count"`
	RecoveringCount     int           `json:"recovering_count"`
	UnknownCount        int           `json:"unknown_count"`
	AverageLatency      time.Duration `json:"average_latency"`
	AverageErrorRate    float64       `json:"average_error_rate"`
	AverageAvailability float64       `json:"average_availability"`
	OpenCircuits        int           `json:"open_circuits"`
	RecoveriesSucceeded int           `json:"recoveries_succeeded"`
	RecoveriesFailed    int           `json:"recoveries_failed"`
	Convergence         float64       `json:"convergence"`
	DegradationLevel    int           `json:"degradation_level"`
	HealthScore         float64       `json:"health_score"`
	Stability           float64       `json:"stability"`
}

// HealthReport is the full programmatic health surface
type HealthReport struct {
	Services         map[string]*health.ServiceHealth `json:"services"`
	Overall          SystemMetrics                    `json:"overall"`
	DegradationLevel int                              `json:"degradation_level"`
	Message          string                           `json:"message"`
}

// MetricsReport bundles current and historical metrics with optimizer,
// recovery and event state
type MetricsReport struct {
	Current         SystemMetrics      `json:"current"`
	History         []SystemMetrics    `json:"history"`
	AnnealingState  annealing.State    `json:"annealing_state"`
	RecoveryHistory []recovery.Attempt `json:"recovery_history"`
	EventLog        []health.Event     `json:"event_log"`
}

// Engine is the coordinator
type Engine struct {
	config    *Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	scheduler *clock.Scheduler

	monitor     *health.Monitor
	recovery    *recovery.Manager
	optimizer   *annealing.Optimizer
	degradation *degradation.Manager

	mutex          sync.Mutex
	monitoring     bool
	history        []SystemMetrics
	statusChanges  []time.Time
	removeListener func()
}

// New creates the coordinator and subscribes it to health events. Monitoring
// does not start until Monitor is called.
func New(monitor *health.Monitor, recoveryMgr *recovery.Manager, optimizer *annealing.Optimizer, degradationMgr *degradation.Manager, scheduler *clock.Scheduler, m *metrics.Metrics, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	e := &Engine{
		config:      config,
		logger:      logging.GetLogger(),
		metrics:     m,
		scheduler:   scheduler,
		monitor:     monitor,
		recovery:    recoveryMgr,
		optimizer:   optimizer,
		degradation: degradationMgr,
	}
	e.removeListener = monitor.AddListener(e.onHealthEvent)

	return e
}

// onHealthEvent tracks status churn and auto-triggers recovery when a
// service transitions to unhealthy while monitoring is active
func (e *Engine) onHealthEvent(event health.Event) {
	if event.Type != health.EventHealthChange {
		return
	}

	e.mutex.Lock()
	e.statusChanges = append(e.statusChanges, event.Timestamp)
	monitoring := e.monitoring
	e.mutex.Unlock()

	status, _ := event.Metadata["status"].(string)
	if !monitoring || health.Status(status) != health.StatusUnhealthy {
		return
	}

	e.logger.Info("Auto-triggering recovery",
		"service_id", event.ServiceID,
		"event_id", event.ID,
	)

	go func() {
		if !e.recovery.AttemptRecovery(context.Background(), event.ServiceID) {
			e.logger.Warn("Auto-recovery did not restore service",
				"service_id", event.ServiceID,
			)
		}
	}()
}

// RegisterService registers the service with the monitor and installs its
// recovery strategies. When monitoring is active its probe starts
// immediately.
func (e *Engine) RegisterService(descriptor ServiceDescriptor) error {
	if err := e.monitor.RegisterService(descriptor.ServiceConfig); err != nil {
		return err
	}
	e.recovery.SetStrategies(descriptor.ID, descriptor.RecoveryStrategies)

	e.mutex.Lock()
	monitoring := e.monitoring
	e.mutex.Unlock()

	if monitoring {
		return e.monitor.StartHealthCheck(descriptor.ID)
	}
	return nil
}

// UnregisterService removes the service, its strategies, and any scheduled
// work
func (e *Engine) UnregisterService(id string) error {
	if err := e.monitor.UnregisterService(id); err != nil {
		return err
	}
	e.recovery.RemoveStrategies(id)
	return nil
}

// Monitor starts all health probes plus the optimization and metrics loops.
// It is idempotent.
func (e *Engine) Monitor() {
	e.mutex.Lock()
	if e.monitoring {
		e.mutex.Unlock()
		return
	}
	e.monitoring = true
	e.mutex.Unlock()

	e.monitor.StartAllHealthChecks()
	e.scheduler.Every(optimizeTask, e.config.OptimizationInterval, e.optimizeOnce)
	e.scheduler.Every(metricsTask, e.config.MetricsInterval, func() { e.collect() })

	e.logger.Info("Monitoring started",
		"optimization_interval", e.config.OptimizationInterval,
		"metrics_interval", e.config.MetricsInterval,
	)
}

// Stop cancels the optimization and metrics loops and every per-service
// probe schedule
func (e *Engine) Stop() {
	e.mutex.Lock()
	if !e.monitoring {
		e.mutex.Unlock()
		return
	}
	e.monitoring = false
	e.mutex.Unlock()

	e.scheduler.Cancel(optimizeTask)
	e.scheduler.Cancel(metricsTask)
	e.monitor.StopAllHealthChecks()

	e.logger.Info("Monitoring stopped")
}

// Reset stops monitoring and reinitializes optimizer, degradation state and
// metrics history. Registered services and their health records survive.
func (e *Engine) Reset() {
	e.Stop()
	e.optimizer.Reset()
	e.degradation.Reset()

	e.mutex.Lock()
	e.history = nil
	e.statusChanges = nil
	e.mutex.Unlock()

	e.logger.Info("Engine reset")
}

// Close detaches the engine from the monitor's event stream after stopping
func (e *Engine) Close() {
	e.Stop()
	if e.removeListener != nil {
		e.removeListener()
	}
}

// CheckHealth forces an immediate probe of the service
func (e *Engine) CheckHealth(ctx context.Context, id string) (*health.ServiceHealth, error) {
	return e.monitor.PerformHealthCheck(ctx, id)
}

// Recover manually triggers recovery for a service
func (e *Engine) Recover(ctx context.Context, id string) bool {
	return e.recovery.AttemptRecovery(ctx, id)
}

// GetHealth returns every service's health plus the aggregate view. Reads
// are side-effect free: history and the degradation level change only on the
// metrics tick.
func (e *Engine) GetHealth() HealthReport {
	return HealthReport{
		Services:         e.monitor.Snapshots(),
		Overall:          e.aggregate(),
		DegradationLevel: e.degradation.CurrentLevel(),
		Message:          e.degradation.CurrentMessage(),
	}
}

// GetMetrics returns the current aggregate, bounded history, optimizer
// state, recovery history and event log. Like GetHealth it mutates nothing.
func (e *Engine) GetMetrics() MetricsReport {
	current := e.aggregate()

	e.mutex.Lock()
	history := append([]SystemMetrics(nil), e.history...)
	e.mutex.Unlock()

	return MetricsReport{
		Current:         current,
		History:         history,
		AnnealingState:  e.optimizer.State(),
		RecoveryHistory: e.recovery.History(100),
		EventLog:        e.monitor.Events(100),
	}
}

// Events returns up to limit most recent health events
func (e *Engine) Events(limit int) []health.Event {
	return e.monitor.Events(limit)
}

// IsFeatureEnabled reports whether a feature gate is currently open
func (e *Engine) IsFeatureEnabled(name string) bool {
	return e.degradation.IsFeatureEnabled(name)
}

// GetFallbackResponse retrieves a stored degraded-mode payload
func (e *Engine) GetFallbackResponse(key string) (interface{}, bool) {
	return e.degradation.FallbackResponse(key)
}

// SetFallbackResponse stores a degraded-mode payload
func (e *Engine) SetFallbackResponse(key string, value interface{}) {
	e.degradation.SetFallbackResponse(key, value)
}

// AddEventListener subscribes to health events; returns an unsubscribe func
func (e *Engine) AddEventListener(fn health.Listener) func() {
	return e.monitor.AddListener(fn)
}

// AddDegradationListener subscribes to level changes; returns an unsubscribe
// func
func (e *Engine) AddDegradationListener(fn degradation.Listener) func() {
	return e.degradation.AddListener(fn)
}

// optimizeOnce runs one annealing step against current health snapshots
func (e *Engine) optimizeOnce() {
	samples := e.samples()
	accepted := e.optimizer.Optimize(samples)

	state := e.optimizer.State()
	e.logger.Debug("Optimization step",
		"accepted", accepted,
		"temperature", state.Temperature,
		"best_energy", state.BestEnergy,
		"convergence", state.Convergence,
	)
}

func (e *Engine) samples() []annealing.ServiceSample {
	snapshots := e.monitor.Snapshots()
	configs := e.monitor.Configs()

	samples := make([]annealing.ServiceSample, 0, len(snapshots))
	for id, h := range snapshots {
		samples = append(samples, annealing.ServiceSample{
			ServiceID:        id,
			Criticality:      configs[id].Criticality,
			ErrorRate:        h.ErrorRate,
			AverageLatency:   h.AverageLatency,
			DegradationLevel: h.DegradationLevel,
			Availability:     h.Availability,
			TotalRequests:    h.TotalRequests,
		})
	}
	return samples
}

// collect runs on the metrics tick: it recomputes the aggregate snapshot,
// feeds the health score into the degradation manager, appends the snapshot
// to history, and updates the gauges
func (e *Engine) collect() SystemMetrics {
	sm := e.aggregate()
	sm.DegradationLevel = e.degradation.UpdateLevel(sm.HealthScore)
	e.pruneStatusChanges(sm.Timestamp.Add(-time.Hour))

	e.mutex.Lock()
	e.history = append(e.history, sm)
	if len(e.history) > e.config.MetricsHistoryCap {
		e.history = append([]SystemMetrics(nil), e.history[len(e.history)-e.config.MetricsHistoryCap:]...)
	}
	e.mutex.Unlock()

	e.metrics.UpdateOpenCircuits(sm.OpenCircuits)
	e.metrics.UpdateSystemStability(sm.Stability)

	return sm
}

// aggregate computes one SystemMetrics snapshot without side effects
func (e *Engine) aggregate() SystemMetrics {
	now := e.scheduler.Clock().Now()
	snapshots := e.monitor.Snapshots()
	configs := e.monitor.Configs()

	sm := SystemMetrics{
		Timestamp:     now,
		TotalServices: len(snapshots),
		OpenCircuits:  e.monitor.OpenCircuitCount(),
		Convergence:   e.optimizer.State().Convergence,
	}

	var latencyTotal time.Duration
	var errorTotal, availabilityTotal float64
	var scoreTotal, scoreWeight float64

	for id, h := range snapshots {
		switch h.Status {
		case health.StatusHealthy:
			sm.HealthyCount++
		case health.StatusDegraded:
			sm.DegradedCount++
		case health.StatusUnhealthy:
			sm.UnhealthyCount++
		case health.StatusRecovering:
			sm.RecoveringCount++
		default:
			sm.UnknownCount++
		}

		latencyTotal += h.AverageLatency
		errorTotal += h.ErrorRate
		availabilityTotal += h.Availability

		// Critical services dominate the aggregate health score
		weight := float64(6 - configs[id].Criticality)
		scoreTotal += serviceScore(h) * weight
		scoreWeight += weight
	}

	if len(snapshots) > 0 {
		n := len(snapshots)
		sm.AverageLatency = latencyTotal / time.Duration(n)
		sm.AverageErrorRate = errorTotal / float64(n)
		sm.AverageAvailability = availabilityTotal / float64(n)
	} else {
		sm.AverageAvailability = 100
	}

	if scoreWeight > 0 {
		sm.HealthScore = scoreTotal / scoreWeight
	} else {
		sm.HealthScore = 100
	}

	hourAgo := now.Add(-time.Hour)
	sm.RecoveriesSucceeded, sm.RecoveriesFailed = e.recovery.CountsSince(hourAgo)

	churn := e.statusChangesSince(hourAgo)
	sm.Stability = clampScore(100 -
		churnPenalty*float64(churn) -
		failedRecoveryPenalty*float64(sm.RecoveriesFailed))

	sm.DegradationLevel = e.degradation.CurrentLevel()

	return sm
}

// statusChangesSince counts churn entries at or after the cutoff
func (e *Engine) statusChangesSince(cutoff time.Time) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	count := 0
	for _, t := range e.statusChanges {
		if !t.Before(cutoff) {
			count++
		}
	}
	return count
}

// pruneStatusChanges drops churn entries older than the cutoff
func (e *Engine) pruneStatusChanges(cutoff time.Time) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	kept := e.statusChanges[:0]
	for _, t := range e.statusChanges {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.statusChanges = kept
}

// serviceScore maps one service's health to a 0-100 contribution
func serviceScore(h *health.ServiceHealth) float64 {
	var base float64
	switch h.Status {
	case health.StatusHealthy:
		base = 100
	case health.StatusUnknown:
		base = 80
	case health.StatusDegraded:
		base = 60
	case health.StatusRecovering:
		base = 40
	case health.StatusUnhealthy:
		base = 0
	}

	return clampScore(base - float64(h.DegradationLevel)/2)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
