package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/selfheal/pkg/clock"
	"github.com/sentinelops/selfheal/pkg/errors"
	"github.com/sentinelops/selfheal/pkg/logging"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

// Config holds monitor configuration
type Config struct {
	// EventLogCap bounds the in-memory event log; the log is trimmed by
	// half when the cap is exceeded
	EventLogCap int
	// LatencyDegradedThreshold is the average latency above which a
	// worsening trend marks the service degraded
	LatencyDegradedThreshold time.Duration
	// DefaultCheckInterval and DefaultProbeTimeout apply to descriptors
	// registered without explicit values
	DefaultCheckInterval time.Duration
	DefaultProbeTimeout  time.Duration
}

// DefaultConfig returns default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		EventLogCap:              10000,
		LatencyDegradedThreshold: 5 * time.Second,
		DefaultCheckInterval:     30 * time.Second,
		DefaultProbeTimeout:      5 * time.Second,
	}
}

type serviceEntry struct {
	config ServiceConfig
	health *ServiceHealth

	circuitOpenedAt time.Time
	halfOpenProbes  int
	prevStatus      Status
}

// Monitor tracks per-service health, runs probes, and drives the circuit
// breaker state machine. It exclusively owns every ServiceHealth record;
// readers only ever receive copies.
type Monitor struct {
	scheduler *clock.Scheduler
	logger    *logging.Logger
	metrics   *metrics.Metrics
	config    *Config

	mutex          sync.RWMutex
	services       map[string]*serviceEntry
	listeners      map[int]Listener
	nextListenerID int
	events         []Event
}

// NewMonitor creates a new health monitor
func NewMonitor(scheduler *clock.Scheduler, m *metrics.Metrics, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultCheckInterval <= 0 {
		config.DefaultCheckInterval = 30 * time.Second
	}
	if config.DefaultProbeTimeout <= 0 {
		config.DefaultProbeTimeout = 5 * time.Second
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	return &Monitor{
		scheduler: scheduler,
		logger:    logging.GetLogger(),
		metrics:   m,
		config:    config,
		services:  make(map[string]*serviceEntry),
		listeners: make(map[int]Listener),
	}
}

// RegisterService stores the descriptor and a fresh health record. It is
// idempotent by id: re-registering overwrites the previous descriptor and
// cancels its scheduled work.
func (m *Monitor) RegisterService(cfg ServiceConfig) error {
	if cfg.ID == "" {
		return errors.NewValidationError("service id is required")
	}

	m.applyDefaults(&cfg)

	m.mutex.Lock()
	if _, exists := m.services[cfg.ID]; exists {
		m.scheduler.Cancel(probeTask(cfg.ID))
		m.scheduler.Cancel(halfOpenTask(cfg.ID))
	}

	now := m.scheduler.Clock().Now()
	m.services[cfg.ID] = &serviceEntry{
		config: cfg,
		health: &ServiceHealth{
			ServiceID:    cfg.ID,
			Status:       StatusUnknown,
			CircuitState: CircuitClosed,
			RegisteredAt: now,
			Availability: 100,
		},
	}
	m.mutex.Unlock()

	m.logger.Info("Service registered",
		"service_id", cfg.ID,
		"criticality", cfg.Criticality,
		"check_interval", cfg.CheckInterval,
	)

	return nil
}

// UnregisterService cancels the service's scheduled probe and any pending
// circuit transition, then removes all state.
func (m *Monitor) UnregisterService(id string) error {
	m.mutex.Lock()
	_, exists := m.services[id]
	if !exists {
		m.mutex.Unlock()
		return errors.NewServiceNotRegisteredError(id)
	}
	delete(m.services, id)
	m.mutex.Unlock()

	m.scheduler.Cancel(probeTask(id))
	m.scheduler.Cancel(halfOpenTask(id))

	m.logger.Info("Service unregistered", "service_id", id)
	return nil
}

// PerformHealthCheck probes the service once and records the result. The
// service's configured timeout bounds the probe.
func (m *Monitor) PerformHealthCheck(ctx context.Context, id string) (*ServiceHealth, error) {
	m.mutex.RLock()
	entry, exists := m.services[id]
	if !exists {
		m.mutex.RUnlock()
		return nil, errors.NewServiceNotRegisteredError(id)
	}
	probe := entry.config.Probe
	timeout := entry.config.Timeout
	budgetExhausted := entry.health.CircuitState == CircuitHalfOpen &&
		entry.halfOpenProbes >= entry.config.HalfOpenMax
	m.mutex.RUnlock()

	if budgetExhausted {
		m.logger.Debug("Half-open probe budget exhausted, skipping probe",
			"service_id", id,
		)
		return m.Snapshot(id)
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clk := m.scheduler.Clock()
	start := clk.Now()
	err := probe.Check(probeCtx)
	latency := clk.Since(start)

	if err != nil {
		m.metrics.RecordProbe(id, "failure", latency)
		if recordErr := m.RecordFailure(id, err); recordErr != nil {
			return nil, recordErr
		}
	} else {
		m.metrics.RecordProbe(id, "success", latency)
		if recordErr := m.RecordSuccess(id, latency); recordErr != nil {
			return nil, recordErr
		}
	}

	return m.Snapshot(id)
}

// RecordSuccess records a successful check with its observed latency
func (m *Monitor) RecordSuccess(id string, latency time.Duration) error {
	m.mutex.Lock()
	entry, exists := m.services[id]
	if !exists {
		m.mutex.Unlock()
		return errors.NewServiceNotRegisteredError(id)
	}

	now := m.scheduler.Clock().Now()
	h := entry.health

	h.TotalRequests++
	h.ConsecutiveSuccesses++
	h.ConsecutiveFailures = 0
	h.LastCheck = now
	h.LastSuccess = now
	h.ErrorRate = errorRate(h)

	appendLatency(h, latency)
	if h.CircuitState == CircuitHalfOpen {
		entry.halfOpenProbes++
	}

	oldStatus := h.Status
	recent, previous, ok := latencyWindows(h.LatencyHistory)
	if ok && recent > previous && recent > m.config.LatencyDegradedThreshold {
		h.Status = StatusDegraded
		h.DegradationLevel = min(h.DegradationLevel+10, 50)
	} else {
		h.Status = StatusHealthy
		h.DegradationLevel = max(h.DegradationLevel-5, 0)
	}

	var pending []Event

	if h.CircuitState == CircuitHalfOpen && h.ConsecutiveSuccesses >= entry.config.SuccessThreshold {
		pending = append(pending, m.setCircuitLocked(entry, CircuitClosed, now))
	}

	if h.Status != oldStatus {
		pending = append(pending, m.newEventLocked(id, EventHealthChange, SeverityInfo,
			fmt.Sprintf("service %s is %s", id, h.Status),
			map[string]interface{}{
				"status":          string(h.Status),
				"previous_status": string(oldStatus),
				"latency_ms":      latency.Milliseconds(),
			}))
	}

	m.metrics.UpdateServiceStatus(id, StatusRank(h.Status))
	m.mutex.Unlock()

	m.publish(pending)
	return nil
}

// RecordFailure records a failed check
func (m *Monitor) RecordFailure(id string, checkErr error) error {
	m.mutex.Lock()
	entry, exists := m.services[id]
	if !exists {
		m.mutex.Unlock()
		return errors.NewServiceNotRegisteredError(id)
	}

	now := m.scheduler.Clock().Now()
	h := entry.health

	h.TotalRequests++
	h.TotalFailures++
	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.LastCheck = now
	h.LastFailure = now
	h.DegradationLevel = min(h.DegradationLevel+20, 100)
	h.ErrorRate = errorRate(h)

	if h.CircuitState == CircuitHalfOpen {
		entry.halfOpenProbes++
	}

	oldStatus := h.Status
	var pending []Event

	if h.ConsecutiveFailures >= entry.config.FailureThreshold {
		h.Status = StatusUnhealthy
		if h.CircuitState != CircuitOpen {
			pending = append(pending, m.setCircuitLocked(entry, CircuitOpen, now))
		}
	} else if h.ConsecutiveFailures >= 2 {
		h.Status = StatusDegraded
	}

	if h.Status != oldStatus {
		severity := SeverityError
		if h.Status == StatusUnhealthy {
			severity = SeverityCritical
		}
		msg := ""
		if checkErr != nil {
			msg = checkErr.Error()
		}
		pending = append(pending, m.newEventLocked(id, EventHealthChange, severity,
			fmt.Sprintf("service %s is %s", id, h.Status),
			map[string]interface{}{
				"status":               string(h.Status),
				"previous_status":      string(oldStatus),
				"consecutive_failures": h.ConsecutiveFailures,
				"error":                msg,
			}))
	}

	m.metrics.UpdateServiceStatus(id, StatusRank(h.Status))
	m.mutex.Unlock()

	m.publish(pending)
	return nil
}

// setCircuitLocked transitions the circuit state, handles downtime
// accounting, and schedules or cancels the deferred half-open transition.
// Callers hold the write lock; the returned event must be published after
// unlock.
func (m *Monitor) setCircuitLocked(entry *serviceEntry, state CircuitState, now time.Time) Event {
	h := entry.health
	from := h.CircuitState
	h.CircuitState = state

	switch state {
	case CircuitOpen:
		entry.circuitOpenedAt = now
		entry.halfOpenProbes = 0
		id := h.ServiceID
		m.scheduler.After(halfOpenTask(id), entry.config.CircuitTimeout, func() {
			m.transitionToHalfOpen(id)
		})
	case CircuitHalfOpen:
		entry.halfOpenProbes = 0
		h.ConsecutiveSuccesses = 0
	case CircuitClosed:
		if from != CircuitClosed && !entry.circuitOpenedAt.IsZero() {
			h.DowntimeTotal += now.Sub(entry.circuitOpenedAt)
			entry.circuitOpenedAt = time.Time{}
		}
		m.scheduler.Cancel(halfOpenTask(h.ServiceID))
	}

	m.metrics.RecordCircuitTransition(h.ServiceID, from.String(), state.String())
	m.logger.LogCircuitEvent(h.ServiceID, from.String(), state.String(), nil)

	severity := SeverityInfo
	if state == CircuitOpen {
		severity = SeverityCritical
	}

	return m.newEventLocked(h.ServiceID, EventCircuitChange, severity,
		fmt.Sprintf("circuit for %s moved from %s to %s", h.ServiceID, from, state),
		map[string]interface{}{
			"from": from.String(),
			"to":   state.String(),
		})
}

// transitionToHalfOpen is the deferred open-to-half-open transition. It
// fires relative to when the circuit opened, regardless of later activity.
func (m *Monitor) transitionToHalfOpen(id string) {
	m.mutex.Lock()
	entry, exists := m.services[id]
	if !exists || entry.health.CircuitState != CircuitOpen {
		m.mutex.Unlock()
		return
	}

	now := m.scheduler.Clock().Now()
	event := m.setCircuitLocked(entry, CircuitHalfOpen, now)
	m.mutex.Unlock()

	m.publish([]Event{event})
}

// ResetState clears counters, latency history and error rate, and
// force-closes the circuit. Used by the reset-state recovery action.
func (m *Monitor) ResetState(id string) error {
	m.mutex.Lock()
	entry, exists := m.services[id]
	if !exists {
		m.mutex.Unlock()
		return errors.NewServiceNotRegisteredError(id)
	}

	h := entry.health
	h.ConsecutiveSuccesses = 0
	h.ConsecutiveFailures = 0
	h.TotalRequests = 0
	h.TotalFailures = 0
	h.ErrorRate = 0
	h.LatencyHistory = nil
	h.AverageLatency = 0
	h.DegradationLevel = 0

	var pending []Event
	if h.CircuitState != CircuitClosed {
		now := m.scheduler.Clock().Now()
		pending = append(pending, m.setCircuitLocked(entry, CircuitClosed, now))
	}
	m.mutex.Unlock()

	m.publish(pending)
	return nil
}

// ResetFailureCounters clears consecutive-failure and local degradation
// counters. Used by the restart recovery action before re-probing.
func (m *Monitor) ResetFailureCounters(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.services[id]
	if !exists {
		return errors.NewServiceNotRegisteredError(id)
	}

	entry.health.ConsecutiveFailures = 0
	entry.health.DegradationLevel = 0
	return nil
}

// SetRecovering marks a service as having an active recovery attempt
func (m *Monitor) SetRecovering(id, attemptID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.services[id]
	if !exists {
		return errors.NewServiceNotRegisteredError(id)
	}

	entry.prevStatus = entry.health.Status
	entry.health.Status = StatusRecovering
	entry.health.ActiveRecoveryID = attemptID
	m.metrics.UpdateServiceStatus(id, StatusRank(StatusRecovering))
	return nil
}

// ClearRecovering removes the active recovery marker. The previous status is
// restored only if no check overwrote it during recovery.
func (m *Monitor) ClearRecovering(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.services[id]
	if !exists {
		return
	}

	entry.health.ActiveRecoveryID = ""
	if entry.health.Status == StatusRecovering {
		entry.health.Status = entry.prevStatus
	}
	m.metrics.UpdateServiceStatus(id, StatusRank(entry.health.Status))
}

// StartHealthCheck schedules the recurring probe at the descriptor's
// interval. A circuit left open by a previous stop still owes its deferred
// half-open transition, so it is rescheduled from when the circuit opened.
func (m *Monitor) StartHealthCheck(id string) error {
	m.mutex.RLock()
	entry, exists := m.services[id]
	if !exists {
		m.mutex.RUnlock()
		return errors.NewServiceNotRegisteredError(id)
	}
	interval := entry.config.CheckInterval
	circuitOpen := entry.health.CircuitState == CircuitOpen
	var halfOpenDelay time.Duration
	if circuitOpen {
		deadline := entry.circuitOpenedAt.Add(entry.config.CircuitTimeout)
		halfOpenDelay = deadline.Sub(m.scheduler.Clock().Now())
		if halfOpenDelay < 0 {
			halfOpenDelay = 0
		}
	}
	m.mutex.RUnlock()

	m.scheduler.Every(probeTask(id), interval, func() {
		// Scheduled checks never propagate errors to the scheduler
		if _, err := m.PerformHealthCheck(context.Background(), id); err != nil {
			m.logger.Debug("Scheduled health check failed",
				"service_id", id,
				"error", err.Error(),
			)
		}
	})

	if circuitOpen {
		m.scheduler.After(halfOpenTask(id), halfOpenDelay, func() {
			m.transitionToHalfOpen(id)
		})
	}

	return nil
}

// StopHealthCheck cancels the recurring probe for a service
func (m *Monitor) StopHealthCheck(id string) {
	m.scheduler.Cancel(probeTask(id))
}

// StartAllHealthChecks schedules probes for every registered service
func (m *Monitor) StartAllHealthChecks() {
	for _, id := range m.ServiceIDs() {
		if err := m.StartHealthCheck(id); err != nil {
			m.logger.Warn("Failed to start health check", "service_id", id, "error", err.Error())
		}
	}
}

// StopAllHealthChecks cancels every scheduled probe and every pending
// half-open transition. StartAllHealthChecks reschedules the transition for
// circuits still open.
func (m *Monitor) StopAllHealthChecks() {
	for _, id := range m.ServiceIDs() {
		m.scheduler.Cancel(probeTask(id))
		m.scheduler.Cancel(halfOpenTask(id))
	}
}

// AddListener registers an event listener and returns an unsubscribe func
func (m *Monitor) AddListener(fn Listener) func() {
	m.mutex.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn
	m.mutex.Unlock()

	return func() {
		m.mutex.Lock()
		delete(m.listeners, id)
		m.mutex.Unlock()
	}
}

// Snapshot returns a copy of the service's health record
func (m *Monitor) Snapshot(id string) (*ServiceHealth, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entry, exists := m.services[id]
	if !exists {
		return nil, errors.NewServiceNotRegisteredError(id)
	}

	return m.snapshotLocked(entry), nil
}

// Snapshots returns copies of every service's health record
func (m *Monitor) Snapshots() map[string]*ServiceHealth {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make(map[string]*ServiceHealth, len(m.services))
	for id, entry := range m.services {
		result[id] = m.snapshotLocked(entry)
	}
	return result
}

func (m *Monitor) snapshotLocked(entry *serviceEntry) *ServiceHealth {
	h := *entry.health
	h.LatencyHistory = append([]time.Duration(nil), entry.health.LatencyHistory...)

	// Availability accounts for an in-flight open period as downtime
	now := m.scheduler.Clock().Now()
	downtime := h.DowntimeTotal
	if h.CircuitState == CircuitOpen && !entry.circuitOpenedAt.IsZero() {
		downtime += now.Sub(entry.circuitOpenedAt)
	}
	elapsed := now.Sub(h.RegisteredAt)
	if elapsed > 0 {
		h.Availability = 100 * (1 - float64(downtime)/float64(elapsed))
		if h.Availability < 0 {
			h.Availability = 0
		}
	}

	return &h
}

// Config returns a copy of the service's descriptor
func (m *Monitor) Config(id string) (ServiceConfig, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entry, exists := m.services[id]
	if !exists {
		return ServiceConfig{}, errors.NewServiceNotRegisteredError(id)
	}

	cfg := entry.config
	cfg.FallbackServices = append([]string(nil), cfg.FallbackServices...)
	return cfg, nil
}

// Configs returns copies of every service descriptor
func (m *Monitor) Configs() map[string]ServiceConfig {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make(map[string]ServiceConfig, len(m.services))
	for id, entry := range m.services {
		cfg := entry.config
		cfg.FallbackServices = append([]string(nil), cfg.FallbackServices...)
		result[id] = cfg
	}
	return result
}

// ServiceIDs returns the ids of all registered services
func (m *Monitor) ServiceIDs() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	return ids
}

// IsCircuitOpen reports whether the service's circuit is open. Callers are
// expected to consult this before invoking a service; the monitor itself
// never rejects probes, which are how an open circuit heals.
func (m *Monitor) IsCircuitOpen(id string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entry, exists := m.services[id]
	return exists && entry.health.CircuitState == CircuitOpen
}

// OpenCircuitCount returns the number of services with an open circuit
func (m *Monitor) OpenCircuitCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	count := 0
	for _, entry := range m.services {
		if entry.health.CircuitState == CircuitOpen {
			count++
		}
	}
	return count
}

// Events returns up to limit most recent events (all when limit <= 0)
func (m *Monitor) Events(limit int) []Event {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	return append([]Event(nil), m.events[n-limit:]...)
}

// newEventLocked appends a new event to the bounded log. Callers hold the
// write lock and publish the returned event after unlock.
func (m *Monitor) newEventLocked(serviceID string, eventType EventType, severity EventSeverity, message string, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.New().String(),
		ServiceID: serviceID,
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Timestamp: m.scheduler.Clock().Now(),
		Metadata:  metadata,
	}

	m.events = append(m.events, event)
	if len(m.events) > m.config.EventLogCap {
		half := len(m.events) / 2
		m.events = append([]Event(nil), m.events[half:]...)
	}

	return event
}

// publish delivers events to all listeners synchronously. A panicking
// listener is logged and does not affect delivery to the rest.
func (m *Monitor) publish(events []Event) {
	if len(events) == 0 {
		return
	}

	m.mutex.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mutex.RUnlock()

	for _, event := range events {
		m.logger.LogHealthEvent(string(event.Type), event.ServiceID, event.Message, nil)
		for _, fn := range listeners {
			m.notify(fn, event)
		}
	}
}

func (m *Monitor) notify(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health event listener panicked",
				"event_id", event.ID,
				"service_id", event.ServiceID,
				"panic", r,
			)
		}
	}()

	fn(event)
}

func appendLatency(h *ServiceHealth, latency time.Duration) {
	h.LatencyHistory = append(h.LatencyHistory, latency)
	if len(h.LatencyHistory) > latencyHistoryCap {
		h.LatencyHistory = h.LatencyHistory[len(h.LatencyHistory)-latencyHistoryCap:]
	}

	var total time.Duration
	for _, l := range h.LatencyHistory {
		total += l
	}
	h.AverageLatency = total / time.Duration(len(h.LatencyHistory))
}

// latencyWindows compares the moving average of the last 10 samples against
// the previous 10. ok is false until both windows are full.
func latencyWindows(history []time.Duration) (recent, previous time.Duration, ok bool) {
	const window = 10
	if len(history) < 2*window {
		return 0, 0, false
	}

	n := len(history)
	for _, l := range history[n-window:] {
		recent += l
	}
	for _, l := range history[n-2*window : n-window] {
		previous += l
	}
	return recent / window, previous / window, true
}

func errorRate(h *ServiceHealth) float64 {
	if h.TotalRequests == 0 {
		return 0
	}
	return float64(h.TotalFailures) / float64(h.TotalRequests)
}

func (m *Monitor) applyDefaults(cfg *ServiceConfig) {
	if cfg.Criticality < 1 || cfg.Criticality > 5 {
		cfg.Criticality = 3
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = m.config.DefaultCheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.config.DefaultProbeTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Probe == nil {
		cfg.Probe = StaticProbe{}
	}
}

func probeTask(id string) string {
	return "probe:" + id
}

func halfOpenTask(id string) string {
	return "halfopen:" + id
}
