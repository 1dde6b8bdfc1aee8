package health

import (
	"time"
)

// Status represents the health status of a monitored service
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusUnhealthy  Status = "unhealthy"
	StatusRecovering Status = "recovering"
)

// StatusRank maps a status to the numeric value exported on the
// service_status gauge.
func StatusRank(s Status) int {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	case StatusRecovering:
		return 4
	default:
		return 0
	}
}

// CircuitState represents the state of a service's circuit breaker
type CircuitState int

const (
	// CircuitClosed - requests are allowed
	CircuitClosed CircuitState = iota
	// CircuitOpen - the service is considered down
	CircuitOpen
	// CircuitHalfOpen - a limited probe budget tests recovery
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ServiceConfig is the immutable descriptor of a monitored service
type ServiceConfig struct {
	// ID uniquely identifies the service
	ID string `json:"id"`
	// Criticality ranks importance, 1 (most critical) to 5
	Criticality int `json:"criticality"`
	// CheckInterval is how often the scheduled probe runs
	CheckInterval time.Duration `json:"check_interval"`
	// Timeout bounds a single probe
	Timeout time.Duration `json:"timeout"`
	// RetryAttempts and RetryDelay drive the retry recovery action
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int `json:"failure_threshold"`
	// SuccessThreshold consecutive successes while half-open close it
	SuccessThreshold int `json:"success_threshold"`
	// CircuitTimeout is how long the circuit stays open before half-open
	CircuitTimeout time.Duration `json:"circuit_timeout"`
	// HalfOpenMax caps the number of probes allowed while half-open
	HalfOpenMax int `json:"half_open_max"`
	// FallbackServices are tried in order when recovery strategies fail
	FallbackServices []string `json:"fallback_services"`
	// Probe performs the actual health check; nil means assume healthy
	Probe Probe `json:"-"`
}

// latencyHistoryCap bounds the rolling latency ring per service
const latencyHistoryCap = 100

// ServiceHealth is the mutable health record of a service. It is owned
// exclusively by the Monitor; other components only ever see copies.
type ServiceHealth struct {
	ServiceID            string          `json:"service_id"`
	Status               Status          `json:"status"`
	CircuitState         CircuitState    `json:"circuit_state"`
	ConsecutiveSuccesses int             `json:"consecutive_successes"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	TotalRequests        int64           `json:"total_requests"`
	TotalFailures        int64           `json:"total_failures"`
	ErrorRate            float64         `json:"error_rate"`
	LatencyHistory       []time.Duration `json:"latency_history"`
	AverageLatency       time.Duration   `json:"average_latency"`
	// DegradationLevel is the service-local 0-100 score, distinct from the
	// global degradation level
	DegradationLevel int       `json:"degradation_level"`
	RegisteredAt     time.Time `json:"registered_at"`
	LastCheck        time.Time `json:"last_check"`
	LastSuccess      time.Time `json:"last_success"`
	LastFailure      time.Time `json:"last_failure"`
	// DowntimeTotal accumulates open-to-close circuit durations
	DowntimeTotal time.Duration `json:"downtime_total"`
	// Availability is the percentage of time the circuit has not been open
	Availability float64 `json:"availability"`
	// ActiveRecoveryID references the in-flight recovery attempt, if any
	ActiveRecoveryID string `json:"active_recovery_id,omitempty"`
}

// EventType classifies health events
type EventType string

const (
	EventHealthChange  EventType = "health_change"
	EventCircuitChange EventType = "circuit_change"
	EventAlert         EventType = "alert"
)

// EventSeverity ranks the urgency of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is an immutable record of a status or circuit transition
type Event struct {
	ID        string                 `json:"id"`
	ServiceID string                 `json:"service_id"`
	Type      EventType              `json:"type"`
	Severity  EventSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Listener receives events synchronously. A panicking listener is isolated
// and never blocks delivery to the remaining listeners.
type Listener func(Event)
