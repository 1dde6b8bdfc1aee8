package recovery

import (
	"math"
	"time"

	"github.com/sentinelops/selfheal/internal/health"
)

// Action identifies a recovery action kind
type Action string

const (
	ActionRetry          Action = "retry"
	ActionClearCache     Action = "clear_cache"
	ActionSwitchProvider Action = "switch_provider"
	ActionRestart        Action = "restart"
	ActionResetState     Action = "reset_state"
	ActionFallback       Action = "fallback"
)

// Metric identifies a ServiceHealth metric a condition evaluates against
type Metric string

const (
	MetricErrorRate           Metric = "error_rate"
	MetricLatency             Metric = "latency"
	MetricConsecutiveFailures Metric = "consecutive_failures"
	MetricTimeSinceSuccess    Metric = "time_since_success"
)

// Operator compares a metric value against a condition threshold
type Operator string

const (
	OperatorGreaterThan  Operator = ">"
	OperatorLessThan     Operator = "<"
	OperatorGreaterEqual Operator = ">="
	OperatorLessEqual    Operator = "<="
	OperatorEqual        Operator = "=="
)

// Condition gates a strategy on a current health metric. All of a strategy's
// conditions must hold for it to be eligible.
type Condition struct {
	Metric    Metric   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

// holds evaluates the condition against a health snapshot. Latency is
// compared in milliseconds, time-since-success in seconds; a service that
// never succeeded reports +inf.
func (c Condition) holds(h *health.ServiceHealth, now time.Time) bool {
	var value float64

	switch c.Metric {
	case MetricErrorRate:
		value = h.ErrorRate
	case MetricLatency:
		value = float64(h.AverageLatency.Milliseconds())
	case MetricConsecutiveFailures:
		value = float64(h.ConsecutiveFailures)
	case MetricTimeSinceSuccess:
		if h.LastSuccess.IsZero() {
			value = math.Inf(1)
		} else {
			value = now.Sub(h.LastSuccess).Seconds()
		}
	default:
		return false
	}

	switch c.Operator {
	case OperatorGreaterThan:
		return value > c.Threshold
	case OperatorLessThan:
		return value < c.Threshold
	case OperatorGreaterEqual:
		return value >= c.Threshold
	case OperatorLessEqual:
		return value <= c.Threshold
	case OperatorEqual:
		return value == c.Threshold
	default:
		return false
	}
}

// Strategy describes one recovery approach for a service. Lower priority
// values are tried first. MaxAttempts caps how many times the strategy may
// execute for its service (0 means unlimited); the budget resets when the
// service's strategies are replaced.
type Strategy struct {
	Action      Action        `json:"action"`
	Priority    int           `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
	Cooldown    time.Duration `json:"cooldown"`
	Conditions  []Condition   `json:"conditions,omitempty"`
}

// Attempt records one executed recovery action. It is immutable once
// completed and kept in a bounded history.
type Attempt struct {
	ID              string        `json:"id"`
	ServiceID       string        `json:"service_id"`
	Action          Action        `json:"action"`
	AttemptNumber   int           `json:"attempt_number"`
	MaxAttempts     int           `json:"max_attempts"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	FallbackService string        `json:"fallback_service,omitempty"`
}
