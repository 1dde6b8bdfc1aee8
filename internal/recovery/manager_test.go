package recovery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/selfheal/internal/health"
	"github.com/sentinelops/selfheal/pkg/clock"
)

func newTestManager(t *testing.T) (*Manager, *health.Monitor) {
	t.Helper()
	sched := clock.NewScheduler(clock.NewRealClock(), nil)
	t.Cleanup(sched.CancelAll)

	monitor := health.NewMonitor(sched, nil, nil)
	config := DefaultConfig()
	config.SettleDelay = 0
	rnd := rand.New(rand.NewSource(42))
	return NewManager(monitor, nil, sched, rnd, nil, config), monitor
}

// blockingProbe blocks Check until released, then returns the configured
// error.
type blockingProbe struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	err     error
}

func newBlockingProbe(err error) *blockingProbe {
	return &blockingProbe{
		started: make(chan struct{}),
		release: make(chan struct{}),
		err:     err,
	}
}

func (p *blockingProbe) Check(ctx context.Context) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return p.err
}

func registerFailing(t *testing.T, monitor *health.Monitor, id string, probe health.Probe) {
	t.Helper()
	cfg := health.ServiceConfig{
		ID:               id,
		FailureThreshold: 3,
		RetryAttempts:    2,
		RetryDelay:       time.Millisecond,
	}
	cfg.Probe = probe
	require.NoError(t, monitor.RegisterService(cfg))
}

func TestManager_AttemptRecovery_UnknownService(t *testing.T) {
	manager, _ := newTestManager(t)

	assert.False(t, manager.AttemptRecovery(context.Background(), "ghost"))
	assert.Empty(t, manager.History(0))
}

func TestManager_AttemptRecovery_ResetState(t *testing.T) {
	manager, monitor := newTestManager(t)
	registerFailing(t, monitor, "payments", nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, monitor.RecordFailure("payments", assert.AnError))
	}
	require.True(t, monitor.IsCircuitOpen("payments"))

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionResetState, Priority: 1},
	})

	assert.True(t, manager.AttemptRecovery(context.Background(), "payments"))
	assert.False(t, monitor.IsCircuitOpen("payments"))

	history := manager.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, ActionResetState, history[0].Action)
	assert.True(t, history[0].Success)
	assert.Equal(t, 1, history[0].AttemptNumber)
}

func TestManager_AttemptRecovery_SingleFlight(t *testing.T) {
	manager, monitor := newTestManager(t)
	probe := newBlockingProbe(nil)
	registerFailing(t, monitor, "payments", probe)

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionRetry, Priority: 1},
	})

	results := make(chan bool, 1)
	go func() {
		results <- manager.AttemptRecovery(context.Background(), "payments")
	}()

	<-probe.started
	require.True(t, manager.IsActive("payments"))

	// Second concurrent call must return immediately without a new attempt
	assert.False(t, manager.AttemptRecovery(context.Background(), "payments"))

	close(probe.release)
	assert.True(t, <-results)
	assert.Len(t, manager.History(0), 1)
}

func TestManager_AttemptRecovery_CooldownSkipsStrategy(t *testing.T) {
	manager, monitor := newTestManager(t)
	registerFailing(t, monitor, "payments", nil)

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionResetState, Priority: 1, Cooldown: time.Hour},
	})

	assert.True(t, manager.AttemptRecovery(context.Background(), "payments"))
	assert.False(t, manager.AttemptRecovery(context.Background(), "payments"),
		"strategy still cooling down and no fallback configured")
	assert.Len(t, manager.History(0), 1)
}

func TestManager_AttemptRecovery_MaxAttemptsBudget(t *testing.T) {
	manager, monitor := newTestManager(t)
	registerFailing(t, monitor, "payments", nil)

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionResetState, Priority: 1, MaxAttempts: 1},
	})

	assert.True(t, manager.AttemptRecovery(context.Background(), "payments"))
	assert.False(t, manager.AttemptRecovery(context.Background(), "payments"),
		"execution budget exhausted and no fallback configured")
	assert.Len(t, manager.History(0), 1)

	// Replacing the strategy list resets the budget
	manager.SetStrategies("payments", []Strategy{
		{Action: ActionResetState, Priority: 1, MaxAttempts: 1},
	})
	assert.True(t, manager.AttemptRecovery(context.Background(), "payments"))

	history := manager.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[1].AttemptNumber)
	assert.Equal(t, 1, history[1].MaxAttempts)
}

func TestManager_AttemptRecovery_PriorityOrderAndChaining(t *testing.T) {
	manager, monitor := newTestManager(t)

	// The restart re-probe fails, so the restart strategy fails and the
	// next-priority reset-state strategy runs within the same call
	registerFailing(t, monitor, "payments", health.ProbeFunc(func(ctx context.Context) error {
		return assert.AnError
	}))

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionResetState, Priority: 5},
		{Action: ActionRestart, Priority: 1},
	})

	assert.True(t, manager.AttemptRecovery(context.Background(), "payments"))

	history := manager.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, ActionRestart, history[0].Action)
	assert.False(t, history[0].Success)
	assert.Equal(t, ActionResetState, history[1].Action)
	assert.True(t, history[1].Success)
}

func TestManager_AttemptRecovery_FallbackLastResort(t *testing.T) {
	manager, monitor := newTestManager(t)

	require.NoError(t, monitor.RegisterService(health.ServiceConfig{ID: "primary-db"}))
	require.NoError(t, monitor.RecordSuccess("primary-db", time.Millisecond))

	cfg := health.ServiceConfig{
		ID:               "replica-db",
		FailureThreshold: 3,
		FallbackServices: []string{"missing-db", "primary-db"},
	}
	require.NoError(t, monitor.RegisterService(cfg))
	for i := 0; i < 3; i++ {
		require.NoError(t, monitor.RecordFailure("replica-db", assert.AnError))
	}

	// No strategies configured: the fallback walk is the last resort
	assert.True(t, manager.AttemptRecovery(context.Background(), "replica-db"))

	history := manager.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, ActionFallback, history[0].Action)
	assert.True(t, history[0].Success)
	assert.Equal(t, "primary-db", history[0].FallbackService)
}

func TestManager_AttemptRecovery_NoHealthyFallback(t *testing.T) {
	manager, monitor := newTestManager(t)

	cfg := health.ServiceConfig{
		ID:               "replica-db",
		FallbackServices: []string{"missing-db"},
	}
	require.NoError(t, monitor.RegisterService(cfg))
	require.NoError(t, monitor.RecordFailure("replica-db", assert.AnError))

	assert.False(t, manager.AttemptRecovery(context.Background(), "replica-db"))

	history := manager.History(0)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Error)
}

func TestManager_AttemptRecovery_RetrySucceeds(t *testing.T) {
	manager, monitor := newTestManager(t)

	// First probe fails, second succeeds
	var calls int
	registerFailing(t, monitor, "payments", health.ProbeFunc(func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	}))

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionRetry, Priority: 1},
	})

	assert.True(t, manager.AttemptRecovery(context.Background(), "payments"))
	assert.Equal(t, 2, calls)

	snapshot, err := monitor.Snapshot("payments")
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, snapshot.Status)
}

func TestManager_AttemptRecovery_ConditionsGateStrategies(t *testing.T) {
	manager, monitor := newTestManager(t)
	registerFailing(t, monitor, "payments", nil)
	require.NoError(t, monitor.RecordFailure("payments", assert.AnError))

	manager.SetStrategies("payments", []Strategy{
		{
			Action:   ActionResetState,
			Priority: 1,
			Conditions: []Condition{
				{Metric: MetricConsecutiveFailures, Operator: OperatorGreaterEqual, Threshold: 10},
			},
		},
	})

	assert.False(t, manager.AttemptRecovery(context.Background(), "payments"),
		"single failure does not satisfy the >= 10 condition")
	assert.Empty(t, manager.History(0))
}

func TestManager_SetStrategies_SortsByPriority(t *testing.T) {
	manager, _ := newTestManager(t)

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionRestart, Priority: 3},
		{Action: ActionRetry, Priority: 1},
		{Action: ActionResetState, Priority: 2},
	})

	got := manager.Strategies("payments")
	require.Len(t, got, 3)
	assert.Equal(t, ActionRetry, got[0].Action)
	assert.Equal(t, ActionResetState, got[1].Action)
	assert.Equal(t, ActionRestart, got[2].Action)

	manager.RemoveStrategies("payments")
	assert.Empty(t, manager.Strategies("payments"))
}

func TestManager_CountsSince(t *testing.T) {
	manager, monitor := newTestManager(t)
	registerFailing(t, monitor, "payments", nil)

	manager.SetStrategies("payments", []Strategy{
		{Action: ActionResetState, Priority: 1},
	})
	require.True(t, manager.AttemptRecovery(context.Background(), "payments"))

	succeeded, failed := manager.CountsSince(time.Time{})
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)

	succeeded, failed = manager.CountsSince(time.Now().Add(time.Hour))
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 0, failed)
}

func TestCondition_Holds(t *testing.T) {
	now := time.Now()
	snapshot := &health.ServiceHealth{
		ErrorRate:           0.5,
		AverageLatency:      2 * time.Second,
		ConsecutiveFailures: 3,
		LastSuccess:         now.Add(-time.Minute),
	}

	tests := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"error rate above", Condition{MetricErrorRate, OperatorGreaterThan, 0.4}, true},
		{"error rate equal", Condition{MetricErrorRate, OperatorEqual, 0.5}, true},
		{"latency ms below", Condition{MetricLatency, OperatorLessThan, 3000}, true},
		{"latency ms above", Condition{MetricLatency, OperatorGreaterEqual, 2500}, false},
		{"consecutive failures", Condition{MetricConsecutiveFailures, OperatorGreaterEqual, 3}, true},
		{"time since success seconds", Condition{MetricTimeSinceSuccess, OperatorGreaterThan, 30}, true},
		{"time since success too recent", Condition{MetricTimeSinceSuccess, OperatorGreaterThan, 120}, false},
		{"unknown metric", Condition{Metric("bogus"), OperatorGreaterThan, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.condition.holds(snapshot, now))
		})
	}
}

func TestCondition_NeverSucceededIsInfinite(t *testing.T) {
	snapshot := &health.ServiceHealth{}
	condition := Condition{MetricTimeSinceSuccess, OperatorGreaterThan, math.MaxFloat64 / 2}
	assert.True(t, condition.holds(snapshot, time.Now()))
}

func TestManager_Backoff(t *testing.T) {
	manager, _ := newTestManager(t)

	for round := 0; round < 10; round++ {
		delay := manager.backoff(100*time.Millisecond, round)
		expected := 100 * time.Millisecond << uint(round)
		if expected > manager.config.MaxRetryDelay {
			expected = manager.config.MaxRetryDelay
		}
		assert.InDelta(t, float64(expected), float64(delay), float64(expected)*manager.config.JitterFactor+1)
	}
}
