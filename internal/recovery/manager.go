package recovery

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/selfheal/internal/health"
	"github.com/sentinelops/selfheal/internal/storage"
	"github.com/sentinelops/selfheal/pkg/clock"
	"github.com/sentinelops/selfheal/pkg/errors"
	"github.com/sentinelops/selfheal/pkg/logging"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

// Config holds recovery manager configuration
type Config struct {
	// SettleDelay is how long a restart waits before re-probing
	SettleDelay time.Duration
	// MaxRetryDelay caps the exponential backoff between retry rounds
	MaxRetryDelay time.Duration
	// JitterFactor randomizes each backoff delay by ±factor
	JitterFactor float64
	// HistoryCap bounds the attempt history
	HistoryCap int
}

// DefaultConfig returns default recovery configuration
func DefaultConfig() *Config {
	return &Config{
		SettleDelay:   2 * time.Second,
		MaxRetryDelay: 30 * time.Second,
		JitterFactor:  0.1,
		HistoryCap:    1000,
	}
}

// Manager selects and executes recovery strategies per service. At most one
// recovery runs per service at a time; a second concurrent call returns
// immediately without starting work.
type Manager struct {
	monitor   *health.Monitor
	cache     *storage.Cache
	scheduler *clock.Scheduler
	logger    *logging.Logger
	metrics   *metrics.Metrics
	config    *Config

	randMu sync.Mutex
	rand   *rand.Rand

	mutex      sync.Mutex
	strategies map[string][]Strategy
	cooldowns  map[string]time.Time
	execCounts map[string]int
	active     map[string]struct{}
	history    []Attempt
}

// NewManager creates a recovery manager. cache may be nil when no cache
// backend is configured; clear-cache actions then succeed as no-ops. rnd may
// be nil, in which case a time-seeded source is used.
func NewManager(monitor *health.Monitor, cache *storage.Cache, scheduler *clock.Scheduler, rnd *rand.Rand, m *metrics.Metrics, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Manager{
		monitor:    monitor,
		cache:      cache,
		scheduler:  scheduler,
		logger:     logging.GetLogger(),
		metrics:    m,
		config:     config,
		rand:       rnd,
		strategies: make(map[string][]Strategy),
		cooldowns:  make(map[string]time.Time),
		execCounts: make(map[string]int),
		active:     make(map[string]struct{}),
	}
}

// SetStrategies replaces the strategy list for a service, ordered by
// ascending priority. Execution counts reset: a strategy with MaxAttempts > 0
// gets a fresh budget under the new configuration.
func (m *Manager) SetStrategies(serviceID string, strategies []Strategy) {
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	m.mutex.Lock()
	m.strategies[serviceID] = sorted
	m.resetExecCountsLocked(serviceID)
	m.mutex.Unlock()
}

// Strategies returns a copy of the service's strategy list
func (m *Manager) Strategies(serviceID string) []Strategy {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Strategy(nil), m.strategies[serviceID]...)
}

// RemoveStrategies drops all strategies and execution counts for a service
func (m *Manager) RemoveStrategies(serviceID string) {
	m.mutex.Lock()
	delete(m.strategies, serviceID)
	m.resetExecCountsLocked(serviceID)
	m.mutex.Unlock()
}

func (m *Manager) resetExecCountsLocked(serviceID string) {
	prefix := serviceID + "|"
	for key := range m.execCounts {
		if strings.HasPrefix(key, prefix) {
			delete(m.execCounts, key)
		}
	}
}

// IsActive reports whether a recovery is currently running for the service
func (m *Manager) IsActive(serviceID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, busy := m.active[serviceID]
	return busy
}

// AttemptRecovery evaluates the service's strategies in priority order and
// executes eligible ones until one succeeds. When every strategy is
// exhausted the descriptor's fallback-service list is tried as a last
// resort. Returns false without error for unknown services or when a
// recovery is already in flight.
func (m *Manager) AttemptRecovery(ctx context.Context, serviceID string) bool {
	snapshot, err := m.monitor.Snapshot(serviceID)
	if err != nil {
		m.logger.Warn("Recovery requested for unknown service", "service_id", serviceID)
		return false
	}

	m.mutex.Lock()
	if _, busy := m.active[serviceID]; busy {
		m.mutex.Unlock()
		m.logger.Debug("Recovery already in progress", "service_id", serviceID)
		return false
	}
	m.active[serviceID] = struct{}{}
	strategies := append([]Strategy(nil), m.strategies[serviceID]...)
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		delete(m.active, serviceID)
		m.mutex.Unlock()
	}()

	cfg, err := m.monitor.Config(serviceID)
	if err != nil {
		return false
	}

	recoveryID := uuid.New().String()
	if err := m.monitor.SetRecovering(serviceID, recoveryID); err != nil {
		return false
	}
	defer m.monitor.ClearRecovering(serviceID)

	now := m.scheduler.Clock().Now()
	for _, strategy := range strategies {
		if !m.eligible(serviceID, strategy, snapshot, now) {
			continue
		}

		attempt := m.execute(ctx, serviceID, cfg, strategy)
		if attempt.Success {
			return true
		}

		// Refresh the snapshot so later conditions see the failed action's
		// effect on health
		snapshot, err = m.monitor.Snapshot(serviceID)
		if err != nil {
			return false
		}
		now = m.scheduler.Clock().Now()
	}

	if len(cfg.FallbackServices) > 0 {
		attempt := m.execute(ctx, serviceID, cfg, Strategy{Action: ActionFallback})
		return attempt.Success
	}

	return false
}

// eligible reports whether a strategy may run now: its execution budget is
// not exhausted, its action is out of cooldown, and all conditions hold
// against the health snapshot
func (m *Manager) eligible(serviceID string, strategy Strategy, snapshot *health.ServiceHealth, now time.Time) bool {
	key := cooldownKey(serviceID, strategy.Action)

	m.mutex.Lock()
	last, seen := m.cooldowns[key]
	executed := m.execCounts[key]
	m.mutex.Unlock()

	if strategy.MaxAttempts > 0 && executed >= strategy.MaxAttempts {
		return false
	}
	if strategy.Cooldown > 0 && seen && now.Sub(last) < strategy.Cooldown {
		return false
	}

	for _, condition := range strategy.Conditions {
		if !condition.holds(snapshot, now) {
			return false
		}
	}
	return true
}

// execute runs one strategy's action, records the cooldown timestamp
// regardless of outcome, and appends the attempt to history
func (m *Manager) execute(ctx context.Context, serviceID string, cfg health.ServiceConfig, strategy Strategy) *Attempt {
	clk := m.scheduler.Clock()
	started := clk.Now()
	key := cooldownKey(serviceID, strategy.Action)

	m.mutex.Lock()
	m.cooldowns[key] = started
	m.execCounts[key]++
	number := m.execCounts[key]
	m.mutex.Unlock()

	attempt := &Attempt{
		ID:            uuid.New().String(),
		ServiceID:     serviceID,
		Action:        strategy.Action,
		AttemptNumber: number,
		MaxAttempts:   strategy.MaxAttempts,
		StartedAt:     started,
	}

	err := m.runAction(ctx, serviceID, cfg, strategy, attempt)

	attempt.CompletedAt = clk.Now()
	attempt.Duration = attempt.CompletedAt.Sub(started)
	attempt.Success = err == nil
	if err != nil {
		attempt.Error = err.Error()
	}

	m.mutex.Lock()
	m.history = append(m.history, *attempt)
	if len(m.history) > m.config.HistoryCap {
		m.history = append([]Attempt(nil), m.history[len(m.history)-m.config.HistoryCap:]...)
	}
	m.mutex.Unlock()

	outcome := "success"
	if !attempt.Success {
		outcome = "failure"
	}
	m.metrics.RecordRecoveryAttempt(serviceID, string(strategy.Action), outcome, attempt.Duration)
	m.logger.LogRecoveryEvent("recovery_attempt", serviceID, string(strategy.Action), attempt.Success, nil)

	return attempt
}

func (m *Manager) runAction(ctx context.Context, serviceID string, cfg health.ServiceConfig, strategy Strategy, attempt *Attempt) error {
	switch strategy.Action {
	case ActionRetry:
		return m.retry(ctx, serviceID, cfg)
	case ActionClearCache:
		return m.clearCache(ctx, serviceID)
	case ActionSwitchProvider, ActionFallback:
		return m.switchToFallback(serviceID, cfg, attempt)
	case ActionRestart:
		return m.restart(ctx, serviceID)
	case ActionResetState:
		return m.monitor.ResetState(serviceID)
	default:
		return errors.NewRecoveryError(serviceID, string(strategy.Action), "unknown recovery action")
	}
}

// retry re-probes the service with exponential backoff between rounds,
// succeeding as soon as a check reports healthy
func (m *Manager) retry(ctx context.Context, serviceID string, cfg health.ServiceConfig) error {
	for i := 0; i < cfg.RetryAttempts; i++ {
		if i > 0 {
			if err := m.sleep(ctx, m.backoff(cfg.RetryDelay, i-1)); err != nil {
				return err
			}
		}

		snapshot, err := m.monitor.PerformHealthCheck(ctx, serviceID)
		if err != nil {
			return err
		}
		if snapshot.Status == health.StatusHealthy {
			return nil
		}
	}

	return errors.NewRecoveryError(serviceID, string(ActionRetry), "service did not recover within retry budget")
}

func (m *Manager) clearCache(ctx context.Context, serviceID string) error {
	if m.cache == nil {
		return nil
	}

	cleared, err := m.cache.ClearNamespace(ctx, serviceID)
	if err != nil {
		return err
	}

	m.logger.Debug("Cleared cache namespace",
		"service_id", serviceID,
		"keys_cleared", cleared,
	)
	return nil
}

// switchToFallback walks the descriptor's fallback list in order and
// succeeds on the first fallback that is currently healthy
func (m *Manager) switchToFallback(serviceID string, cfg health.ServiceConfig, attempt *Attempt) error {
	for _, fallbackID := range cfg.FallbackServices {
		snapshot, err := m.monitor.Snapshot(fallbackID)
		if err != nil {
			continue
		}
		if snapshot.Status == health.StatusHealthy {
			attempt.FallbackService = fallbackID
			m.logger.Info("Switched to fallback service",
				"service_id", serviceID,
				"fallback_id", fallbackID,
			)
			return nil
		}
	}

	return errors.NewRecoveryError(serviceID, string(attempt.Action), "no healthy fallback service available")
}

// restart clears local failure counters, waits for the settle delay, then
// re-probes; it succeeds only if the re-probe reports healthy
func (m *Manager) restart(ctx context.Context, serviceID string) error {
	if err := m.monitor.ResetFailureCounters(serviceID); err != nil {
		return err
	}

	if err := m.sleep(ctx, m.config.SettleDelay); err != nil {
		return err
	}

	snapshot, err := m.monitor.PerformHealthCheck(ctx, serviceID)
	if err != nil {
		return err
	}
	if snapshot.Status != health.StatusHealthy {
		return errors.NewRecoveryError(serviceID, string(ActionRestart), "service not healthy after restart")
	}
	return nil
}

// backoff returns min(base·2^round, max) randomized by ±JitterFactor
func (m *Manager) backoff(base time.Duration, round int) time.Duration {
	delay := base << uint(round)
	if delay > m.config.MaxRetryDelay || delay <= 0 {
		delay = m.config.MaxRetryDelay
	}

	m.randMu.Lock()
	jitter := 1 + (m.rand.Float64()*2-1)*m.config.JitterFactor
	m.randMu.Unlock()

	return time.Duration(float64(delay) * jitter)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := m.scheduler.Clock().NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// History returns up to limit most recent attempts (all when limit <= 0)
func (m *Manager) History(limit int) []Attempt {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	return append([]Attempt(nil), m.history[n-limit:]...)
}

// CountsSince returns success and failure counts for attempts completed at
// or after the given time
func (m *Manager) CountsSince(t time.Time) (succeeded, failed int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, attempt := range m.history {
		if attempt.CompletedAt.Before(t) {
			continue
		}
		if attempt.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

func cooldownKey(serviceID string, action Action) string {
	return serviceID + "|" + string(action)
}
