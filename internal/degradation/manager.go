// Package degradation maintains graceful-degradation levels and the feature
// gates they disable, driven by an aggregate system health score.
package degradation

import (
	"sort"
	"sync"

	"github.com/sentinelops/selfheal/pkg/logging"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

// DisableAll in a level's feature list disables every feature
const DisableAll = "*"

// Level describes one degradation tier. A level applies when the health
// score is at or below its threshold; higher level numbers mean heavier
// degradation.
type Level struct {
	Level            int      `json:"level"`
	Threshold        float64  `json:"threshold"`
	DisabledFeatures []string `json:"disabled_features"`
	Message          string   `json:"message"`
}

// DefaultLevels returns the standard five-tier table
func DefaultLevels() []Level {
	return []Level{
		{Level: 1, Threshold: 80, Message: "all systems operational"},
		{Level: 2, Threshold: 60, DisabledFeatures: []string{"recommendations", "analytics"}, Message: "non-essential features disabled"},
		{Level: 3, Threshold: 40, DisabledFeatures: []string{"search_suggestions", "batch_exports"}, Message: "reduced functionality mode"},
		{Level: 4, Threshold: 20, DisabledFeatures: []string{"file_uploads", "reports"}, Message: "essential services only"},
		{Level: 5, Threshold: 0, DisabledFeatures: []string{DisableAll}, Message: "emergency mode, core operations only"},
	}
}

// Listener is notified synchronously when the degradation level changes
type Listener func(level int, disabledFeatures []string)

// Manager resolves health scores to degradation levels, exposes feature
// gates, and keeps a registry of fallback responses for degraded-mode
// callers.
type Manager struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mutex          sync.RWMutex
	levels         []Level
	current        int
	listeners      map[int]Listener
	nextListenerID int
	fallbacks      map[string]interface{}
}

// NewManager creates a degradation manager. levels may be nil to use
// DefaultLevels.
func NewManager(levels []Level, m *metrics.Metrics) *Manager {
	if len(levels) == 0 {
		levels = DefaultLevels()
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Level < sorted[j].Level
	})

	return &Manager{
		logger:    logging.GetLogger(),
		metrics:   m,
		levels:    sorted,
		current:   sorted[0].Level,
		listeners: make(map[int]Listener),
		fallbacks: make(map[string]interface{}),
	}
}

// UpdateLevel resolves the health score (0-100, higher is healthier) to a
// degradation level. Scanning ascending and keeping the last level whose
// threshold is still at or above the score selects the deepest applicable
// tier. Listeners are notified only on change.
func (m *Manager) UpdateLevel(score float64) int {
	m.mutex.Lock()

	selected := m.levels[0].Level
	var message string
	for _, level := range m.levels {
		if score <= level.Threshold {
			selected = level.Level
			message = level.Message
		}
	}

	if selected == m.current {
		m.mutex.Unlock()
		return selected
	}

	previous := m.current
	m.current = selected
	disabled := m.disabledFeaturesLocked()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.metrics.UpdateDegradationLevel(selected)
	m.mutex.Unlock()

	m.logger.Info("Degradation level changed",
		"previous_level", previous,
		"level", selected,
		"score", score,
		"message", message,
		"disabled_features", disabled,
	)

	for _, fn := range listeners {
		m.notify(fn, selected, disabled)
	}

	return selected
}

func (m *Manager) notify(fn Listener, level int, disabled []string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Degradation listener panicked",
				"level", level,
				"panic", r,
			)
		}
	}()

	fn(level, append([]string(nil), disabled...))
}

// CurrentLevel returns the active degradation level
func (m *Manager) CurrentLevel() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// DisabledFeatures returns the union of disabled features across all levels
// up to and including the current one
func (m *Manager) DisabledFeatures() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.disabledFeaturesLocked()
}

func (m *Manager) disabledFeaturesLocked() []string {
	var disabled []string
	seen := make(map[string]struct{})

	for _, level := range m.levels {
		if level.Level > m.current {
			continue
		}
		for _, feature := range level.DisabledFeatures {
			if _, dup := seen[feature]; dup {
				continue
			}
			seen[feature] = struct{}{}
			disabled = append(disabled, feature)
		}
	}
	return disabled
}

// IsFeatureEnabled reports whether a feature is currently available
func (m *Manager) IsFeatureEnabled(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, feature := range m.disabledFeaturesLocked() {
		if feature == DisableAll || feature == name {
			return false
		}
	}
	return true
}

// CurrentMessage returns the active level's human-readable message
func (m *Manager) CurrentMessage() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, level := range m.levels {
		if level.Level == m.current {
			return level.Message
		}
	}
	return ""
}

// AddListener registers a level-change listener and returns an unsubscribe
// func
func (m *Manager) AddListener(fn Listener) func() {
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

// SetFallbackResponse stores a canned payload degraded-mode callers can
// serve without re-deriving content
func (m *Manager) SetFallbackResponse(key string, value interface{}) {
	m.mutex.Lock()
	m.fallbacks[key] = value
	m.mutex.Unlock()
}

// FallbackResponse retrieves a stored fallback payload
func (m *Manager) FallbackResponse(key string) (interface{}, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	value, ok := m.fallbacks[key]
	return value, ok
}

// Reset restores the lowest degradation level; the fallback registry is kept
func (m *Manager) Reset() {
	m.mutex.Lock()
	m.current = m.levels[0].Level
	m.metrics.UpdateDegradationLevel(m.current)
	m.mutex.Unlock()
}
