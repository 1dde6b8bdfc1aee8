// Package annealing implements a simulated-annealing optimizer over
// per-service weights, minimizing a criticality- and traffic-weighted
// system energy derived from health snapshots.
package annealing

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sentinelops/selfheal/pkg/logging"
	"github.com/sentinelops/selfheal/pkg/metrics"
)

const (
	weightMin      = 0.1
	weightMax      = 2.0
	mutationRange  = 0.2
	latencyCeiling = 10000 // milliseconds at which latency energy saturates
)

// Config holds annealing parameters
type Config struct {
	InitialTemperature float64
	MinTemperature     float64
	CoolingRate        float64
	// ReheatAfter is the stagnation threshold that triggers reheating
	ReheatAfter int
	// Seed makes runs reproducible; 0 seeds from the current time
	Seed int64
}

// DefaultConfig returns default annealing parameters
func DefaultConfig() *Config {
	return &Config{
		InitialTemperature: 100,
		MinTemperature:     0.1,
		CoolingRate:        0.95,
		ReheatAfter:        50,
	}
}

// ServiceSample is one service's health contribution to the energy function
type ServiceSample struct {
	ServiceID        string
	Criticality      int
	ErrorRate        float64
	AverageLatency   time.Duration
	DegradationLevel int
	Availability     float64
	TotalRequests    int64
}

// State is a snapshot of optimizer progress
type State struct {
	Temperature   float64            `json:"temperature"`
	CurrentEnergy float64            `json:"current_energy"`
	BestEnergy    float64            `json:"best_energy"`
	Iterations    int                `json:"iterations"`
	Accepted      int                `json:"accepted"`
	Stagnation    int                `json:"stagnation"`
	Reheats       int                `json:"reheats"`
	Convergence   float64            `json:"convergence"`
	Weights       map[string]float64 `json:"weights"`
	BestWeights   map[string]float64 `json:"best_weights"`
}

// Optimizer anneals per-service weights toward a minimal system energy. All
// methods are safe for concurrent use.
type Optimizer struct {
	config  *Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mutex       sync.Mutex
	rand        *rand.Rand
	temperature float64
	current     float64
	best        float64
	iterations  int
	accepted    int
	stagnation  int
	reheats     int
	weights     map[string]float64
	bestWeights map[string]float64
}

// NewOptimizer creates an optimizer with the given parameters
func NewOptimizer(config *Config, m *metrics.Metrics) *Optimizer {
	if config == nil {
		config = DefaultConfig()
	}
	if m == nil {
		m = &metrics.Metrics{}
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Optimizer{
		config:      config,
		logger:      logging.GetLogger(),
		metrics:     m,
		rand:        rand.New(rand.NewSource(seed)),
		temperature: config.InitialTemperature,
		best:        math.Inf(1),
		weights:     make(map[string]float64),
		bestWeights: make(map[string]float64),
	}
}

// Optimize performs one annealing step against the given samples: mutate one
// service weight, evaluate by Metropolis acceptance, then cool or reheat.
// Returns whether the mutation was accepted.
func (o *Optimizer) Optimize(samples []ServiceSample) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	defer func() {
		o.iterations++
		o.metrics.UpdateAnnealingState(o.temperature, o.current, o.best, o.convergenceLocked())
	}()

	if len(samples) == 0 {
		o.coolLocked()
		return false
	}

	for _, s := range samples {
		if _, ok := o.weights[s.ServiceID]; !ok {
			o.weights[s.ServiceID] = 1.0
		}
	}

	o.current = systemEnergy(samples, o.weights)
	if o.current < o.best {
		o.best = o.current
		o.bestWeights = copyWeights(o.weights)
	}

	// Mutate one random service weight, scaled down as the system cools
	target := samples[o.rand.Intn(len(samples))].ServiceID
	oldWeight := o.weights[target]
	delta := (o.rand.Float64()*2 - 1) * mutationRange * (o.temperature / 100)
	o.weights[target] = clampWeight(oldWeight + delta)

	candidate := systemEnergy(samples, o.weights)
	accepted := o.acceptLocked(candidate)

	if accepted {
		o.current = candidate
		o.accepted++
		if candidate < o.best {
			o.best = candidate
			o.bestWeights = copyWeights(o.weights)
			o.stagnation = 0
		} else {
			o.stagnation++
		}
	} else {
		o.weights[target] = oldWeight
		o.stagnation++
	}

	o.coolLocked()
	return accepted
}

// acceptLocked applies the Metropolis criterion: always accept improvements,
// accept regressions with probability exp(-Δ/(T/100))
func (o *Optimizer) acceptLocked(candidate float64) bool {
	delta := candidate - o.current
	if delta < 0 {
		return true
	}

	scaled := o.temperature / 100
	if scaled <= 0 {
		return false
	}
	return o.rand.Float64() < math.Exp(-delta/scaled)
}

// coolLocked cools geometrically, or reheats when stagnation has reached the
// threshold. Reheated temperature is capped at half the initial temperature.
func (o *Optimizer) coolLocked() {
	if o.config.ReheatAfter > 0 && o.stagnation >= o.config.ReheatAfter {
		o.temperature *= 2
		if ceiling := o.config.InitialTemperature / 2; o.temperature > ceiling {
			o.temperature = ceiling
		}
		o.stagnation = 0
		o.reheats++
		o.logger.Debug("Annealing reheated",
			"temperature", o.temperature,
			"reheats", o.reheats,
		)
		return
	}

	o.temperature *= o.config.CoolingRate
	if o.temperature < o.config.MinTemperature {
		o.temperature = o.config.MinTemperature
	}
}

func (o *Optimizer) convergenceLocked() float64 {
	if math.IsInf(o.best, 1) {
		return 0
	}
	return 1 - o.best
}

// State returns a copy of current optimizer progress
func (o *Optimizer) State() State {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	best := o.best
	if math.IsInf(best, 1) {
		best = 0
	}

	return State{
		Temperature:   o.temperature,
		CurrentEnergy: o.current,
		BestEnergy:    best,
		Iterations:    o.iterations,
		Accepted:      o.accepted,
		Stagnation:    o.stagnation,
		Reheats:       o.reheats,
		Convergence:   o.convergenceLocked(),
		Weights:       copyWeights(o.weights),
		BestWeights:   copyWeights(o.bestWeights),
	}
}

// Weight returns the current weight for a service (1.0 when unseen)
func (o *Optimizer) Weight(serviceID string) float64 {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if w, ok := o.weights[serviceID]; ok {
		return w
	}
	return 1.0
}

// Reset restores the optimizer to its initial state, discarding all learned
// weights
func (o *Optimizer) Reset() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.temperature = o.config.InitialTemperature
	o.current = 0
	o.best = math.Inf(1)
	o.iterations = 0
	o.accepted = 0
	o.stagnation = 0
	o.reheats = 0
	o.weights = make(map[string]float64)
	o.bestWeights = make(map[string]float64)
}

// systemEnergy is the criticality- and traffic-weighted average of
// per-service energies, each in [0, 1]
func systemEnergy(samples []ServiceSample, weights map[string]float64) float64 {
	var numerator, denominator float64

	for _, s := range samples {
		weight := weights[s.ServiceID]
		if weight == 0 {
			weight = 1.0
		}

		requests := float64(s.TotalRequests)
		if requests < 1 {
			requests = 1
		}

		factor := weight * requests
		numerator += factor * serviceEnergy(s)
		denominator += factor
	}

	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// serviceEnergy combines error rate, latency, local degradation and
// availability into one [0, 1] contribution. More critical services (lower
// criticality value) contribute more.
func serviceEnergy(s ServiceSample) float64 {
	criticalityFactor := float64(6-s.Criticality) / 5

	errorEnergy := s.ErrorRate * criticalityFactor
	latencyEnergy := math.Min(1, float64(s.AverageLatency.Milliseconds())/latencyCeiling) * 0.5
	degradationEnergy := float64(s.DegradationLevel) / 100 * criticalityFactor
	availabilityEnergy := (100 - s.Availability) / 100

	return (errorEnergy + latencyEnergy + degradationEnergy + availabilityEnergy) / 4
}

func clampWeight(w float64) float64 {
	if w < weightMin {
		return weightMin
	}
	if w > weightMax {
		return weightMax
	}
	return w
}

func copyWeights(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
