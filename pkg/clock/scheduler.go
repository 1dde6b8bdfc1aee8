// Package clock provides a cancellable scheduler for periodic and one-shot
// tasks, built on an injectable clock so tests can advance virtual time.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sentinelops/selfheal/pkg/logging"
)

// Clock is the time source used by the scheduler. Production code passes
// clockwork.NewRealClock(); tests pass clockwork.NewFakeClock().
type Clock = clockwork.Clock

// NewRealClock returns a wall-clock time source.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}

// Scheduler owns a set of named periodic and one-shot tasks. Scheduling a
// task under an existing name cancels the previous one. All tasks run on
// their own goroutine; Cancel and CancelAll stop them without waiting for an
// in-flight callback to return.
type Scheduler struct {
	clock  Clock
	logger *logging.Logger

	mutex    sync.Mutex
	periodic map[string]chan struct{}
	oneShots map[string]clockwork.Timer
}

// NewScheduler creates a scheduler backed by the given clock
func NewScheduler(clk Clock, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Scheduler{
		clock:    clk,
		logger:   logger,
		periodic: make(map[string]chan struct{}),
		oneShots: make(map[string]clockwork.Timer),
	}
}

// Clock returns the scheduler's time source
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// Every schedules fn to run every interval under the given name
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cancelLocked(name)

	stop := make(chan struct{})
	s.periodic[name] = stop

	ticker := s.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				// A tick and a cancel can be ready at the same time;
				// cancellation wins.
				select {
				case <-stop:
					return
				default:
				}
				s.run(name, fn)
			}
		}
	}()
}

// After schedules fn to run once after delay under the given name
func (s *Scheduler) After(name string, delay time.Duration, fn func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cancelLocked(name)

	// The callback runs on its own goroutine so that a fake clock firing
	// timers synchronously cannot block on locks held by the advancing
	// caller
	s.oneShots[name] = s.clock.AfterFunc(delay, func() {
		s.mutex.Lock()
		delete(s.oneShots, name)
		s.mutex.Unlock()

		go s.run(name, fn)
	})
}

// Cancel stops the task registered under name, if any
func (s *Scheduler) Cancel(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cancelLocked(name)
}

// CancelAll stops every scheduled task
func (s *Scheduler) CancelAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for name := range s.periodic {
		s.cancelLocked(name)
	}
	for name := range s.oneShots {
		s.cancelLocked(name)
	}
}

func (s *Scheduler) cancelLocked(name string) {
	if stop, ok := s.periodic[name]; ok {
		close(stop)
		delete(s.periodic, name)
	}
	if timer, ok := s.oneShots[name]; ok {
		timer.Stop()
		delete(s.oneShots, name)
	}
}

// run executes a task callback, isolating panics from the scheduler loop
func (s *Scheduler) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				"task", name,
				"panic", r,
			)
		}
	}()

	fn()
}
