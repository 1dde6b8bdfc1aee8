package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestScheduler_Every(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewScheduler(fake, nil)
	defer s.CancelAll()

	fired := make(chan struct{}, 10)
	s.Every("tick", time.Second, func() {
		fired <- struct{}{}
	})

	fake.Advance(time.Second)
	waitFired(t, fired)

	fake.Advance(time.Second)
	waitFired(t, fired)
}

func TestScheduler_After(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewScheduler(fake, nil)
	defer s.CancelAll()

	fired := make(chan struct{}, 1)
	s.After("once", 5*time.Second, func() {
		fired <- struct{}{}
	})

	// Not yet due
	fake.Advance(4 * time.Second)
	select {
	case <-fired:
		t.Fatal("one-shot fired early")
	case <-time.After(50 * time.Millisecond):
	}

	fake.Advance(time.Second)
	waitFired(t, fired)

	// One-shot must not fire again
	fake.Advance(10 * time.Second)
	select {
	case <-fired:
		t.Fatal("one-shot fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_CancelStopsTask(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewScheduler(fake, nil)

	fired := make(chan struct{}, 10)
	s.Every("tick", time.Second, func() {
		fired <- struct{}{}
	})
	s.After("once", time.Second, func() {
		fired <- struct{}{}
	})

	s.Cancel("tick")
	s.Cancel("once")

	fake.Advance(5 * time.Second)
	select {
	case <-fired:
		t.Fatal("cancelled task fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_ReplaceByName(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewScheduler(fake, nil)
	defer s.CancelAll()

	first := make(chan struct{}, 10)
	second := make(chan struct{}, 10)

	s.Every("tick", time.Second, func() { first <- struct{}{} })
	s.Every("tick", time.Second, func() { second <- struct{}{} })

	fake.Advance(time.Second)
	waitFired(t, second)

	select {
	case <-first:
		t.Fatal("replaced task still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_CancelAll(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewScheduler(fake, nil)

	fired := make(chan struct{}, 10)
	s.Every("a", time.Second, func() { fired <- struct{}{} })
	s.Every("b", time.Second, func() { fired <- struct{}{} })
	s.After("c", time.Second, func() { fired <- struct{}{} })

	s.CancelAll()

	fake.Advance(3 * time.Second)
	select {
	case <-fired:
		t.Fatal("task fired after CancelAll")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_PanicIsolated(t *testing.T) {
	fake := clockwork.NewFakeClock()
	s := NewScheduler(fake, nil)
	defer s.CancelAll()

	fired := make(chan struct{}, 10)
	s.Every("tick", time.Second, func() {
		fired <- struct{}{}
		panic("task panic")
	})

	fake.Advance(time.Second)
	waitFired(t, fired)

	// The loop survives the panic
	fake.Advance(time.Second)
	waitFired(t, fired)

	assert.NotNil(t, s.Clock())
}

func waitFired(t *testing.T, fired chan struct{}) {
	t.Helper()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
}
