package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a StepClock.
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// StepClock is a deterministic clock for tests.
//
// Every call to Now returns the previous value advanced by a fixed step, so
// timestamps are strictly increasing and identical across runs. The same
// scenario with a fresh StepClock produces byte-identical logs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	calls int64
}

// NewStepClock creates a clock starting at start and advancing by step.
// The first call to Now returns start.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{start: start.UTC(), step: step}
}

// NewDeterministicClock creates a clock starting at Epoch with a one second step.
func NewDeterministicClock() *StepClock {
	return NewStepClock(Epoch, time.Second)
}

// Now returns the next timestamp.
//
// Implements engine.Clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.calls) * c.step)
	c.calls++
	return t
}

// Calls returns how many timestamps have been handed out.
func (c *StepClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock so the next call returns the start time again.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
