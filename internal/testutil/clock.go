package testutil

import "sync"

// DefaultBuildEpoch is 2023-11-14T22:13:20Z in epoch milliseconds, late
// enough to pass manifest timestamp validation.
const DefaultBuildEpoch int64 = 1700000000000

// BuildClock hands out deterministic build timestamps in epoch
// milliseconds.
//
// The first call to Next returns the start value; each later call adds
// the step. Safe for concurrent use.
type BuildClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
	calls int
}

// NewBuildClock creates a clock starting at start and advancing by step.
// A zero start means DefaultBuildEpoch and a zero step means one second.
func NewBuildClock(start, step int64) *BuildClock {
	if start == 0 {
		start = DefaultBuildEpoch
	}
	if step == 0 {
		step = 1000
	}
	return &BuildClock{start: start, step: step}
}

// Next returns the next timestamp.
func (c *BuildClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == 0 {
		c.now = c.start
	} else {
		c.now += c.step
	}
	c.calls++
	return c.now
}

// Current returns the last timestamp handed out, or 0 before the first call.
func (c *BuildClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NowMillis adapts the clock to func() int64 hooks.
func (c *BuildClock) NowMillis() int64 { return c.Next() }

// Reset rewinds the clock so the next call returns the start value again.
func (c *BuildClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = 0
	c.calls = 0
}
