package logsvc

import (
	"sync"
	"time"
)

// Stamper hands out event timestamps. Every call returns a value strictly
// greater than the previous one.
type Stamper interface {
	Next() int64
}

// Clock stamps events with Unix milliseconds, bumped by one whenever the
// wall clock has not moved past the last stamp. Replicas only ever see
// strictly increasing ts, even across a backwards clock step.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a clock reading the wall clock.
func NewClock() *Clock {
	return NewClockAt(0, time.Now)
}

// NewClockAt creates a clock that never stamps at or below last.
// Used on startup to resume after the highest stored ts.
func NewClockAt(last int64, now func() time.Time) *Clock {
	return &Clock{last: last, now: now}
}

// Next returns the next timestamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Current returns the last timestamp handed out without advancing.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
