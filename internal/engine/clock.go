package engine

import "sync/atomic"

// Clock is the engine's monotonic logical clock. Every finalized run is
// stamped with a strictly increasing seq number so observers (the run log,
// golden transcripts) can order runs without wall-clock race conditions.
//
// Thread-safety: atomic operations, safe from the async completion path.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
