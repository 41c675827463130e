package engine

import "sync/atomic"

// Clock hands out the seq numbers that order an operation log. One Clock
// is shared by every engine of a TPG and by its checkpoint dispatcher, so
// it is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first Next is 1.
func NewClock() *Clock { return &Clock{} }

// NewClockAt returns a clock whose first Next is start+1, for appending to
// a session that already holds records up to start.
func NewClockAt(start int64) *Clock {
	c := new(Clock)
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new seq.
func (c *Clock) Next() int64 { return c.seq.Add(1) }

// Current is the last seq handed out, 0 before the first Next.
func (c *Clock) Current() int64 { return c.seq.Load() }
