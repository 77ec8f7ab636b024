package stats

import (
	"sync"
	"time"
)

// Clock issues hybrid logical timestamps in microseconds.
// Timestamps never go backwards on one node and always exceed every
// remote timestamp the node has observed.
type Clock struct {
	node string
	now  func() time.Time

	mu   sync.Mutex
	last int64
}

// NewClock creates a clock stamping writes with the given node identity
func NewClock(node string) *Clock {
	return &Clock{node: node, now: time.Now}
}

// NewClockWithSource is NewClock with an injectable wall clock
func NewClockWithSource(node string, now func() time.Time) *Clock {
	return &Clock{node: node, now: now}
}

// Node returns the origin identity of this clock
func (c *Clock) Node() string {
	return c.node
}

// Now returns a fresh stamp strictly after any previous one
func (c *Clock) Now() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now().UnixMicro()
	if at <= c.last {
		at = c.last + 1
	}
	c.last = at
	return Stamp{At: at, Origin: c.node}
}

// Observe records a remote timestamp so later local stamps order after it
func (c *Clock) Observe(at int64) {
	c.mu.Lock()
	if at > c.last {
		c.last = at
	}
	c.mu.Unlock()
}
