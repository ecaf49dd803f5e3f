package executor

import (
	"sync"
	"time"
)

// Cooldown suppresses re-opening an instrument cycle for a while after an
// open on it was rolled back. It is safe for concurrent use.
type Cooldown struct {
	until map[string]time.Time // cycle -> blocked until
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

// NewCooldown creates a Cooldown that blocks a cycle for ttl after Mark.
// A zero ttl disables it.
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		until: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Mark starts the cooldown window for cycle.
func (c *Cooldown) Mark(cycle string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[cycle] = c.now().Add(c.ttl)
}

// Blocked reports whether cycle is still cooling down.
func (c *Cooldown) Blocked(cycle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[cycle]
	if !ok {
		return false
	}
	if !c.now().Before(until) {
		delete(c.until, cycle)
		return false
	}
	return true
}

// Cleanup removes expired entries.
func (c *Cooldown) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for cycle, until := range c.until {
		if !now.Before(until) {
			delete(c.until, cycle)
		}
	}
}
