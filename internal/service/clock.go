package service

import (
	"sync"
	"time"
)

// Clock supplies the timestamps that order activity logs and drive lock and
// approval expiry. Tests substitute a fake.
type Clock interface {
	// Now returns a strictly non-decreasing instant.
	Now() time.Time
}

// systemClock is the production clock. It clamps wall-clock regressions so
// consecutive calls never go backwards.
type systemClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystemClock returns the production clock.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (c *systemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}
