package repository

import (
	"sync"
	"time"
)

// operationClock hands out strictly increasing millisecond timestamps, so two
// mutations recorded by one repository never share an idempotency key.
type operationClock struct {
	mu   sync.Mutex
	last int64
}

func (c *operationClock) stamp(t time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := t.UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return time.UnixMilli(ms).UTC()
}
