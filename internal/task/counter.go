package task

import (
	"context"
	"sync"
)

// Counter is a non-negative count with an await-zero primitive.
// Decrements saturate at zero.
type Counter struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

// Add increments the counter by k.
func (c *Counter) Add(k int) {
	c.mu.Lock()
	c.n += k
	c.mu.Unlock()
}

// Done decrements the counter by k, saturating at zero.
// Waiters registered while the counter was positive are released
// the first time it reaches zero.
func (c *Counter) Done(k int) {
	c.mu.Lock()
	c.n -= k
	if c.n < 0 {
		c.n = 0
	}
	var release []chan struct{}
	if c.n == 0 && len(c.waiters) > 0 {
		release = c.waiters
		c.waiters = nil
	}
	c.mu.Unlock()

	for _, ch := range release {
		close(ch)
	}
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// WaitZero blocks until the counter reaches zero or ctx is done.
func (c *Counter) WaitZero(ctx context.Context) error {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
