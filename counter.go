package connserver

import "sync"

// Counter is the per-worker in-flight connection semaphore. Issuing a
// Guard is infallible while capacity
// remains; releasing a Guard returns the permit and, if anything is waiting
// to be woken on capacity becoming available again, notifies it.
//
// Counter is not safe to use with more than one waiter registered at a
// time — the worker is single-threaded, so only its own poll loop ever
// calls Available.
type Counter struct {
	mu     sync.Mutex
	cap    int
	inUse  int
	waiter chan struct{} // non-nil while someone is parked on capacity
}

// NewCounter creates a counter with the given capacity.
func NewCounter(capacity int) *Counter {
	return &Counter{cap: capacity}
}

// Guard represents one in-flight connection. Its Release returns the permit
// exactly once; calling Release more than once is a no-op.
type Guard struct {
	c        *Counter
	released bool
}

// Release returns the permit to the counter. Safe to call multiple times.
func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.c.release()
}

// Get acquires a permit unconditionally (the caller must have already
// confirmed Available via a prior poll). It panics if the counter is full,
// since that would indicate the worker dispatched past its own readiness
// check — a core invariant violation, not a recoverable error.
func (c *Counter) Get() *Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse >= c.cap {
		panic("connserver: counter exceeded capacity")
	}
	c.inUse++
	return &Guard{c: c}
}

func (c *Counter) release() {
	c.mu.Lock()
	c.inUse--
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()
	if w != nil {
		close(w)
	}
}

// Available reports whether the counter has remaining capacity. If it does
// not, and wake is non-nil, wake will be closed the next time a permit is
// released, so the caller can park until capacity frees up.
func (c *Counter) Available(wake chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse < c.cap {
		return true
	}
	if wake != nil {
		c.waiter = wake
	}
	return false
}

// Total returns the number of connections currently in flight.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}
