package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle bounds outbound traffic to one venue: a request-per-second budget
// plus a concurrency cap, so one slow or limited venue cannot starve others.
type Throttle struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// NewThrottle creates a throttle with the given request rate, burst, and
// maximum concurrent in-flight requests.
func NewThrottle(rps float64, burst, maxConcurrent int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		slots:   make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a concurrency slot and a rate token are available.
// The caller must call the returned release function exactly once.
func (t *Throttle) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		<-t.slots
		return nil, err
	}
	return func() { <-t.slots }, nil
}

// InFlight returns the number of requests currently holding a slot.
func (t *Throttle) InFlight() int {
	return len(t.slots)
}

// ThrottleRegistry keeps one Throttle per venue.
type ThrottleRegistry struct {
	mu        sync.Mutex
	throttles map[string]*Throttle
	newFn     func(venue string) *Throttle
}

// NewThrottleRegistry creates a registry; newFn builds the throttle for a
// venue seen for the first time.
func NewThrottleRegistry(newFn func(venue string) *Throttle) *ThrottleRegistry {
	return &ThrottleRegistry{
		throttles: make(map[string]*Throttle),
		newFn:     newFn,
	}
}

// For returns the throttle for a venue, creating it on first use.
func (r *ThrottleRegistry) For(venue string) *Throttle {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.throttles[venue]
	if !ok {
		t = r.newFn(venue)
		r.throttles[venue] = t
	}
	return t
}
