package pipeline

// limiter.go implements concurrency control for community imports.
//
// The limiter uses a semaphore pattern to restrict parallel community
// pipelines to a configurable maximum, preventing connection-pool and
// memory exhaustion when many communities are queued. Acquire blocks
// until a slot frees or the context ends; there is no rejection path
// because the driver owns all callers.

import (
	"context"
	"sync"
	"time"
)

// DefaultCommunityWorkers is the default limit for parallel community
// imports. Sequential is the safe default: each pipeline holds an open
// decoder and an accumulator's worth of records.
const DefaultCommunityWorkers = 1

// Limiter controls how many community imports run at once using a
// semaphore pattern.
type Limiter struct {
	semaphore chan struct{}

	mu     sync.RWMutex
	active int
}

// NewLimiter creates a limiter allowing at most maxConcurrent
// simultaneous community imports.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultCommunityWorkers
	}
	return &Limiter{semaphore: make(chan struct{}, maxConcurrent)}
}

// Acquire takes a slot, blocking until one frees or ctx ends.
// The caller MUST call Release() when the import completes (use defer).
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of imports currently holding a slot.
func (l *Limiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// MaxConcurrent returns the configured slot count.
func (l *Limiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// WaitForDrain blocks until all active imports complete or ctx ends.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}
