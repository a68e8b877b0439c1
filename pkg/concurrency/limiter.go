// Package concurrency sizes and bounds parallel pipeline execution and
// protects outbound connections with a circuit breaker.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Stats reports limiter activity.
type Stats struct {
	Acquired  int64
	Released  int64
	Peak      int64
	TotalWait time.Duration
}

// Limiter is a semaphore bounding how many pipeline instances run at once.
type Limiter struct {
	sem    chan struct{}
	active atomic.Int64

	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter admitting maxConcurrent holders.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Capacity returns the number of holders admitted at once.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.waitNs.Add(time.Since(start).Nanoseconds())
	l.acquired.Add(1)
	l.updatePeak(l.active.Add(1))
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Active returns the number of current holders.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired:  l.acquired.Load(),
		Released:  l.released.Load(),
		Peak:      l.peak.Load(),
		TotalWait: time.Duration(l.waitNs.Load()),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
