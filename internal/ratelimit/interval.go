package ratelimit

import (
	"context"
	"sync"
	"time"
)

// IntervalLimiter spaces operations sharing a key by a minimum interval.
// The probe runner uses it so that checking a large pool does not burst
// against one upstream provider.
//
// Different from Tracker: Tracker counts usage against ceilings and never
// blocks; IntervalLimiter blocks the caller until the interval has passed.
type IntervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     map[string]time.Time
}

// NewIntervalLimiter creates a limiter. interval <= 0 disables waiting.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{
		interval: interval,
		next:     make(map[string]time.Time),
	}
}

// Wait blocks until the caller may run the next operation for key.
// Slots are reserved under the lock, so concurrent callers are spaced
// rather than released together.
// Returns the context error if ctx is done first.
func (l *IntervalLimiter) Wait(ctx context.Context, key string) error {
	if l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.next[key]
	if slot.Before(now) {
		slot = now
	}
	l.next[key] = slot.Add(l.interval)
	l.mu.Unlock()

	waitFor := time.Until(slot)
	if waitFor <= 0 {
		return nil
	}

	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
