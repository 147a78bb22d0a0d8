package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewTracker_Defaults(t *testing.T) {
	tr := NewTracker(Limits{}, nil)
	u := tr.Usage(0)
	assert.Equal(t, DefaultRequestsPerMinute, u.RequestsPerMinute)
	assert.Equal(t, DefaultRequestsPerDay, u.RequestsPerDay)
	assert.Equal(t, 0, u.CurrentMinuteRequests)
}

func TestRecordUsage_CountsBothWindows(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(DefaultLimits(), clock.Now)

	tr.RecordUsage(0, 1)
	tr.RecordUsage(0, 0) // n <= 0 counts as one
	tr.RecordUsage(0, 3)

	u := tr.Usage(0)
	assert.Equal(t, 5, u.CurrentMinuteRequests)
	assert.Equal(t, 5, u.CurrentDayRequests)
	assert.Equal(t, clock.Now().Add(time.Minute), u.MinuteResetTime)
	assert.Equal(t, clock.Now().Add(24*time.Hour), u.DayResetTime)
}

func TestIsOverLimit_Minute(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Limits{PerMinute: 2, PerDay: 100}, clock.Now)

	tr.RecordUsage(0, 1)
	assert.False(t, tr.IsOverLimit(0))
	tr.RecordUsage(0, 1)
	assert.True(t, tr.IsOverLimit(0))

	clock.Advance(time.Minute)
	assert.False(t, tr.IsOverLimit(0))
	assert.Equal(t, 0, tr.Usage(0).CurrentMinuteRequests)
	assert.Equal(t, 2, tr.Usage(0).CurrentDayRequests)
}

func TestIsOverLimit_Day(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Limits{PerMinute: 100, PerDay: 3}, clock.Now)

	tr.RecordUsage(0, 3)
	assert.True(t, tr.IsOverLimit(0))

	clock.Advance(2 * time.Minute)
	assert.True(t, tr.IsOverLimit(0), "day ceiling still reached")

	clock.Advance(24 * time.Hour)
	assert.False(t, tr.IsOverLimit(0))
}

func TestWindowReset_SkippingSeveralWindowsOpensOneFreshWindow(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(DefaultLimits(), clock.Now)

	tr.RecordUsage(0, 10)
	clock.Advance(3 * time.Minute)

	tr.RecordUsage(0, 1)
	u := tr.Usage(0)
	assert.Equal(t, 1, u.CurrentMinuteRequests)
	assert.Equal(t, clock.Now().Add(time.Minute), u.MinuteResetTime)

	// Still inside the fresh window: no second reset
	clock.Advance(30 * time.Second)
	tr.RecordUsage(0, 1)
	assert.Equal(t, 2, tr.Usage(0).CurrentMinuteRequests)
	assert.Equal(t, 12, tr.Usage(0).CurrentDayRequests)
}

func TestSetLimits_Override(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(DefaultLimits(), clock.Now)

	tr.SetLimits(1, Limits{PerMinute: 1})
	tr.RecordUsage(1, 1)
	assert.True(t, tr.IsOverLimit(1))
	assert.Equal(t, DefaultRequestsPerDay, tr.Usage(1).RequestsPerDay)

	// Override applied to an already created record
	tr.RecordUsage(2, 1)
	tr.SetLimits(2, Limits{PerMinute: 1, PerDay: 10})
	assert.True(t, tr.IsOverLimit(2))
	assert.Equal(t, 10, tr.Usage(2).RequestsPerDay)
}

func TestUnlimited(t *testing.T) {
	tr := NewTracker(Limits{PerMinute: Unlimited, PerDay: Unlimited}, nil)
	tr.RecordUsage(0, 100000)
	assert.False(t, tr.IsOverLimit(0))
}

func TestReset(t *testing.T) {
	tr := NewTracker(DefaultLimits(), nil)
	tr.SetLimits(0, Limits{PerMinute: 1})
	tr.RecordUsage(0, 1)
	assert.True(t, tr.IsOverLimit(0))

	tr.Reset()
	assert.False(t, tr.IsOverLimit(0))
	assert.Equal(t, DefaultRequestsPerMinute, tr.Usage(0).RequestsPerMinute)
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := NewTracker(Limits{PerMinute: Unlimited, PerDay: Unlimited}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordUsage(0, 1)
			_ = tr.IsOverLimit(0)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tr.Usage(0).CurrentMinuteRequests)
}

func TestPeek_DoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Limits{PerMinute: 2, PerDay: 100}, clock.Now)

	p := tr.Peek(0)
	assert.Equal(t, 2, p.RequestsPerMinute)
	assert.Equal(t, 0, p.CurrentMinuteRequests)

	tr.RecordUsage(0, 2)
	start := tr.Usage(0).MinuteResetTime
	assert.True(t, tr.Peek(0).OverLimit())

	clock.Advance(2 * time.Minute)
	p = tr.Peek(0)
	assert.Equal(t, 0, p.CurrentMinuteRequests)
	assert.False(t, p.OverLimit())

	// The stored window was not moved by Peek.
	tr.mu.Lock()
	stored := *tr.records[0]
	tr.mu.Unlock()
	assert.Equal(t, start, stored.MinuteResetTime)
	assert.Equal(t, 2, stored.CurrentMinuteRequests)
}
