package ratelimit

import (
	"sync"
	"time"

	"github.com/mixaill76/keypool/internal/utils"
)

const (
	DefaultRequestsPerMinute = 60
	DefaultRequestsPerDay    = 1500

	// Unlimited disables a ceiling. Convention: -1 = unlimited, positive = limit.
	Unlimited = -1

	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Limits are the per-credential request ceilings.
type Limits struct {
	PerMinute int
	PerDay    int
}

// DefaultLimits returns 60 requests per minute and 1500 per day.
func DefaultLimits() Limits {
	return Limits{PerMinute: DefaultRequestsPerMinute, PerDay: DefaultRequestsPerDay}
}

// Record is the usage state of one credential within its current windows.
type Record struct {
	RequestsPerMinute     int       `json:"requests_per_minute"`
	RequestsPerDay        int       `json:"requests_per_day"`
	CurrentMinuteRequests int       `json:"current_minute_requests"`
	CurrentDayRequests    int       `json:"current_day_requests"`
	MinuteResetTime       time.Time `json:"minute_reset_time"`
	DayResetTime          time.Time `json:"day_reset_time"`
}

// Tracker counts requests per credential index in fixed minute and day windows.
//
// Windows reset lazily: the first check that observes a passed boundary zeroes
// the counter and opens a new window starting at that observation. There is
// no background timer, and skipping several windows yields one fresh window.
//
// Thread-safe via internal mutex.
type Tracker struct {
	mu       sync.Mutex
	records  map[int]*Record
	limits   map[int]Limits
	defaults Limits
	now      utils.Clock
}

// NewTracker creates a tracker. Zero fields in defaults fall back to
// DefaultRequestsPerMinute / DefaultRequestsPerDay.
func NewTracker(defaults Limits, clock utils.Clock) *Tracker {
	if defaults.PerMinute == 0 {
		defaults.PerMinute = DefaultRequestsPerMinute
	}
	if defaults.PerDay == 0 {
		defaults.PerDay = DefaultRequestsPerDay
	}
	return &Tracker{
		records:  make(map[int]*Record),
		limits:   make(map[int]Limits),
		defaults: defaults,
		now:      clock.OrDefault(),
	}
}

// SetLimits overrides the ceilings for one credential. Zero fields keep the
// tracker defaults.
func (t *Tracker) SetLimits(index int, l Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l.PerMinute == 0 {
		l.PerMinute = t.defaults.PerMinute
	}
	if l.PerDay == 0 {
		l.PerDay = t.defaults.PerDay
	}
	t.limits[index] = l
	if r, ok := t.records[index]; ok {
		r.RequestsPerMinute = l.PerMinute
		r.RequestsPerDay = l.PerDay
	}
}

// RecordUsage adds n requests (1 when n <= 0) to both windows of index.
func (t *Tracker) RecordUsage(index int, n int) {
	if n <= 0 {
		n = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.observe(index)
	r.CurrentMinuteRequests += n
	r.CurrentDayRequests += n
}

// IsOverLimit reports whether either window of index has reached its ceiling.
func (t *Tracker) IsOverLimit(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.observe(index).OverLimit()
}

// Usage returns a copy of the current record of index.
func (t *Tracker) Usage(index int) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.observe(index)
}

// Peek returns what Usage would return without creating the record or
// moving its windows.
func (t *Tracker) Peek(index int) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r, ok := t.records[index]
	if !ok {
		l, hasOverride := t.limits[index]
		if !hasOverride {
			l = t.defaults
		}
		return Record{
			RequestsPerMinute: l.PerMinute,
			RequestsPerDay:    l.PerDay,
			MinuteResetTime:   now.Add(minuteWindow),
			DayResetTime:      now.Add(dayWindow),
		}
	}

	out := *r
	if !now.Before(out.MinuteResetTime) {
		out.CurrentMinuteRequests = 0
		out.MinuteResetTime = now.Add(minuteWindow)
	}
	if !now.Before(out.DayResetTime) {
		out.CurrentDayRequests = 0
		out.DayResetTime = now.Add(dayWindow)
	}
	return out
}

// OverLimit reports whether either counter of r has reached its ceiling.
func (r Record) OverLimit() bool {
	return reached(r.CurrentMinuteRequests, r.RequestsPerMinute) ||
		reached(r.CurrentDayRequests, r.RequestsPerDay)
}

// Reset forgets all counters and per-credential overrides.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[int]*Record)
	t.limits = make(map[int]Limits)
}

// observe returns the record of index, creating it on first use and
// applying any pending window reset.
// Must be called with t.mu locked
func (t *Tracker) observe(index int) *Record {
	now := t.now()
	r, ok := t.records[index]
	if !ok {
		l, hasOverride := t.limits[index]
		if !hasOverride {
			l = t.defaults
		}
		r = &Record{
			RequestsPerMinute: l.PerMinute,
			RequestsPerDay:    l.PerDay,
			MinuteResetTime:   now.Add(minuteWindow),
			DayResetTime:      now.Add(dayWindow),
		}
		t.records[index] = r
		return r
	}

	if !now.Before(r.MinuteResetTime) {
		r.CurrentMinuteRequests = 0
		r.MinuteResetTime = now.Add(minuteWindow)
	}
	if !now.Before(r.DayResetTime) {
		r.CurrentDayRequests = 0
		r.DayResetTime = now.Add(dayWindow)
	}
	return r
}

func reached(current, limit int) bool {
	return limit != Unlimited && limit >= 0 && current >= limit
}
