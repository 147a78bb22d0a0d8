package balancer

import (
	"errors"
	"log/slog"

	"github.com/mixaill76/keypool/internal/health"
	"github.com/mixaill76/keypool/internal/logger"
	"github.com/mixaill76/keypool/internal/monitoring"
	"github.com/mixaill76/keypool/internal/ratelimit"
	"github.com/mixaill76/keypool/internal/utils"
)

var ErrNoCredentialsAvailable = errors.New("no credentials available")

// Options configures RoundRobin.
type Options struct {
	// AllowDegradedFallback hands out index 0 when a full scan finds no
	// eligible credential, instead of failing. A likely upstream failure is
	// preferred over a certain local one.
	AllowDegradedFallback bool

	// EnforceRateLimits makes the rate tracker a third eligibility gate next
	// to health and quota state. When false, usage is still counted.
	EnforceRateLimits bool

	// Rates counts usage per credential. Nil disables rate tracking.
	Rates *ratelimit.Tracker

	// RecoverQuota runs the quota-recovery sweep inline when a full scan
	// found nothing. Returns the number of recovered credentials.
	RecoverQuota func() int

	Logger  *slog.Logger
	Metrics *monitoring.Metrics
	Clock   utils.Clock
}

// Selection is the outcome of a successful pick.
type Selection struct {
	Index int
	// Degraded is set when the credential was handed out by the fallback
	// path while not eligible.
	Degraded bool
}

// RoundRobin walks a cursor over the health store, skipping credentials that
// are unhealthy, quota exhausted or (optionally) over their rate ceiling.
// The cursor persists across calls: every eligible credential is handed out
// once before any is repeated.
//
// Not safe for concurrent use; pool.Manager serializes access.
type RoundRobin struct {
	health  *health.Store
	opts    Options
	current int
	logger  *slog.Logger
	now     utils.Clock
}

func New(store *health.Store, opts Options) *RoundRobin {
	if store == nil {
		panic("balancer.New: health store must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &RoundRobin{
		health: store,
		opts:   opts,
		logger: log,
		now:    opts.Clock.OrDefault(),
	}
}

// Cursor returns the position the next scan starts from.
func (r *RoundRobin) Cursor() int {
	return r.current
}

// Reset moves the cursor back to position 0.
func (r *RoundRobin) Reset() {
	r.current = 0
}

// Next returns the next eligible credential index.
//
// At most Len() positions are scanned starting at the cursor, which advances
// after every check. When none qualifies the quota sweep runs inline; then,
// with AllowDegradedFallback, index 0 is returned regardless of its state.
func (r *RoundRobin) Next() (Selection, error) {
	n := r.health.Len()
	if n == 0 {
		r.opts.Metrics.RecordSelection(monitoring.SelectionNone)
		return Selection{}, ErrNoCredentialsAvailable
	}
	if r.current >= n {
		r.current = 0
	}

	for i := 0; i < n; i++ {
		idx := r.current
		r.current = (r.current + 1) % n

		if reason := r.rejection(idx); reason != "" {
			r.opts.Metrics.RecordRejection(reason)
			continue
		}

		r.Acquire(idx)
		r.opts.Metrics.RecordSelection(monitoring.SelectionHealthy)
		return Selection{Index: idx}, nil
	}

	recovered := 0
	if r.opts.RecoverQuota != nil {
		recovered = r.opts.RecoverQuota()
	}

	if !r.opts.AllowDegradedFallback {
		r.logger.Warn("No eligible credential after full scan",
			"pool_size", n,
			"recovered", recovered,
		)
		r.opts.Metrics.RecordSelection(monitoring.SelectionNone)
		return Selection{}, ErrNoCredentialsAvailable
	}

	degraded := !r.Eligible(0)
	r.Acquire(0)
	if degraded {
		r.logger.Warn("Serving degraded credential",
			"index", 0,
			"pool_size", n,
			"recovered", recovered,
		)
		r.opts.Metrics.RecordSelection(monitoring.SelectionDegraded)
	} else {
		r.opts.Metrics.RecordSelection(monitoring.SelectionHealthy)
	}
	return Selection{Index: 0, Degraded: degraded}, nil
}

// Eligible reports whether index passes every active gate.
func (r *RoundRobin) Eligible(index int) bool {
	return r.rejection(index) == ""
}

// Acquire stamps a hand-out of index: LastUsed and one unit of rate usage.
func (r *RoundRobin) Acquire(index int) {
	r.health.MarkUsed(index, r.now())
	if r.opts.Rates != nil {
		r.opts.Rates.RecordUsage(index, 1)
	}
}

// rejection returns the reason index may not be selected, or "".
func (r *RoundRobin) rejection(index int) string {
	rec, ok := r.health.Get(index)
	if !ok {
		return monitoring.RejectUnhealthy
	}
	if !rec.IsHealthy {
		return monitoring.RejectUnhealthy
	}
	if rec.QuotaExhausted {
		return monitoring.RejectQuotaExhausted
	}
	if r.opts.EnforceRateLimits && r.opts.Rates != nil && r.opts.Rates.IsOverLimit(index) {
		return monitoring.RejectRateLimit
	}
	return ""
}
