// Package recovery runs the periodic maintenance of a credential pool:
// lifting expired quota flags and forgetting bindings of ended sessions.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mixaill76/keypool/internal/logger"
	"github.com/mixaill76/keypool/internal/sessions"
	"github.com/mixaill76/keypool/internal/utils"
)

const (
	DefaultQuotaInterval = time.Hour
	DefaultPruneInterval = 30 * time.Minute
	defaultListTimeout   = 30 * time.Second
)

// Target is the pool being maintained.
type Target interface {
	// RecoverQuota lifts expired quota flags and returns how many were lifted.
	RecoverQuota() int
	// PruneSessions drops bindings of sessions missing from live and
	// returns how many were dropped.
	PruneSessions(live map[string]struct{}) int
}

// Config contains configuration for the Scheduler.
type Config struct {
	QuotaInterval time.Duration
	PruneInterval time.Duration
	// Registry lists live sessions. Nil disables the prune loop.
	Registry sessions.Registry
	Logger   *slog.Logger
	Clock    utils.Clock
}

// Stats describes the last sweeps.
type Stats struct {
	Running          bool      `json:"running"`
	LastQuotaSweep   time.Time `json:"last_quota_sweep"`
	LastPruneSweep   time.Time `json:"last_prune_sweep"`
	QuotaRecovered   int       `json:"quota_recovered"`
	BindingsPruned   int       `json:"bindings_pruned"`
	PruneSweepErrors int       `json:"prune_sweep_errors"`
}

// Scheduler owns the sweep goroutines. Their lifetime is bounded by the
// context given to Start and by Stop.
type Scheduler struct {
	target Target
	config Config
	logger *slog.Logger
	now    utils.Clock

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   Stats
	started bool
}

func New(target Target, cfg Config) *Scheduler {
	if target == nil {
		panic("recovery.New: target must not be nil")
	}
	if cfg.QuotaInterval <= 0 {
		cfg.QuotaInterval = DefaultQuotaInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		target: target,
		config: cfg,
		logger: log,
		now:    cfg.Clock.OrDefault(),
	}
}

// Start launches the sweep loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.stats.Running = true

	s.wg.Add(1)
	go s.loop(ctx, "quota", s.config.QuotaInterval, func(context.Context) { s.SweepQuota() })

	if s.config.Registry != nil {
		s.wg.Add(1)
		go s.loop(ctx, "session_prune", s.config.PruneInterval, func(ctx context.Context) { s.PruneSessions(ctx) })
	}

	s.logger.Info("Recovery scheduler started",
		"quota_interval", s.config.QuotaInterval,
		"prune_interval", s.config.PruneInterval,
		"session_registry", s.config.Registry != nil,
	)
}

// Stop cancels the loops and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.stats.Running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Recovery scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Sweep loop stopped", "sweep", name)
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// SweepQuota runs one quota-recovery sweep and returns the number of
// credentials recovered.
func (s *Scheduler) SweepQuota() int {
	recovered := s.target.RecoverQuota()

	s.mu.Lock()
	s.stats.LastQuotaSweep = s.now()
	s.stats.QuotaRecovered += recovered
	s.mu.Unlock()

	if recovered > 0 {
		s.logger.Info("Quota sweep recovered credentials", "recovered", recovered)
	} else {
		s.logger.Debug("Quota sweep found nothing to recover")
	}
	return recovered
}

// PruneSessions runs one prune sweep. When the registry cannot be read the
// sweep is skipped and no binding is touched.
func (s *Scheduler) PruneSessions(ctx context.Context) int {
	if s.config.Registry == nil {
		return 0
	}

	listCtx, cancel := context.WithTimeout(ctx, defaultListTimeout)
	defer cancel()

	live, err := s.config.Registry.ListActiveSessionIDs(listCtx)
	if err != nil {
		s.mu.Lock()
		s.stats.PruneSweepErrors++
		s.mu.Unlock()
		s.logger.Warn("Session registry unavailable, prune sweep skipped",
			"error", err,
		)
		return 0
	}

	pruned := s.target.PruneSessions(live)

	s.mu.Lock()
	s.stats.LastPruneSweep = s.now()
	s.stats.BindingsPruned += pruned
	s.mu.Unlock()

	s.logger.Debug("Session prune sweep finished",
		"live_sessions", len(live),
		"pruned", pruned,
	)
	return pruned
}

// Stats returns a copy of the sweep statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
