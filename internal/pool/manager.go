// Package pool hands out API keys from a pool, tracking per-key health,
// quota exhaustion and rate usage, and keeping sessions on the same key
// while it stays usable.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixaill76/keypool/internal/affinity"
	"github.com/mixaill76/keypool/internal/balancer"
	"github.com/mixaill76/keypool/internal/config"
	"github.com/mixaill76/keypool/internal/health"
	"github.com/mixaill76/keypool/internal/logger"
	"github.com/mixaill76/keypool/internal/monitoring"
	"github.com/mixaill76/keypool/internal/ratelimit"
	"github.com/mixaill76/keypool/internal/security"
	"github.com/mixaill76/keypool/internal/store"
	"github.com/mixaill76/keypool/internal/utils"
)

var (
	ErrUnknownCredential = errors.New("pool: unknown credential")
	// ErrCredentialChanged is returned by ReportIfCredential when the index
	// now holds another key.
	ErrCredentialChanged = errors.New("pool: credential changed")
)

const (
	DefaultQuotaCooldown  = 24 * time.Hour
	DefaultPersistTimeout = 5 * time.Second
	maxErrorMessageLength = 500
)

// Options configures a Manager. Zero values fall back to the defaults of
// config.DefaultPoolConfig except for the two policy switches.
type Options struct {
	FailureThreshold      int
	QuotaCooldown         time.Duration
	QuotaKeywords         []string
	AllowDegradedFallback bool
	EnforceRateLimits     bool
	DefaultLimits         ratelimit.Limits
	SessionCacheSize      int

	// Store persists the pool after every mutation. Nil disables persistence.
	Store          store.Store
	PersistTimeout time.Duration

	Logger  *slog.Logger
	Metrics *monitoring.Metrics
	Clock   utils.Clock
}

// OptionsFromConfig maps the pool section of the configuration to Options.
func OptionsFromConfig(p config.PoolConfig) Options {
	return Options{
		FailureThreshold:      p.FailureThreshold,
		QuotaCooldown:         p.QuotaCooldown,
		QuotaKeywords:         p.QuotaKeywords,
		AllowDegradedFallback: p.AllowDegradedFallback,
		EnforceRateLimits:     p.EnforceRateLimits,
		DefaultLimits:         ratelimit.Limits{PerMinute: p.DefaultRPM, PerDay: p.DefaultRPD},
		SessionCacheSize:      p.SessionCacheSize,
	}
}

// Selection is a handed-out credential.
type Selection struct {
	Credential string `json:"credential"`
	Index      int    `json:"index"`
	// Sticky is set when an existing session binding was reused.
	Sticky bool `json:"sticky"`
	// Degraded is set when no credential was eligible and the fallback
	// handed out index 0 anyway.
	Degraded bool `json:"degraded"`
}

// Manager owns the credential list and every piece of state derived from
// it. All operations are serialized by one mutex; persistence happens after
// the mutex is released.
type Manager struct {
	mu        sync.Mutex
	keys      []string
	overrides map[string]ratelimit.Limits
	health    *health.Store
	rates     *ratelimit.Tracker
	balancer  *balancer.RoundRobin
	sessions  *affinity.Table
	version   uint64
	dirty     bool

	persistMu    sync.Mutex
	savedVersion uint64

	opts    Options
	logger  *slog.Logger
	metrics *monitoring.Metrics
	now     utils.Clock
}

func New(opts Options) (*Manager, error) {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = health.DefaultFailureThreshold
	}
	if opts.QuotaCooldown <= 0 {
		opts.QuotaCooldown = DefaultQuotaCooldown
	}
	if opts.DefaultLimits == (ratelimit.Limits{}) {
		opts.DefaultLimits = ratelimit.DefaultLimits()
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	sessions, err := affinity.New(opts.SessionCacheSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		overrides: make(map[string]ratelimit.Limits),
		health:    health.NewStore(opts.FailureThreshold),
		sessions:  sessions,
		opts:      opts,
		logger:    log,
		metrics:   opts.Metrics,
		now:       opts.Clock.OrDefault(),
	}
	m.rates = ratelimit.NewTracker(opts.DefaultLimits, m.now)
	m.balancer = balancer.New(m.health, balancer.Options{
		AllowDegradedFallback: opts.AllowDegradedFallback,
		EnforceRateLimits:     opts.EnforceRateLimits,
		Rates:                 m.rates,
		RecoverQuota:          m.recoverQuotaLocked,
		Logger:                log,
		Metrics:               opts.Metrics,
		Clock:                 m.now,
	})
	return m, nil
}

// SetKeyLimits overrides the rate ceilings of key. The override follows the
// key across list replacements and restores.
func (m *Manager) SetKeyLimits(key string, l ratelimit.Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.overrides[key] = l
	for i, k := range m.keys {
		if k == key {
			m.rates.SetLimits(i, l)
		}
	}
}

// ReplaceCredentials swaps the whole list. Health records, session
// bindings and rate counters start over and the cursor returns to 0.
// Returns the number of keys accepted.
func (m *Manager) ReplaceCredentials(ctx context.Context, keys []string) int {
	accepted, _, skipped := sanitizeKeys(keys, nil)
	m.warnUnknownShapes(accepted)

	m.mu.Lock()
	m.resetLocked(accepted)
	m.health.Reset(len(accepted))
	snap, version := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("Credentials replaced",
		"count", len(accepted),
		"skipped", skipped,
	)
	m.PublishMetrics()
	m.persist(ctx, snap, version)
	return len(accepted)
}

// AppendCredentials adds keys after the current ones. Existing records and
// bindings are untouched. Returns the number of keys accepted, which is less
// than len(keys) when blanks or keys already in the pool were skipped.
func (m *Manager) AppendCredentials(ctx context.Context, keys []string) int {
	m.mu.Lock()
	accepted, _, skipped := sanitizeKeys(keys, m.keys)
	if len(accepted) == 0 {
		m.mu.Unlock()
		m.logger.Debug("No new credentials to append", "skipped", skipped)
		return 0
	}
	oldLen := len(m.keys)
	m.keys = append(m.keys, accepted...)
	m.health.Extend(len(accepted))
	for i := oldLen; i < len(m.keys); i++ {
		m.applyOverrideLocked(i)
	}
	snap, version := m.snapshotLocked()
	m.mu.Unlock()

	m.warnUnknownShapes(accepted)
	m.logger.Info("Credentials appended",
		"added", len(accepted),
		"skipped", skipped,
		"total", oldLen+len(accepted),
	)
	m.PublishMetrics()
	m.persist(ctx, snap, version)
	return len(accepted)
}

// NextCredential selects a credential without session affinity.
// ok is false only when the pool is empty, or when nothing is eligible and
// degraded fallback is disabled.
func (m *Manager) NextCredential(ctx context.Context) (Selection, bool) {
	m.mu.Lock()
	sel, err := m.balancer.Next()
	var out Selection
	if err == nil {
		out = Selection{Credential: m.keys[sel.Index], Index: sel.Index, Degraded: sel.Degraded}
		// LastUsed changed.
		m.dirty = true
	}
	snap, version, dirty := m.takeDirtyLocked()
	m.mu.Unlock()

	if dirty {
		m.persist(ctx, snap, version)
	}
	return out, err == nil
}

// CredentialForSession returns the credential bound to sessionID while it
// stays eligible, otherwise selects a new one and rebinds the session.
// An empty sessionID behaves like NextCredential.
func (m *Manager) CredentialForSession(ctx context.Context, sessionID string) (Selection, bool) {
	if sessionID == "" {
		return m.NextCredential(ctx)
	}

	m.mu.Lock()
	var degraded bool
	index, sticky, err := m.sessions.Resolve(sessionID, m.balancer.Eligible, func() (int, error) {
		sel, err := m.balancer.Next()
		degraded = sel.Degraded
		return sel.Index, err
	})
	var out Selection
	if err == nil {
		if sticky {
			m.balancer.Acquire(index)
			m.metrics.RecordSelection(monitoring.SelectionSticky)
		}
		out = Selection{Credential: m.keys[index], Index: index, Sticky: sticky, Degraded: degraded}
		m.dirty = true
	}
	snap, version, dirty := m.takeDirtyLocked()
	m.mu.Unlock()

	if dirty {
		m.persist(ctx, snap, version)
	}
	if err == nil && !sticky {
		m.logger.Debug("Session bound to credential",
			"session_id", sessionID,
			"index", index,
			"degraded", degraded,
		)
	}
	return out, err == nil
}

// ReportSuccess records a successful upstream call made with credential index.
func (m *Manager) ReportSuccess(ctx context.Context, index int) error {
	return m.reportSuccess(ctx, index, "")
}

// ReportFailure records a failed upstream call made with credential index.
// Every session bound to index is released immediately.
func (m *Manager) ReportFailure(ctx context.Context, index int, cause error) error {
	return m.reportFailure(ctx, index, "", cause)
}

// ReportIfCredential reports the outcome of a call made with key, but only
// while index still holds key; otherwise it returns ErrCredentialChanged and
// changes nothing. A nil cause is a success. The key check and the update
// happen under one lock, so a concurrent replace cannot redirect the report.
func (m *Manager) ReportIfCredential(ctx context.Context, index int, key string, cause error) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrCredentialChanged)
	}
	if cause == nil {
		return m.reportSuccess(ctx, index, key)
	}
	return m.reportFailure(ctx, index, key, cause)
}

// checkLocked validates index and, when key is set, that index still holds it.
func (m *Manager) checkLocked(index int, key string) error {
	if !m.validLocked(index) {
		return fmt.Errorf("%w: %d", ErrUnknownCredential, index)
	}
	if key != "" && m.keys[index] != key {
		return fmt.Errorf("%w: %d", ErrCredentialChanged, index)
	}
	return nil
}

func (m *Manager) reportSuccess(ctx context.Context, index int, key string) error {
	m.mu.Lock()
	if err := m.checkLocked(index, key); err != nil {
		m.mu.Unlock()
		return err
	}
	recovered := m.health.RecordSuccess(index, m.now())
	snap, version := m.snapshotLocked()
	m.mu.Unlock()

	if recovered {
		m.logger.Info("Credential recovered",
			"index", index,
		)
	}
	m.persist(ctx, snap, version)
	return nil
}

func (m *Manager) reportFailure(ctx context.Context, index int, key string, cause error) error {
	full := "unknown error"
	if cause != nil {
		full = cause.Error()
	}
	// Upstream bodies put the status text anywhere, so classify before truncating.
	quota := health.IsQuotaError(full, m.opts.QuotaKeywords)
	message := logger.TruncateMessage(full, maxErrorMessageLength)

	m.mu.Lock()
	if err := m.checkLocked(index, key); err != nil {
		m.mu.Unlock()
		return err
	}
	outcome := m.health.RecordFailure(index, message, quota, m.now())
	released := m.sessions.RemoveIndex(index)
	rec, _ := m.health.Get(index)
	snap, version := m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.RecordFailure(quota)
	switch {
	case outcome.BecameExhausted:
		m.logger.Warn("Credential quota exhausted",
			"index", index,
			"error", message,
			"released_sessions", released,
		)
	case outcome.BecameUnhealthy:
		m.logger.Warn("Credential marked unhealthy",
			"index", index,
			"error_count", rec.ErrorCount,
			"error", message,
			"released_sessions", released,
		)
	default:
		m.logger.Debug("Credential failure recorded",
			"index", index,
			"error_count", rec.ErrorCount,
			"quota", quota,
			"released_sessions", released,
		)
	}
	m.persist(ctx, snap, version)
	return nil
}

// RecoverQuota lifts every quota flag older than the cooldown.
func (m *Manager) RecoverQuota() int {
	m.mu.Lock()
	n := m.recoverQuotaLocked()
	snap, version, dirty := m.takeDirtyLocked()
	m.mu.Unlock()

	if dirty {
		m.persist(context.Background(), snap, version)
	}
	return n
}

// recoverQuotaLocked is also the inline sweep of the balancer.
func (m *Manager) recoverQuotaLocked() int {
	recovered := m.health.RecoverQuota(m.now(), m.opts.QuotaCooldown)
	if len(recovered) == 0 {
		return 0
	}
	m.dirty = true
	m.metrics.RecordQuotaRecoveries(len(recovered))
	m.logger.Info("Quota recovered",
		"indices", recovered,
		"cooldown", m.opts.QuotaCooldown,
	)
	return len(recovered)
}

// PruneSessions drops every binding whose session is not in live.
func (m *Manager) PruneSessions(live map[string]struct{}) int {
	m.mu.Lock()
	n := m.sessions.Prune(live)
	m.mu.Unlock()

	m.metrics.RecordPrunedBindings(n)
	if n > 0 {
		m.logger.Info("Pruned session bindings", "pruned", n, "live_sessions", len(live))
	}
	return n
}

// ReleaseSession forgets the binding of sessionID.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	m.sessions.Remove(sessionID)
	m.mu.Unlock()
}

// IsAnyCredentialAvailable reports whether at least one credential is eligible.
func (m *Manager) IsAnyCredentialAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.keys {
		if m.balancer.Eligible(i) {
			return true
		}
	}
	return false
}

// Credentials returns a copy of the list in round-robin order.
func (m *Manager) Credentials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Restore loads the last persisted snapshot. Credentials without a stored
// health record start fresh. Returns the number of credentials restored;
// without a store it does nothing.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.opts.Store == nil {
		return 0, nil
	}
	snap, err := m.opts.Store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool: restore: %w", err)
	}
	accepted, positions, skipped := sanitizeKeys(snap.Credentials, nil)
	// Records are keyed by stored position; follow each key to its new index.
	records := make(map[int]health.Record, len(accepted))
	for i, pos := range positions {
		if rec, ok := snap.Health[pos]; ok {
			records[i] = rec
		}
	}

	m.mu.Lock()
	m.resetLocked(accepted)
	m.health.Restore(records, len(accepted))
	_, version := m.snapshotLocked()
	m.mu.Unlock()

	m.persistMu.Lock()
	m.savedVersion = version
	m.persistMu.Unlock()

	m.logger.Info("Pool restored",
		"credentials", len(accepted),
		"skipped", skipped,
		"health_records", len(snap.Health),
	)
	m.PublishMetrics()
	return len(accepted), nil
}

// resetLocked installs keys as the new list and clears derived state except
// health records, which the caller sets up.
func (m *Manager) resetLocked(keys []string) {
	m.keys = keys
	m.sessions.Clear()
	m.rates.Reset()
	m.balancer.Reset()
	for i := range m.keys {
		m.applyOverrideLocked(i)
	}
}

func (m *Manager) applyOverrideLocked(index int) {
	if l, ok := m.overrides[m.keys[index]]; ok {
		m.rates.SetLimits(index, l)
	}
}

func (m *Manager) validLocked(index int) bool {
	return index >= 0 && index < len(m.keys)
}

func (m *Manager) snapshotLocked() (store.Snapshot, uint64) {
	m.version++
	m.dirty = false
	return store.Snapshot{
		Credentials: append([]string(nil), m.keys...),
		Health:      m.health.Snapshot(),
	}, m.version
}

func (m *Manager) takeDirtyLocked() (store.Snapshot, uint64, bool) {
	if !m.dirty {
		return store.Snapshot{}, 0, false
	}
	snap, version := m.snapshotLocked()
	return snap, version, true
}

// persist saves snap unless a newer snapshot was already saved. Failures
// are logged and counted, never returned.
func (m *Manager) persist(ctx context.Context, snap store.Snapshot, version uint64) {
	if m.opts.Store == nil {
		return
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if version <= m.savedVersion {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PersistTimeout)
	defer cancel()

	if err := m.opts.Store.Save(ctx, snap); err != nil {
		m.metrics.RecordPersistError()
		m.logger.Error("Failed to persist pool state",
			"error", err,
			"version", version,
		)
		return
	}
	m.savedVersion = version
}

func (m *Manager) warnUnknownShapes(keys []string) {
	for _, k := range keys {
		if keyProvider(k) == "" {
			m.logger.Warn("Credential does not match a known key format",
				"credential", security.MaskAPIKey(k),
			)
		}
	}
}
