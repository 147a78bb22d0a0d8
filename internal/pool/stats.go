package pool

import (
	"github.com/mixaill76/keypool/internal/health"
	"github.com/mixaill76/keypool/internal/monitoring"
	"github.com/mixaill76/keypool/internal/ratelimit"
	"github.com/mixaill76/keypool/internal/security"
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total          int               `json:"total"`
	Healthy        int               `json:"healthy"`
	Unhealthy      int               `json:"unhealthy"`
	QuotaExhausted int               `json:"quota_exhausted"`
	TotalRequests  uint              `json:"total_requests"`
	TotalSuccesses uint              `json:"total_successes"`
	TotalErrors    uint              `json:"total_errors"`
	Sessions       int               `json:"sessions"`
	Credentials    []CredentialStats `json:"credentials"`
}

// CredentialStats is the detail of one credential. The key is masked.
type CredentialStats struct {
	Index    int              `json:"index"`
	Key      string           `json:"key"`
	Provider string           `json:"provider,omitempty"`
	Eligible bool             `json:"eligible"`
	Health   health.Record    `json:"health"`
	Usage    ratelimit.Record `json:"usage"`
}

// Stats aggregates the pool state. It has no side effects on selection:
// the cursor, bindings and counters are left as they are.
//
// Healthy counts credentials that are healthy and not quota exhausted;
// Unhealthy counts those past the failure threshold; QuotaExhausted counts
// the flag independently, so a credential may appear in both of the last two.
// TotalErrors is the sum of failed requests.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:       len(m.keys),
		Sessions:    m.sessions.Len(),
		Credentials: make([]CredentialStats, 0, len(m.keys)),
	}
	for i, key := range m.keys {
		rec, _ := m.health.Get(i)
		rec = rec.Clone()

		switch {
		case !rec.IsHealthy:
			s.Unhealthy++
		case !rec.QuotaExhausted:
			s.Healthy++
		}
		if rec.QuotaExhausted {
			s.QuotaExhausted++
		}
		s.TotalRequests += rec.TotalRequests
		s.TotalSuccesses += rec.SuccessCount
		if rec.TotalRequests > rec.SuccessCount {
			s.TotalErrors += rec.TotalRequests - rec.SuccessCount
		}

		usage := m.rates.Peek(i)
		eligible := rec.Eligible() && !(m.opts.EnforceRateLimits && usage.OverLimit())
		s.Credentials = append(s.Credentials, CredentialStats{
			Index:    i,
			Key:      security.MaskAPIKey(key),
			Provider: keyProvider(key),
			Eligible: eligible,
			Health:   rec,
			Usage:    usage,
		})
	}
	return s
}

// PublishMetrics pushes the current pool state to the Prometheus gauges.
func (m *Manager) PublishMetrics() {
	if m.metrics == nil {
		return
	}
	s := m.Stats()

	m.metrics.UpdatePool(monitoring.PoolState{
		Total:          s.Total,
		Healthy:        s.Healthy,
		Unhealthy:      s.Unhealthy,
		QuotaExhausted: s.QuotaExhausted,
	})
	m.metrics.ResetCredentials()
	for _, c := range s.Credentials {
		m.metrics.UpdateCredential(c.Index, c.Eligible, c.Usage.CurrentMinuteRequests, c.Usage.CurrentDayRequests)
	}
}
