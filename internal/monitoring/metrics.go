package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Selection kinds
const (
	SelectionHealthy  = "healthy"
	SelectionSticky   = "sticky"
	SelectionDegraded = "degraded"
	SelectionNone     = "none"
)

// Rejection reasons
const (
	RejectUnhealthy      = "unhealthy"
	RejectQuotaExhausted = "quota_exhausted"
	RejectRateLimit      = "rate_limit"
)

// Failure kinds
const (
	FailureQuota = "quota"
	FailureError = "error"
)

var (
	CredentialsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keypool_credentials_total",
			Help: "Number of credentials in the pool",
		},
	)

	CredentialsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_credentials",
			Help: "Number of credentials per state (healthy, unhealthy, quota_exhausted)",
		},
		[]string{"state"},
	)

	CredentialHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_credential_healthy",
			Help: "Eligibility of each credential (1 = selectable, 0 = excluded)",
		},
		[]string{"credential"},
	)

	CredentialMinuteRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_credential_minute_requests",
			Help: "Requests counted in the current minute window for each credential",
		},
		[]string{"credential"},
	)

	CredentialDayRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keypool_credential_day_requests",
			Help: "Requests counted in the current day window for each credential",
		},
		[]string{"credential"},
	)

	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_selections_total",
			Help: "Total number of credential selections by kind",
		},
		[]string{"kind"},
	)

	CredentialSelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_credential_selection_rejected_total",
			Help: "Total number of times a credential was skipped during selection",
		},
		[]string{"reason"},
	)

	CredentialFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_credential_failures_total",
			Help: "Total number of reported failures by kind",
		},
		[]string{"kind"},
	)

	QuotaRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_quota_recoveries_total",
			Help: "Total number of credentials released from quota exhaustion",
		},
	)

	SessionBindingsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_session_bindings_pruned_total",
			Help: "Total number of session bindings removed by the prune sweep",
		},
	)

	PersistErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keypool_persist_errors_total",
			Help: "Total number of failed snapshot writes",
		},
	)

	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keypool_probe_results_total",
			Help: "Total number of credential probes by provider and result",
		},
		[]string{"provider", "result"},
	)
)

// Metrics gates every update behind the prometheus_enabled switch.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

// PoolState is the aggregate pushed by UpdatePool.
type PoolState struct {
	Total          int
	Healthy        int
	Unhealthy      int
	QuotaExhausted int
}

func (m *Metrics) UpdatePool(s PoolState) {
	if !m.isEnabled() {
		return
	}
	CredentialsTotal.Set(float64(s.Total))
	CredentialsByState.WithLabelValues("healthy").Set(float64(s.Healthy))
	CredentialsByState.WithLabelValues("unhealthy").Set(float64(s.Unhealthy))
	CredentialsByState.WithLabelValues("quota_exhausted").Set(float64(s.QuotaExhausted))
}

// UpdateCredential sets the per-credential gauges. Credentials are labelled
// by index, never by key.
func (m *Metrics) UpdateCredential(index int, eligible bool, minuteRequests, dayRequests int) {
	if !m.isEnabled() {
		return
	}
	label := strconv.Itoa(index)
	value := 0.0
	if eligible {
		value = 1.0
	}
	CredentialHealthy.WithLabelValues(label).Set(value)
	CredentialMinuteRequests.WithLabelValues(label).Set(float64(minuteRequests))
	CredentialDayRequests.WithLabelValues(label).Set(float64(dayRequests))
}

// ResetCredentials drops per-credential series after the list was replaced.
func (m *Metrics) ResetCredentials() {
	if !m.isEnabled() {
		return
	}
	CredentialHealthy.Reset()
	CredentialMinuteRequests.Reset()
	CredentialDayRequests.Reset()
}

func (m *Metrics) RecordSelection(kind string) {
	if !m.isEnabled() {
		return
	}
	SelectionsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	if !m.isEnabled() {
		return
	}
	CredentialSelectionRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFailure(quota bool) {
	if !m.isEnabled() {
		return
	}
	kind := FailureError
	if quota {
		kind = FailureQuota
	}
	CredentialFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordQuotaRecoveries(n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	QuotaRecoveriesTotal.Add(float64(n))
}

func (m *Metrics) RecordPrunedBindings(n int) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	SessionBindingsPruned.Add(float64(n))
}

func (m *Metrics) RecordPersistError() {
	if !m.isEnabled() {
		return
	}
	PersistErrorsTotal.Inc()
}

func (m *Metrics) RecordProbe(provider string, ok bool) {
	if !m.isEnabled() {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	ProbeResultsTotal.WithLabelValues(provider, result).Inc()
}
