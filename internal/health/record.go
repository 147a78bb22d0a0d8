package health

import (
	"strings"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failures after which
// a credential is marked unhealthy.
const DefaultFailureThreshold = 3

// DefaultQuotaKeywords classify a failure message as quota exhaustion.
// Matching is a case-insensitive substring test.
var DefaultQuotaKeywords = []string{
	"quota",
	"limit",
	"rate limit",
	"too many requests",
	"429",
	"exceeded",
}

// ErrorInfo is the last failure observed for a credential.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the health and usage state of one pooled credential.
type Record struct {
	IsHealthy        bool       `json:"is_healthy"`
	ErrorCount       uint       `json:"error_count"`
	SuccessCount     uint       `json:"success_count"`
	TotalRequests    uint       `json:"total_requests"`
	QuotaExhausted   bool       `json:"quota_exhausted"`
	QuotaExhaustedAt *time.Time `json:"quota_exhausted_at,omitempty"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	LastError        *ErrorInfo `json:"last_error,omitempty"`
}

// NewRecord returns the state of a freshly added credential.
func NewRecord() Record {
	return Record{IsHealthy: true}
}

// Eligible reports whether the credential may be handed out.
func (r Record) Eligible() bool {
	return r.IsHealthy && !r.QuotaExhausted
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	out := r
	if r.QuotaExhaustedAt != nil {
		t := *r.QuotaExhaustedAt
		out.QuotaExhaustedAt = &t
	}
	if r.LastUsed != nil {
		t := *r.LastUsed
		out.LastUsed = &t
	}
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	return out
}

// IsQuotaError reports whether msg looks like a quota or rate-limit failure.
// An empty keywords slice uses DefaultQuotaKeywords.
func IsQuotaError(msg string, keywords []string) bool {
	if msg == "" {
		return false
	}
	if len(keywords) == 0 {
		keywords = DefaultQuotaKeywords
	}
	lower := strings.ToLower(msg)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
