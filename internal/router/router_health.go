package router

import (
	"net/http"
	"time"

	"github.com/mixaill76/keypool/internal/utils"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status      string `json:"status"`
	Credentials int    `json:"credentials"`
	Available   bool   `json:"available"`
	Timestamp   string `json:"timestamp"`
}

// handleHealth answers 200 while any credential can be handed out and 503
// otherwise. It needs no master key.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	available := r.pool.IsAnyCredentialAvailable()
	body := HealthStatus{
		Status:      "healthy",
		Credentials: r.pool.Len(),
		Available:   available,
		Timestamp:   utils.NowUTC().Format(time.RFC3339),
	}

	status := http.StatusOK
	if !available {
		body.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
