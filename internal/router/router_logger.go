package router

import (
	"net/http"
	"time"
)

// responseCapture records the status code written by a handler.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{
		ResponseWriter: w,
		statusCode:     http.StatusOK, // default status
	}
}

func (rc *responseCapture) WriteHeader(statusCode int) {
	rc.statusCode = statusCode
	rc.ResponseWriter.WriteHeader(statusCode)
}

func (rc *responseCapture) Flush() {
	if flusher, ok := rc.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// logRequests logs one line per request. Bodies are never logged: they
// carry raw API keys.
func (r *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rc := newResponseCapture(w)
		next.ServeHTTP(rc, req)

		attrs := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", rc.statusCode,
			"duration", time.Since(start),
		}
		switch {
		case rc.statusCode >= 500:
			r.logger.Error("Request failed", attrs...)
		case isErrorStatus(rc.statusCode):
			r.logger.Warn("Request rejected", attrs...)
		default:
			r.logger.Debug("Request served", attrs...)
		}
	})
}

// isErrorStatus checks if status code is an error (4xx or 5xx)
func isErrorStatus(statusCode int) bool {
	return statusCode >= 400
}
