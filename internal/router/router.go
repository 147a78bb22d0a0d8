// Package router exposes the pool over an HTTP admin API.
package router

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mixaill76/keypool/internal/logger"
	"github.com/mixaill76/keypool/internal/pool"
	"github.com/mixaill76/keypool/internal/probe"
	"github.com/mixaill76/keypool/internal/recovery"
	"github.com/mixaill76/keypool/internal/security"
	"github.com/mixaill76/keypool/internal/sessions"
)

const defaultMaxBodyBytes = 1 << 20

// Prober runs a probe over the whole pool.
type Prober interface {
	Run(ctx context.Context) (probe.Report, error)
}

// RecoveryStats reports the background sweeps.
type RecoveryStats interface {
	Stats() recovery.Stats
}

type Config struct {
	Pool *pool.Manager
	// Sessions enables the session endpoints. Nil when sessions are tracked
	// outside this process.
	Sessions *sessions.Memory
	// Prober enables POST /v1/probe.
	Prober Prober
	// Recovery adds the background sweep statistics to GET /v1/stats.
	Recovery RecoveryStats
	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
	MasterKey      string
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

type Router struct {
	pool      *pool.Manager
	sessions  *sessions.Memory
	prober    Prober
	recovery  RecoveryStats
	masterKey string
	maxBody   int64
	logger    *slog.Logger
	handler   http.Handler
}

func New(cfg Config) *Router {
	if cfg.Pool == nil {
		panic("router.New: pool must not be nil")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	r := &Router{
		pool:      cfg.Pool,
		sessions:  cfg.Sessions,
		prober:    cfg.Prober,
		recovery:  cfg.Recovery,
		masterKey: cfg.MasterKey,
		maxBody:   cfg.MaxBodyBytes,
		logger:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", r.handleHealth)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.Handle("GET /v1/credentials/next", r.auth(r.handleNext))
	mux.Handle("PUT /v1/credentials", r.auth(r.handleReplace))
	mux.Handle("POST /v1/credentials", r.auth(r.handleAppend))
	mux.Handle("POST /v1/credentials/{index}/success", r.auth(r.handleSuccess))
	mux.Handle("POST /v1/credentials/{index}/failure", r.auth(r.handleFailure))
	mux.Handle("GET /v1/stats", r.auth(r.handleStats))
	mux.Handle("POST /v1/probe", r.auth(r.handleProbe))

	mux.Handle("GET /v1/sessions/{id}/credential", r.auth(r.handleSessionCredential))
	mux.Handle("POST /v1/sessions", r.auth(r.handleOpenSession))
	mux.Handle("DELETE /v1/sessions/{id}", r.auth(r.handleCloseSession))

	r.handler = r.logRequests(mux)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// auth checks the master key from "Authorization: Bearer <key>".
func (r *Router) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			writeErrorUnauthorized(w, "Missing Authorization header")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			writeErrorUnauthorized(w, "Invalid Authorization header format")
			return
		}

		if r.masterKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(r.masterKey)) != 1 {
			r.logger.Warn("Invalid master key",
				"provided_key", security.MaskAPIKey(token),
				"path", req.URL.Path,
			)
			writeErrorUnauthorized(w, "Invalid master key")
			return
		}

		next(w, req)
	})
}
