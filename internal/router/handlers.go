package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mixaill76/keypool/internal/pool"
	"github.com/mixaill76/keypool/internal/probe"
	"github.com/mixaill76/keypool/internal/recovery"
)

// CredentialsRequest is the body of PUT and POST /v1/credentials.
type CredentialsRequest struct {
	Credentials []string `json:"credentials"`
}

// CredentialsResponse reports the outcome of a list update.
type CredentialsResponse struct {
	Accepted int `json:"accepted"`
	Total    int `json:"total"`
}

// FailureRequest is the optional body of POST /v1/credentials/{index}/failure.
type FailureRequest struct {
	Message string `json:"message"`
}

// SessionResponse is the body of POST /v1/sessions.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

func (r *Router) handleNext(w http.ResponseWriter, req *http.Request) {
	sel, ok := r.pool.NextCredential(req.Context())
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "No credentials available")
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (r *Router) handleSessionCredential(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if r.sessions != nil {
		if err := r.sessions.Touch(id); err != nil {
			writeErrorNotFound(w, fmt.Sprintf("Unknown session: %s", id))
			return
		}
	}

	sel, ok := r.pool.CredentialForSession(req.Context(), id)
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "No credentials available")
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (r *Router) handleOpenSession(w http.ResponseWriter, req *http.Request) {
	if r.sessions == nil {
		writeJSONError(w, http.StatusNotImplemented, "Sessions are not managed by this server")
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{SessionID: r.sessions.Open()})
}

func (r *Router) handleCloseSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if r.sessions != nil {
		r.sessions.Close(id)
	}
	r.pool.ReleaseSession(id)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleReplace(w http.ResponseWriter, req *http.Request) {
	var body CredentialsRequest
	if !r.decodeBody(w, req, &body) {
		return
	}
	accepted := r.pool.ReplaceCredentials(req.Context(), body.Credentials)
	writeJSON(w, http.StatusOK, CredentialsResponse{Accepted: accepted, Total: r.pool.Len()})
}

func (r *Router) handleAppend(w http.ResponseWriter, req *http.Request) {
	var body CredentialsRequest
	if !r.decodeBody(w, req, &body) {
		return
	}
	if len(body.Credentials) == 0 {
		writeErrorBadRequest(w, "credentials must not be empty")
		return
	}
	accepted := r.pool.AppendCredentials(req.Context(), body.Credentials)
	writeJSON(w, http.StatusOK, CredentialsResponse{Accepted: accepted, Total: r.pool.Len()})
}

func (r *Router) handleSuccess(w http.ResponseWriter, req *http.Request) {
	index, ok := parseIndex(w, req)
	if !ok {
		return
	}
	r.writeReportResult(w, r.pool.ReportSuccess(req.Context(), index))
}

func (r *Router) handleFailure(w http.ResponseWriter, req *http.Request) {
	index, ok := parseIndex(w, req)
	if !ok {
		return
	}
	var body FailureRequest
	if req.ContentLength != 0 && !r.decodeBody(w, req, &body) {
		return
	}

	var cause error
	if body.Message != "" {
		cause = errors.New(body.Message)
	}
	r.writeReportResult(w, r.pool.ReportFailure(req.Context(), index, cause))
}

func (r *Router) writeReportResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, pool.ErrUnknownCredential):
		writeErrorNotFound(w, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// StatsResponse is the pool snapshot, plus the sweep statistics when a
// recovery scheduler is attached.
type StatsResponse struct {
	pool.Stats
	Recovery *recovery.Stats `json:"recovery,omitempty"`
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	resp := StatsResponse{Stats: r.pool.Stats()}
	if r.recovery != nil {
		st := r.recovery.Stats()
		resp.Recovery = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleProbe(w http.ResponseWriter, req *http.Request) {
	if r.prober == nil {
		writeJSONError(w, http.StatusNotImplemented, "Probing is disabled")
		return
	}

	report, err := r.prober.Run(req.Context())
	switch {
	case errors.Is(err, probe.ErrAlreadyRunning):
		writeJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// decodeBody reads a JSON body of at most maxBody bytes into v. It writes
// the error reply itself and returns false on failure.
func (r *Router) decodeBody(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if req.Body == nil {
		writeErrorBadRequest(w, "Request body is required")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		case errors.Is(err, io.EOF):
			writeErrorBadRequest(w, "Request body is required")
		default:
			writeErrorBadRequest(w, "Invalid JSON body")
		}
		return false
	}
	return true
}

func parseIndex(w http.ResponseWriter, req *http.Request) (int, bool) {
	index, err := strconv.Atoi(req.PathValue("index"))
	if err != nil {
		writeErrorBadRequest(w, "Credential index must be an integer")
		return 0, false
	}
	return index, true
}
