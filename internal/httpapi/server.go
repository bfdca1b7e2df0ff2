// Package httpapi exposes the turn pipeline and session store over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memgo-dev/memgo/internal/archive"
	"github.com/memgo-dev/memgo/internal/pipeline"
	"github.com/memgo-dev/memgo/pkg/memorybank"
	"github.com/memgo-dev/memgo/pkg/observability"
	"github.com/memgo-dev/memgo/pkg/security"
	"github.com/memgo-dev/memgo/pkg/session"
)

// Server routes HTTP requests to the pipeline and stores.
type Server struct {
	sessions   session.Manager
	pipe       *pipeline.Pipeline
	bank       memorybank.Service
	limiter    *security.RateLimiter
	httpServer *http.Server
}

// New creates an HTTP API server.
func New(sessions session.Manager, pipe *pipeline.Pipeline, bank memorybank.Service) *Server {
	return &Server{
		sessions: sessions,
		pipe:     pipe,
		bank:     bank,
	}
}

// UseRateLimiter throttles API requests per remote host. Call before Router.
func (s *Server) UseRateLimiter(rl *security.RateLimiter) {
	s.limiter = rl
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestMetrics)
	if s.limiter != nil {
		r.Use(s.rateLimit)
	}

	r.Get("/healthz", observability.HealthHandler())
	r.Get("/readyz", observability.ReadinessHandler())
	r.Handle("/metrics", observability.MetricsHandler())

	r.Post("/v1/run", s.handleRun)

	r.Route("/v1/apps/{app}/users/{user}/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/archive", s.handleArchiveSession)
	})

	r.Get("/v1/apps/{app}/users/{user}/memory", s.handleSearchMemory)

	return r
}

// Start serves the API on the given address until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleRun executes one conversation turn. With ?stream=true the response
// is sent as server-sent events instead of a single JSON document.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AppName) == "" || strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_scope", "appName and userId are required")
		return
	}

	resp, err := s.pipe.HandleTurn(r.Context(), req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.streamTurn(w, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// streamTurn writes the completed turn as SSE: a "turn" event with the
// response payload, then a "done" event.
func (s *Server) streamTurn(w http.ResponseWriter, resp *pipeline.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusOK, resp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: turn\ndata: %s\n\n", payload)
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	app, user := chi.URLParam(r, "app"), chi.URLParam(r, "user")

	var req struct {
		SessionID string         `json:"sessionId,omitempty"`
		State     map[string]any `json:"state,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(r.Context(), app, session.CreateOptions{
		UserID:    user,
		SessionID: req.SessionID,
		State:     req.State,
	})
	if err != nil {
		respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sess.Metadata())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	app, user := chi.URLParam(r, "app"), chi.URLParam(r, "user")

	metas, err := s.sessions.List(r.Context(), app, session.ListOptions{UserID: user})
	if err != nil {
		respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	turns, err := sess.Turns(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"metadata": sess.Metadata(),
		"turns":    turns,
	})
}

// handleDeleteSession archives the session, then removes it from the
// session store. Deletion is not forgotten memory; the derived record
// stays searchable.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	app, user := chi.URLParam(r, "app"), chi.URLParam(r, "user")
	if err := s.pipe.EndSession(r.Context(), app, user, sess.ID()); err != nil {
		// Deferred archival is retried in the background; deletion
		// still proceeds.
		if !errors.Is(err, archive.ErrArchiveUnavailable) {
			respondSessionError(w, err)
			return
		}
	}

	if err := s.sessions.Delete(r.Context(), sess.ID()); err != nil {
		respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	app, user := chi.URLParam(r, "app"), chi.URLParam(r, "user")
	if err := s.pipe.EndSession(r.Context(), app, user, sess.ID()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "archive_deferred", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	app, user := chi.URLParam(r, "app"), chi.URLParam(r, "user")

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}

	topK := 0
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &topK); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_top_k", "top_k must be an integer")
			return
		}
	}

	result, err := s.bank.Search(r.Context(), app, user, query, topK)
	if err != nil {
		if errors.Is(err, memorybank.ErrMissingScope) {
			respondError(w, http.StatusBadRequest, "missing_scope", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "memory_unavailable", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ownedSession loads the session in the URL and rejects lookups across
// user or app boundaries.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	app, user := chi.URLParam(r, "app"), chi.URLParam(r, "user")
	id := chi.URLParam(r, "id")

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		respondSessionError(w, err)
		return nil, false
	}
	if sess.AppName() != app || sess.UserID() != user {
		respondError(w, http.StatusForbidden, "forbidden", "session belongs to a different user")
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidMessage):
		respondError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, pipeline.ErrTurnInFlight):
		respondError(w, http.StatusConflict, "turn_in_flight", err.Error())
	default:
		respondSessionError(w, err)
	}
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrUserMismatch):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		if !s.limiter.Allow(host) {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status), time.Since(start))
	})
}
