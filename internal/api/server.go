// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/api/gateway"
	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/observability"
	"github.com/lvonguyen/urlintel/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// Service is the orchestrator surface used by the handlers.
type Service interface {
	Enrich(ctx context.Context, req enrichment.Request) (*enrichment.Record, error)
	Verdict(ctx context.Context, rawURL string) (*enrichment.Record, bool, error)
	Feedback(ctx context.Context, fb enrichment.Feedback) (enrichment.Feedback, error)
	Ready(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Version        string
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	RateLimiter    *gateway.RateLimiter
}

type serviceRef struct {
	svc Service
}

// Server routes HTTP requests to the orchestrator. Until SetService is
// called every orchestrator-backed endpoint answers 503.
type Server struct {
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
	service atomic.Pointer[serviceRef]
	router  chi.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "api")),
		metrics: opts.Metrics,
	}
	s.router = s.routes()
	return s
}

// SetService installs the orchestrator once initialization succeeds.
func (s *Server) SetService(svc Service) {
	if svc == nil {
		s.service.Store(nil)
		return
	}
	s.service.Store(&serviceRef{svc: svc})
}

func (s *Server) currentService() Service {
	if ref := s.service.Load(); ref != nil {
		return ref.svc
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger, s.metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		if s.opts.RateLimiter != nil {
			r.Use(s.opts.RateLimiter.Middleware(gateway.TierFromHeader, submitterID))
		}
		r.Post("/enrich", s.handleEnrich)
		r.Get("/verdict/*", s.handleVerdict)
		r.Post("/feedback", s.handleFeedback)
	})

	r.Get("/metrics", s.handleMetrics)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", s.opts.MetricsHandler)
	}

	return r
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"version":            s.opts.Version,
		"orchestrator_ready": s.currentService() != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	svc := s.currentService()
	if svc == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "orchestrator not initialized"})
		return
	}
	if err := svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Enrichment handlers

type enrichRequest struct {
	URL         string `json:"url"`
	Priority    string `json:"priority"`
	Source      string `json:"source"`
	SubmitterID string `json:"submitter_id"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	svc := s.currentService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	var req enrichRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	rec, err := svc.Enrich(r.Context(), enrichment.Request{
		URL:         req.URL,
		Priority:    enrichment.Priority(req.Priority),
		Source:      req.Source,
		SubmitterID: req.SubmitterID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleVerdict takes the URL as the rest of the path, either raw or
// percent-encoded. The request's own query string belongs to that URL.
func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	svc := s.currentService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	// Unreadable targets were never enriched either.
	target, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || target == "" {
		writeError(w, http.StatusNotFound, "no verdict cached for url")
		return
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	rec, found, err := svc.Verdict(r.Context(), target)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no verdict cached for url")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Feedback handler

type feedbackRequest struct {
	URL         string `json:"url"`
	UserVerdict string `json:"user_verdict"`
	Confidence  int    `json:"confidence"`
	Comment     string `json:"comment"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	svc := s.currentService()
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	var req feedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fb, err := svc.Feedback(r.Context(), enrichment.Feedback{
		URL:         req.URL,
		UserVerdict: enrichment.Verdict(req.UserVerdict),
		Confidence:  req.Confidence,
		Comment:     req.Comment,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Feedback recorded for " + fb.URL,
	})
}

// Metrics handler

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.metrics.Summarize()
	if err != nil {
		s.logger.Error("Metrics summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// writeServiceError maps orchestrator errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrNotReady):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// submitterID keys rate limits by the X-Submitter-ID header when present.
func submitterID(r *http.Request) string {
	return r.Header.Get("X-Submitter-ID")
}
