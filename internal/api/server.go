// SPDX-License-Identifier: MIT

// Package api exposes the HTTP control surface of the run engine: webhook
// ingestion, manual dispatch, run inspection, job logs, artifacts and the
// operational probes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/api/middleware"
	"github.com/gridrun/gridrun/internal/audit"
	"github.com/gridrun/gridrun/internal/auth"
	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/health"
	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/ratelimit"
	"github.com/gridrun/gridrun/internal/store/archive"
	"github.com/gridrun/gridrun/internal/workflow"
)

// Config carries the server's static settings.
type Config struct {
	// Token protects mutating endpoints. Empty means no token is configured
	// and every protected request is rejected.
	Token string

	// RateLimitRPM bounds webhook ingestion per client IP per minute.
	RateLimitRPM int

	// WorkRoot is the executor's workspace root; job logs live under it.
	WorkRoot string

	// ArtifactRoot is the per-run artifact store root.
	ArtifactRoot string

	Version string
}

// Server wires the engine and its stores behind the HTTP API.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	registry *workflow.Registry
	archive  *archive.Archive
	health   *health.Manager
	audit    *audit.Logger
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
}

// New constructs the API server. archive may be nil when history is
// disabled; audit and limiter fall back to defaults when nil.
func New(cfg Config, eng *engine.Engine, reg *workflow.Registry, arch *archive.Archive, hm *health.Manager, auditLogger *audit.Logger, limiter *ratelimit.Limiter) *Server {
	if auditLogger == nil {
		auditLogger = audit.NewLogger()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	return &Server{
		cfg:      cfg,
		engine:   eng,
		registry: reg,
		archive:  arch,
		health:   hm,
		audit:    auditLogger,
		limiter:  limiter,
		logger:   log.WithComponent("api"),
	}
}

// Handler builds the full router.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        "gridrun-api",
		EnableLogging:         true,
	})
	s.routes(r)
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook ingestion gets its own per-IP window on top of the
		// trigger-kind token buckets.
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimitRPM > 0 {
				r.Use(middleware.EventRateLimit(s.cfg.RateLimitRPM))
			}
			r.Post("/events/push", s.handlePushEvent)
			r.Post("/events/pull-request", s.handlePullRequestEvent)
		})

		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{name}", s.handleGetWorkflow)
		r.With(s.requireAuth).Post("/workflows/{name}/dispatch", s.handleDispatch)
		r.With(s.requireAuth).Post("/workflows/reload", s.handleReloadWorkflows)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.With(s.requireAuth).Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Get("/runs/{id}/jobs/{slug}/log", s.handleJobLog)
		r.Get("/runs/{id}/artifacts", s.handleListArtifacts)
		r.Get("/runs/{id}/artifacts/*", s.handleGetArtifact)

		r.Get("/stats", s.handleStats)
	})
}

// requireAuth rejects requests without a valid bearer token. Fails closed:
// an unset server token rejects everything.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		token := auth.ExtractToken(r)
		if token == "" {
			s.audit.AuthMissing(r.RemoteAddr, endpoint)
			writeUnauthorized(w)
			return
		}
		if !auth.AuthorizeToken(token, s.cfg.Token) {
			s.audit.AuthFailure(r.RemoteAddr, endpoint, "invalid token")
			writeUnauthorized(w)
			return
		}
		s.audit.AuthSuccess(r.RemoteAddr, endpoint)
		next.ServeHTTP(w, r)
	})
}
