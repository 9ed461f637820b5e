// Package server provides the HTTP API for run lifecycle, recovery and provider commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/config"
	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/progress"
	"github.com/jonathan/probe-orchestrator/internal/recovery"
	"github.com/jonathan/probe-orchestrator/internal/runs"
	"github.com/jonathan/probe-orchestrator/internal/server/middleware"
	"github.com/jonathan/probe-orchestrator/internal/server/ratelimit"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// RunService is the run lifecycle
type RunService interface {
	StartRun(ctx context.Context, in runs.StartRunInput) (*runs.StartRunResult, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	PauseRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	ResumeRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	DeleteRun(ctx context.Context, runID uuid.UUID, userID *uuid.UUID) error
	UpdateRun(ctx context.Context, runID uuid.UUID, name string) (*types.Run, error)
	EstimateCost(ctx context.Context, in runs.StartRunInput) (*types.CostEstimate, error)
}

// ProgressService reads progress and controls summarization
type ProgressService interface {
	GetProgress(ctx context.Context, runID uuid.UUID) (*progress.Snapshot, error)
	CancelSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	RestartSummarization(ctx context.Context, runID uuid.UUID, force bool) (*progress.RestartResult, error)
}

// RecoveryService finds and repairs orphaned runs
type RecoveryService interface {
	TriggerRecovery(ctx context.Context) (*recovery.Summary, error)
	RecoverOrphanedRun(ctx context.Context, runID uuid.UUID) (*recovery.RunResult, error)
}

// ProviderService edits provider dispatch limits
type ProviderService interface {
	UpdateProviderSettings(ctx context.Context, name string, settings db.ProviderSettings) (*db.Provider, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services are the domain services the API exposes
type Services struct {
	Runs      RunService
	Progress  ProgressService
	Recovery  RecoveryService
	Providers ProviderService
	Health    HealthChecker
	Gatherer  prometheus.Gatherer
}

// Config holds server configuration
type Config struct {
	Port int
	// JWT enables bearer authentication. Nil serves every route unauthenticated.
	JWT             *config.JWTConfig
	RateLimit       *ratelimit.Config
	ShutdownTimeout time.Duration
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	services    Services
	rateLimiter *ratelimit.Limiter
	jwtService  *JWTService
	shutdown    time.Duration
	logger      zerolog.Logger
	audit       zerolog.Logger
}

// routes reachable without a token
var publicRoutes = []string{"GET /health", "GET /metrics"}

// New creates a new server instance
func New(cfg Config, services Services) (*Server, error) {
	if services.Runs == nil || services.Progress == nil || services.Recovery == nil || services.Providers == nil {
		return nil, errors.New("server requires run, progress, recovery and provider services")
	}
	if services.Gatherer == nil {
		services.Gatherer = prometheus.DefaultGatherer
	}
	rateCfg := cfg.RateLimit
	if rateCfg == nil {
		rateCfg = ratelimit.LoadConfig()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		services:    services,
		rateLimiter: ratelimit.NewLimiter(rateCfg),
		shutdown:    cfg.ShutdownTimeout,
		logger:      logging.Component("server"),
		audit:       logging.Component("audit"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(services.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("PATCH /runs/{id}", s.handleUpdateRun)
	mux.HandleFunc("DELETE /runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /runs/{id}/progress", s.handleGetProgress)
	mux.HandleFunc("GET /runs/{id}/events", s.handleProgressStream)
	mux.HandleFunc("POST /runs/{id}/pause", s.handlePauseRun)
	mux.HandleFunc("POST /runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /runs/{id}/recover", s.handleRecoverRun)
	mux.HandleFunc("POST /runs/{id}/summarization/cancel", s.handleCancelSummarization)
	mux.HandleFunc("POST /runs/{id}/summarization/restart", s.handleRestartSummarization)

	mux.HandleFunc("POST /recovery", s.handleTriggerRecovery)
	mux.HandleFunc("POST /cost-estimate", s.handleCostEstimate)
	mux.HandleFunc("PUT /providers/{name}", s.handleUpdateProvider)

	var handler http.Handler = mux
	if cfg.JWT != nil {
		s.jwtService = NewJWTService(cfg.JWT)
		handler = middleware.AuthMiddleware(s.jwtService.AsTokenValidator(), publicRoutes...)(handler)
	} else {
		s.logger.Warn().Msg("JWT not configured, API is unauthenticated")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withRateLimit(s.withLogging(s.withCORS(handler))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves requests until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)

		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working through the logging wrapper
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// handleHealth reports server and database health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.services.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.services.Health.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, errorBody{Error: message})
}

// serviceError maps a service error onto its status code, logging unexpected failures
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	s.jsonResponse(w, status, toErrorBody(err))
}

// extractClientID identifies the caller for rate limiting: the authenticated user when
// known, otherwise the remote IP.
func (s *Server) extractClientID(r *http.Request) string {
	if userID, ok := bearerSubject(r, s.jwtService); ok {
		return "user:" + userID
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// bearerSubject returns the user of a valid bearer token. Rate limiting runs before
// authentication, so invalid tokens fall back to the IP.
func bearerSubject(r *http.Request, jwtService *JWTService) (string, bool) {
	if jwtService == nil {
		return "", false
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	claims, err := jwtService.ValidateToken(parts[1])
	if err != nil {
		return "", false
	}
	return claims.UserID.String(), true
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.logger.Warn().
		Str("path", r.URL.Path).
		Str("method", r.Method).
		Int("limit", info.Limit).
		Time("reset_at", info.ResetTime).
		Msg("rate limit exceeded")

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
