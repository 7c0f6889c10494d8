// Package server provides the HTTP API for distillsvc.
//
// This package implements a graceful HTTP server with Echo router,
// health/metrics endpoints, and the job-submission/polling API that fronts
// the dedupe iteration driver (spec.md §6).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apiv "github.com/fyrsmithlabs/distillsvc/internal/api"
	"github.com/fyrsmithlabs/distillsvc/internal/config"
	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
	"github.com/fyrsmithlabs/distillsvc/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	config  *config.Config
	echo    *echo.Echo
	logger  *logging.Logger
	manager *jobs.Manager
	store   store.Store
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadyResponse is the JSON response for GET /ready.
type ReadyResponse struct {
	Status string   `json:"status"`
	Issues []string `json:"issues,omitempty"`
}

// NewServer creates a new HTTP server wired to a job manager and its store.
// logger may be nil only in tests that never exercise a route touching the
// job API; production callers always supply one.
func NewServer(cfg *config.Config, manager *jobs.Manager, st store.Store, logger *logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if logger != nil {
		e.Use(requestLoggingMiddleware(logger))
	}

	s := &Server{
		config:  cfg,
		echo:    e,
		logger:  logger,
		manager: manager,
		store:   st,
	}

	s.registerRoutes()

	return s
}

// requestLoggingMiddleware logs one structured line per request after it
// completes, mirroring the method/uri/status/duration/request_id shape used
// throughout the rest of the service's HTTP layer.
func requestLoggingMiddleware(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// registerRoutes registers all HTTP routes (spec.md §6).
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/ready", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiGroup := s.echo.Group("/api")
	apiGroup.POST("/autoDistill", s.handleSubmit)
	apiGroup.GET("/jobs/:jobId", s.handleGetJob)
	apiGroup.DELETE("/jobs/:jobId", s.handleDeleteJob)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: s.config.Observability.ServiceName,
	})
}

// handleReady handles GET /ready: reports unready, with the reasons why,
// when a collaborator this server depends on has no endpoint configured
// (spec.md §10, readiness supplemental to the core health check).
func (s *Server) handleReady(c echo.Context) error {
	var issues []string
	if s.config.Embeddings.BaseURL == "" {
		issues = append(issues, "embeddings endpoint not configured")
	}
	if s.config.LLM.BaseURL == "" {
		issues = append(issues, "llm endpoint not configured")
	}
	if len(issues) > 0 {
		return c.JSON(http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Issues: issues})
	}
	return c.JSON(http.StatusOK, ReadyResponse{Status: "ready"})
}

// handleSubmit handles POST /api/autoDistill: validates the submitted block
// set and dispatches a job, returning immediately with its id (spec.md §6,
// "submission is non-blocking").
func (s *Server) handleSubmit(c echo.Context) error {
	var req apiv.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	webhookURL := c.QueryParam("webhook_url")
	blocks := apiv.BlocksToDomain(req.Results)
	cfg := dedupeConfigFrom(s.config, req)

	jobID, err := s.manager.Submit(c.Request().Context(), blocks, cfg, webhookURL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit job")
	}

	return c.JSON(http.StatusAccepted, apiv.SubmitResponse{SchemaVersion: 1, JobID: jobID})
}

// handleGetJob handles GET /api/jobs/{jobId}: returns the job's current
// status, and its intermediate snapshot if one has been saved and the job
// has not yet succeeded (spec.md §6, "Polling").
func (s *Server) handleGetJob(c echo.Context) error {
	jobID := c.Param("jobId")
	ctx := c.Request().Context()

	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read job")
	}

	snap, err := s.store.ReadIntermediate(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read intermediate result")
	}

	return c.JSON(http.StatusOK, apiv.JobResponseFromRecord(rec, snap))
}

// handleDeleteJob handles DELETE /api/jobs/{jobId}: cancels a running job or
// removes a completed one (spec.md §4.7, "cancellation").
func (s *Server) handleDeleteJob(c echo.Context) error {
	jobID := c.Param("jobId")
	if err := s.manager.Cancel(c.Request().Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete job")
	}
	return c.NoContent(http.StatusNoContent)
}

// Start starts the HTTP server and blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// dedupeConfigFrom builds an iteration config from the deployment's tuning
// defaults, overridden by the per-request similarity/iterations fields
// (spec.md §6).
func dedupeConfigFrom(cfg *config.Config, req apiv.SubmitRequest) dedupe.IterationConfig {
	d := cfg.Dedupe
	return dedupe.IterationConfig{
		Iterations:             req.Iterations,
		SimilarityInitial:      req.Similarity,
		EscalateStartIteration: d.SimilarityIncreaseStartIter,
		EscalateDelta:          float32(d.SimilarityIncreasePerIteration),
		MaxSimilarityThreshold: float32(d.MaxSimilarityThreshold),
		ClusterCfg: dedupe.ClusterConfig{
			LouvainThreshold: d.LouvainNodeThreshold,
		},
		SimCfg: dedupe.SimilarityConfig{
			LSHThreshold: d.LSHMinItems,
			UseLSH:       d.UseLSH,
			Tables:       d.LSHTables,
			Bits:         d.LSHBits,
			Parallel:     d.SimilarityParallel,
		},
		HierCfg: dedupe.HierarchicalConfig{
			MaxClusterSize: d.MaxClusterSizeForLLM,
			MaxDepth:       d.MaxRecursionDepth,
		},
	}
}
