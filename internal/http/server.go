// Package http serves the agent over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/plan"
	"github.com/fyrsmithlabs/agentd/internal/session"
	"github.com/fyrsmithlabs/agentd/internal/synth"
)

// Agent is the part of the coordinator the server exposes.
type Agent interface {
	Handle(ctx context.Context, req plan.Request) synth.Response
	Insights(sessionID string) session.Insights
	Plans(ctx context.Context, sessionID string, limit int) ([]plan.Record, error)
	Clear(ctx context.Context, sessionID string)
	Sessions() []string
}

// Server provides HTTP endpoints for the agent.
type Server struct {
	echo    *echo.Echo
	agent   Agent
	logger  *zap.Logger
	config  *Config
	metrics *Metrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Meter records HTTP metrics; nil uses the global provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(agent Agent, logger *zap.Logger, cfg *Config) (*Server, error) {
	if agent == nil {
		return nil, fmt.Errorf("agent cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		agent:   agent,
		logger:  logger.Named("http"),
		config:  cfg,
		metrics: NewMetrics(cfg.Meter, logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions/:id/requests", s.handleRequest)
	v1.GET("/sessions/:id/insights", s.handleInsights)
	v1.GET("/sessions/:id/plans", s.handlePlans)
	v1.DELETE("/sessions/:id", s.handleClear)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Sessions: len(s.agent.Sessions())})
}

// handleRequest runs one request through the coordinator. Failed responses
// carry 422 so callers can tell them from transport errors.
func (s *Server) handleRequest(c echo.Context) error {
	var body AskRequest
	if err := c.Bind(&body); err != nil {
		s.logger.Warn("invalid ask request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := s.agent.Handle(c.Request().Context(), plan.Request{
		ID:        c.Response().Header().Get(echo.HeaderXRequestID),
		SessionID: c.Param("id"),
		Text:      body.Text,
		Hint:      body.Hint,
	})
	c.Set(agentStatusKey, string(resp.Status))
	if resp.Status == synth.StatusFailed {
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInsights(c echo.Context) error {
	return c.JSON(http.StatusOK, s.agent.Insights(c.Param("id")))
}

func (s *Server) handlePlans(c echo.Context) error {
	limit := 0
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	recs, err := s.agent.Plans(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error("listing plans failed", zap.String("session.id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing plans failed")
	}
	if recs == nil {
		recs = []plan.Record{}
	}
	return c.JSON(http.StatusOK, PlansResponse{SessionID: c.Param("id"), Plans: recs})
}

func (s *Server) handleClear(c echo.Context) error {
	s.agent.Clear(c.Request().Context(), c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
