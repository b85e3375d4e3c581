// Package api provides the HTTP surface of the execution engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/look4regev/agent-tool-protocol/pkg/config"
	"github.com/look4regev/agent-tool-protocol/pkg/orchestrator"
	"github.com/look4regev/agent-tool-protocol/pkg/session"
	"github.com/look4regev/agent-tool-protocol/pkg/store"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	tokens   *session.TokenManager
	registry *tools.Registry
	metrics  *store.Metrics
	promReg  *prometheus.Registry
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	sessions *session.Manager,
	tokens *session.TokenManager,
	registry *tools.Registry,
	metrics *store.Metrics,
	promReg *prometheus.Registry,
) *Server {
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		orch:     orch,
		sessions: sessions,
		tokens:   tokens,
		registry: registry,
		metrics:  metrics,
		promReg:  promReg,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// Body limit sits above MaxCodeSize to cover the JSON envelope; the
	// per-field code size check still produces the precise 413.
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger())

	s.echo.GET("/info", s.infoHandler)
	s.echo.GET("/health", s.healthHandler)
	if s.promReg != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))
	}
	s.echo.POST("/init", s.initHandler)

	authed := s.echo.Group("", s.authMiddleware())
	authed.GET("/definitions", s.definitionsHandler)
	authed.POST("/provide/services", s.provideServicesHandler)
	authed.POST("/provide/tools", s.provideToolsHandler)
	authed.POST("/execute", s.executeHandler)
	authed.POST("/resume/:execution_id", s.resumeHandler)
	authed.POST("/executions/:execution_id/cancel", s.cancelHandler)
	authed.POST("/disconnect", s.disconnectHandler)
}

// Start begins serving; it blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server listening", "port", port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }
