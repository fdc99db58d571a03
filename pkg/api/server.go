// Package api serves the HTTP surface next to the MCP transport: job
// status endpoints, the browser monitor pages, and the WebSocket gateway
// that streams progress snapshots to observers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/jobs"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/sanitize"
)

// Server is the WebSocket/HTTP progress server.
type Server struct {
	cfg       *config.Config
	jobs      *jobs.Manager
	sanitizer *sanitize.Sanitizer
	log       *slog.Logger

	echo       *echo.Echo
	httpServer *http.Server
	connCount  atomic.Int64
}

// NewServer wires the HTTP surface. Start begins listening.
func NewServer(cfg *config.Config, manager *jobs.Manager, sanitizer *sanitize.Sanitizer) *Server {
	s := &Server{
		cfg:       cfg,
		jobs:      manager,
		sanitizer: sanitizer,
		log:       slog.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/", s.rootHandler)
	e.GET("/latest", s.latestHandler)
	e.GET("/monitor/:job_id", s.monitorHandler)
	e.GET("/test", s.testHandler)
	e.GET("/ws/progress/:job_id", s.wsHandler)
	s.echo = e

	return s
}

// Start begins serving on the configured WebSocket port. It returns once
// the listener is running; serve errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.WebSocketPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("starting progress server: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info("Progress server listening", "addr", addr)
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down progress server: %w", err)
	}
	s.log.Info("Progress server stopped")
	return nil
}

// ActiveConnections reports currently open WebSocket connections.
func (s *Server) ActiveConnections() int64 {
	return s.connCount.Load()
}
