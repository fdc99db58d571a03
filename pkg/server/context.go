// Package server composes the application: it owns construction order,
// startup rollback, graceful shutdown, and the status collector that the
// status tools report from.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/admission"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/api"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/batch"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/errcache"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/jobs"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/mcpserver"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/sanitize"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/session"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/workflow"
)

// shutdownGrace bounds each shutdown step that needs its own context.
const shutdownGrace = 10 * time.Second

// startupCleanupAge is the cutoff for terminal progress files removed at
// startup.
const startupCleanupAge = 24 * time.Hour

// startupCacheCleanupDays is the age cutoff for stale error patterns
// removed at startup.
const startupCacheCleanupDays = 30

// Context owns every long-lived component and their lifecycle. Initialize
// builds them in dependency order and rolls back on failure; Shutdown tears
// them down in reverse, best-effort.
type Context struct {
	Config       *config.Config
	Sanitizer    *sanitize.Sanitizer
	Writer       *batch.Writer
	Session      *session.Manager
	Cache        *errcache.Cache
	Admission    *admission.Middleware
	Store        *progress.Store
	Monitor      progress.Monitor
	Jobs         *jobs.Manager
	Orchestrator workflow.Orchestrator
	API          *api.Server
	MCP          *mcpserver.Server
	Collector    *Collector

	log         *slog.Logger
	initialized atomic.Bool
	cleanups    []func() error
}

// NewContext prepares an empty context for the given configuration. Setting
// Orchestrator before Initialize overrides the default subprocess
// orchestrator.
func NewContext(cfg *config.Config) *Context {
	return &Context{
		Config: cfg,
		log:    slog.With("component", "server_context"),
	}
}

// Initialized reports whether Initialize completed and Shutdown has not run.
func (c *Context) Initialized() bool {
	return c.initialized.Load()
}

func (c *Context) pushCleanup(fn func() error) {
	c.cleanups = append(c.cleanups, fn)
}

// Initialize builds every component in dependency order. On any failure the
// already-started components are torn down in reverse before returning.
func (c *Context) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			c.log.Error("Initialization failed, rolling back", "error", err)
			c.teardown()
		}
	}()
	cfg := c.Config
	c.log.Info("Initializing server context", "project_path", cfg.Server.ProjectPath)

	for _, dir := range []string{cfg.Server.ProgressDir, cfg.Server.StateDir, cfg.Server.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	c.Sanitizer = sanitize.New(cfg.Validator)

	c.Writer = batch.NewWriter(cfg.BatchWriter)
	c.Writer.Start()
	c.pushCleanup(func() error { c.Writer.Stop(); return nil })

	c.Session, err = session.NewManager(cfg.Server.StateDir, c.Writer)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	c.Cache, err = errcache.New(cfg.Server.CacheDir, cfg.RateLimit.MaxCacheEntries)
	if err != nil {
		return fmt.Errorf("creating error cache: %w", err)
	}

	c.Admission = admission.NewMiddleware(cfg.RateLimit)
	c.Admission.Start(ctx)
	c.pushCleanup(func() error { c.Admission.Stop(); return nil })

	c.Store, err = progress.NewStore(cfg.Server.ProgressDir, c.Sanitizer, cfg.RateLimit.MaxFileSizeBytes())
	if err != nil {
		return fmt.Errorf("creating progress store: %w", err)
	}
	c.Monitor = progress.NewMonitor(c.Store)
	if err := c.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting progress monitor: %w", err)
	}
	c.pushCleanup(func() error { c.Monitor.Stop(); return nil })

	c.Jobs = jobs.NewManager(c.Store, c.Monitor)
	c.Jobs.Start(ctx)
	c.pushCleanup(func() error { c.Jobs.Stop(); return nil })

	if c.Orchestrator == nil {
		c.Orchestrator = workflow.NewExecOrchestrator(nil, cfg.Server.ProjectPath)
	}

	c.API = api.NewServer(cfg, c.Jobs, c.Sanitizer)
	if err := c.API.Start(ctx); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}
	c.pushCleanup(func() error {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return c.API.Shutdown(shCtx)
	})

	c.probeGitRepo()
	c.runStartupMaintenance()

	c.Collector = NewCollector(cfg.Status)
	c.registerCollectors()

	c.MCP = mcpserver.New(mcpserver.Deps{
		Config:            cfg,
		Sanitizer:         c.Sanitizer,
		Cache:             c.Cache,
		Session:           c.Session,
		Admission:         c.Admission,
		Jobs:              c.Jobs,
		Store:             c.Store,
		Orchestrator:      c.Orchestrator,
		Status:            c.Collector,
		Initialized:       c.Initialized,
		ActiveConnections: c.API.ActiveConnections,
	})

	c.initialized.Store(true)
	c.log.Info("Server context initialized")
	return nil
}

// Shutdown tears components down in reverse construction order. Every step
// runs even when an earlier one fails; failures are joined into the return.
func (c *Context) Shutdown() error {
	if !c.initialized.CompareAndSwap(true, false) {
		return nil
	}
	c.log.Info("Shutting down server context")
	err := c.teardown()
	c.log.Info("Server context shut down")
	return err
}

func (c *Context) teardown() error {
	var errs []error
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		if err := c.cleanups[i](); err != nil {
			c.log.Warn("Shutdown step failed", "error", err)
			errs = append(errs, err)
		}
	}
	c.cleanups = nil
	return errors.Join(errs...)
}

// probeGitRepo logs whether the project is a git repository. Informational
// only; the server runs either way.
func (c *Context) probeGitRepo() {
	gitDir := filepath.Join(c.Config.Server.ProjectPath, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		c.log.Info("Git repository detected", "path", c.Config.Server.ProjectPath)
		return
	}
	c.log.Info("Project is not a git repository", "path", c.Config.Server.ProjectPath)
}

// runStartupMaintenance removes leftovers from earlier runs: terminal
// progress files past the age cutoff and stale cached error patterns.
func (c *Context) runStartupMaintenance() {
	if removed := c.Monitor.CleanupCompleted(startupCleanupAge); removed > 0 {
		c.log.Info("Removed aged progress files at startup", "count", removed)
	}
	if removed := c.Cache.CleanupOld(startupCacheCleanupDays); removed > 0 {
		c.log.Info("Removed stale error patterns at startup", "count", removed)
	}
}

func (c *Context) registerCollectors() {
	c.Collector.Register("config", func(context.Context) (any, error) {
		return c.Config.Keys(), nil
	})
	c.Collector.Register("session", func(context.Context) (any, error) {
		return c.Session.Summarize(), nil
	})
	c.Collector.Register("jobs", func(context.Context) (any, error) {
		broadcasts, dropped := c.Jobs.Stats()
		delivered, queueDropped := c.Jobs.QueueStats()
		return map[string]any{
			"connections":        c.Jobs.ConnectionCount(),
			"broadcasts_sent":    broadcasts,
			"broadcasts_dropped": dropped,
			"events_delivered":   delivered,
			"events_dropped":     queueDropped,
		}, nil
	})
	c.Collector.Register("rate_limit", func(context.Context) (any, error) {
		return map[string]any{
			"denials":             c.Admission.Limiter.Denials(),
			"requests_per_minute": c.Config.RateLimit.RequestsPerMinute,
			"requests_per_hour":   c.Config.RateLimit.RequestsPerHour,
		}, nil
	})
	c.Collector.Register("resources", func(context.Context) (any, error) {
		status := map[string]any{
			"active_jobs":         c.Admission.Monitor.ActiveCount(),
			"max_concurrent_jobs": c.Config.RateLimit.MaxConcurrentJobs,
		}
		if err := c.Admission.Monitor.CheckProgressDir(c.Store.Dir()); err != nil {
			status["progress_dir_warning"] = err.Error()
		}
		return status, nil
	})
	c.Collector.Register("cache", func(context.Context) (any, error) {
		return c.Cache.Stats(), nil
	})
	c.Collector.Register("progress", func(context.Context) (any, error) {
		ids, err := c.Store.List()
		if err != nil {
			return nil, err
		}
		latest, err := c.Store.Latest()
		if err != nil && !errors.Is(err, progress.ErrNotFound) {
			return nil, err
		}
		return map[string]any{"job_count": len(ids), "latest_job": latest}, nil
	})
	c.Collector.Register("websocket", func(context.Context) (any, error) {
		return map[string]any{
			"active_connections": c.API.ActiveConnections(),
			"max_connections":    c.Config.WebSocket.MaxConcurrentConnections,
		}, nil
	})
}
