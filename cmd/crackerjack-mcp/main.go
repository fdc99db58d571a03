// crackerjack-mcp server — fronts the Python quality workflow with MCP
// tools, serves progress over WebSocket, and manages job lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/server"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	httpMode := flag.Bool("http", false,
		"Serve MCP over streamable HTTP instead of stdio")
	httpPort := flag.Int("http-port", 0,
		"Port for the HTTP MCP transport (defaults to the configured http_port)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] [project_path] [websocket_port]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Positional arguments: project path, then the progress WebSocket port.
	// Both feed the environment-override layer of the configuration.
	args := flag.Args()
	if len(args) > 0 {
		os.Setenv("CRACKERJACK_PROJECT_PATH", args[0])
	}
	if len(args) > 1 {
		if _, err := strconv.Atoi(args[1]); err != nil {
			slog.Error("websocket_port must be an integer", "value", args[1])
			os.Exit(2)
		}
		os.Setenv("CRACKERJACK_WEBSOCKET_PORT", args[1])
	}

	projectPath := os.Getenv("CRACKERJACK_PROJECT_PATH")
	if projectPath == "" {
		projectPath = "."
	}

	// Load .env from the project before reading configuration.
	envPath := filepath.Join(projectPath, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting crackerjack-mcp",
		"version", version.Full(),
		"project_path", projectPath,
		"transport", transportName(*httpMode))

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, filepath.Join(projectPath, ".crackerjack"))
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	sctx := server.NewContext(cfg)
	if err := sctx.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if *httpMode {
		port := *httpPort
		if port == 0 {
			port = cfg.Server.HTTPPort
		}
		mcpHTTP := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           sctx.MCP.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("MCP HTTP transport listening", "addr", mcpHTTP.Addr)
			if err := mcpHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shCancel()
			_ = mcpHTTP.Shutdown(shCtx)
		}()
	} else {
		go func() {
			errCh <- sctx.MCP.Run(runCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		// A nil error means the client closed the stdio transport.
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Transport error triggered shutdown", "error", err)
			exitCode = 1
		}
	}

	cancel()
	if err := sctx.Shutdown(); err != nil {
		slog.Warn("Shutdown finished with errors", "error", err)
	}
	os.Exit(exitCode)
}

func transportName(httpMode bool) string {
	if httpMode {
		return "http"
	}
	return "stdio"
}
