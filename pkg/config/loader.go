package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// configFileName is looked up inside the config directory.
const configFileName = "crackerjack-mcp.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Start from documented defaults
//  2. Overlay the YAML file if present
//  3. Overlay environment variables
//  4. Resolve filesystem layout relative to the project path
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := Default()
	cfg.configDir = configDir

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		log.Info("Loaded configuration file", "path", path)
	case errors.Is(err, os.ErrNotExist):
		log.Info("No configuration file found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Configuration initialized",
		"project_path", cfg.Server.ProjectPath,
		"progress_dir", cfg.Server.ProgressDir,
		"stdio_mode", cfg.Server.StdioMode)
	return cfg, nil
}

// resolvePaths fills in the default on-disk layout for any directory the
// file or environment did not set. Everything lives under a .crackerjack
// directory inside the project.
func (c *Config) resolvePaths() {
	if c.Server.ProjectPath == "" {
		c.Server.ProjectPath = "."
	}
	base := filepath.Join(c.Server.ProjectPath, ".crackerjack")
	if c.Server.ProgressDir == "" {
		c.Server.ProgressDir = filepath.Join(base, "progress")
	}
	if c.Server.StateDir == "" {
		c.Server.StateDir = filepath.Join(base, "state")
	}
	if c.Server.CacheDir == "" {
		c.Server.CacheDir = filepath.Join(base, "cache")
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.RequestsPerHour < c.RateLimit.RequestsPerMinute {
		return fmt.Errorf("rate_limit.requests_per_hour (%d) must be >= requests_per_minute (%d)",
			c.RateLimit.RequestsPerHour, c.RateLimit.RequestsPerMinute)
	}
	if c.RateLimit.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent_jobs must be positive, got %d", c.RateLimit.MaxConcurrentJobs)
	}
	if c.Validator.MaxJSONDepth <= 0 {
		return fmt.Errorf("validator.max_json_depth must be positive, got %d", c.Validator.MaxJSONDepth)
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket.max_message_size must be positive, got %d", c.WebSocket.MaxMessageSize)
	}
	if len(c.WebSocket.AllowedOrigins) == 0 {
		return fmt.Errorf("websocket.allowed_origins must not be empty")
	}
	if c.BatchWriter.DebounceDelay <= 0 {
		return fmt.Errorf("batch_writer.debounce_delay must be positive, got %v", c.BatchWriter.DebounceDelay)
	}
	if c.BatchWriter.MaxBatchSize <= 0 {
		return fmt.Errorf("batch_writer.max_batch_size must be positive, got %d", c.BatchWriter.MaxBatchSize)
	}
	return nil
}

// applyEnvOverrides overlays CRACKERJACK_* environment variables.
func applyEnvOverrides(c *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				slog.Warn("Ignoring non-boolean environment override", "key", key, "value", v)
			}
		}
	}

	setString("CRACKERJACK_PROJECT_PATH", &c.Server.ProjectPath)
	setString("CRACKERJACK_PROGRESS_DIR", &c.Server.ProgressDir)
	setString("CRACKERJACK_STATE_DIR", &c.Server.StateDir)
	setString("CRACKERJACK_CACHE_DIR", &c.Server.CacheDir)
	setBool("CRACKERJACK_STDIO_MODE", &c.Server.StdioMode)
	setInt("CRACKERJACK_WEBSOCKET_PORT", &c.Server.WebSocketPort)
	setInt("CRACKERJACK_HTTP_PORT", &c.Server.HTTPPort)

	setInt("CRACKERJACK_REQUESTS_PER_MINUTE", &c.RateLimit.RequestsPerMinute)
	setInt("CRACKERJACK_REQUESTS_PER_HOUR", &c.RateLimit.RequestsPerHour)
	setInt("CRACKERJACK_MAX_CONCURRENT_JOBS", &c.RateLimit.MaxConcurrentJobs)
	setInt("CRACKERJACK_MAX_JOB_DURATION_MINUTES", &c.RateLimit.MaxJobDurationMinutes)

	setBool("CRACKERJACK_ALLOW_SHELL_METACHARACTERS", &c.Validator.AllowShellMetachar)
	setBool("CRACKERJACK_STRICT_ALPHANUMERIC", &c.Validator.StrictAlphanumeric)
}

// Keys returns the flat list of configuration keys known to the
// config_crackerjack tool, with their current values.
func (c *Config) Keys() map[string]any {
	return map[string]any{
		"server.project_path":                  c.Server.ProjectPath,
		"server.progress_dir":                  c.Server.ProgressDir,
		"server.state_dir":                     c.Server.StateDir,
		"server.cache_dir":                     c.Server.CacheDir,
		"server.stdio_mode":                    c.Server.StdioMode,
		"rate_limit.requests_per_minute":       c.RateLimit.RequestsPerMinute,
		"rate_limit.requests_per_hour":         c.RateLimit.RequestsPerHour,
		"rate_limit.max_concurrent_jobs":       c.RateLimit.MaxConcurrentJobs,
		"rate_limit.max_job_duration_minutes":  c.RateLimit.MaxJobDurationMinutes,
		"rate_limit.max_file_size_mb":          c.RateLimit.MaxFileSizeMB,
		"rate_limit.max_progress_files":        c.RateLimit.MaxProgressFiles,
		"validator.max_string_length":          c.Validator.MaxStringLength,
		"validator.max_job_id_length":          c.Validator.MaxJobIDLength,
		"validator.max_json_size":              c.Validator.MaxJSONSize,
		"validator.max_json_depth":             c.Validator.MaxJSONDepth,
		"validator.allow_shell_metacharacters": c.Validator.AllowShellMetachar,
		"validator.strict_alphanumeric_mode":   c.Validator.StrictAlphanumeric,
		"websocket.max_message_size":           c.WebSocket.MaxMessageSize,
		"websocket.max_messages_per_connection": c.WebSocket.MaxMessagesPerConnection,
		"websocket.max_concurrent_connections": c.WebSocket.MaxConcurrentConnections,
		"batch_writer.debounce_delay":          c.BatchWriter.DebounceDelay.String(),
		"batch_writer.max_batch_size":          c.BatchWriter.MaxBatchSize,
		"status.cache_ttl":                     c.Status.CacheTTL.String(),
	}
}
