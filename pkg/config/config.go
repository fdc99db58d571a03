// Package config defines the server configuration: rate limiting, input
// validation, WebSocket security, batched writer tuning, and filesystem
// layout. Configuration is loaded from an optional YAML file and overridden
// by environment variables.
package config

import (
	"time"
)

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string

	Server      *ServerConfig      `yaml:"server"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit"`
	Validator   *ValidatorConfig   `yaml:"validator"`
	WebSocket   *WebSocketConfig   `yaml:"websocket"`
	BatchWriter *BatchWriterConfig `yaml:"batch_writer"`
	Status      *StatusConfig      `yaml:"status"`
}

// ServerConfig holds process-level settings and the on-disk layout.
type ServerConfig struct {
	ProjectPath string `yaml:"project_path"`
	ProgressDir string `yaml:"progress_dir"`
	StateDir    string `yaml:"state_dir"`
	CacheDir    string `yaml:"cache_dir"`
	StdioMode   bool   `yaml:"stdio_mode"`

	WebSocketPort int `yaml:"websocket_port"`
	HTTPPort      int `yaml:"http_port"`
}

// RateLimitConfig bounds request rates and concurrent job usage.
type RateLimitConfig struct {
	RequestsPerMinute     int `yaml:"requests_per_minute"`
	RequestsPerHour       int `yaml:"requests_per_hour"`
	MaxConcurrentJobs     int `yaml:"max_concurrent_jobs"`
	MaxJobDurationMinutes int `yaml:"max_job_duration_minutes"`
	MaxFileSizeMB         int `yaml:"max_file_size_mb"`
	MaxProgressFiles      int `yaml:"max_progress_files"`
	MaxCacheEntries       int `yaml:"max_cache_entries"`
	MaxStateHistory       int `yaml:"max_state_history"`
}

// ValidatorConfig bounds accepted input shapes for the sanitiser.
type ValidatorConfig struct {
	MaxStringLength    int  `yaml:"max_string_length"`
	MaxProjectNameLen  int  `yaml:"max_project_name_length"`
	MaxJobIDLength     int  `yaml:"max_job_id_length"`
	MaxCommandLength   int  `yaml:"max_command_length"`
	MaxJSONSize        int  `yaml:"max_json_size"`
	MaxJSONDepth       int  `yaml:"max_json_depth"`
	MaxFailuresPerMin  int  `yaml:"max_validation_failures_per_minute"`
	AllowShellMetachar bool `yaml:"allow_shell_metacharacters"`
	StrictAlphanumeric bool `yaml:"strict_alphanumeric_mode"`
}

// WebSocketConfig bounds the streaming channel.
type WebSocketConfig struct {
	MaxMessageSize           int           `yaml:"max_message_size"`
	MaxMessagesPerConnection int           `yaml:"max_messages_per_connection"`
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
	MessagesPerSecond        int           `yaml:"messages_per_second"`
	AllowedOrigins           []string      `yaml:"allowed_origins"`
	ReceiveTimeout           time.Duration `yaml:"receive_timeout"`
	SendTimeout              time.Duration `yaml:"send_timeout"`
	ConnectionTimeout        time.Duration `yaml:"connection_timeout"`
}

// BatchWriterConfig tunes state-save debouncing.
type BatchWriterConfig struct {
	DebounceDelay time.Duration `yaml:"debounce_delay"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
}

// StatusConfig bounds the status collector.
type StatusConfig struct {
	CollectorTimeout time.Duration `yaml:"collector_timeout"`
	LockAcquireWait  time.Duration `yaml:"lock_acquire_wait"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: &ServerConfig{
			ProjectPath:   ".",
			StdioMode:     true,
			WebSocketPort: 8675,
			HTTPPort:      8676,
		},
		RateLimit: &RateLimitConfig{
			RequestsPerMinute:     30,
			RequestsPerHour:       300,
			MaxConcurrentJobs:     5,
			MaxJobDurationMinutes: 30,
			MaxFileSizeMB:         100,
			MaxProgressFiles:      1000,
			MaxCacheEntries:       10000,
			MaxStateHistory:       100,
		},
		Validator: &ValidatorConfig{
			MaxStringLength:    10000,
			MaxProjectNameLen:  255,
			MaxJobIDLength:     128,
			MaxCommandLength:   1000,
			MaxJSONSize:        1 << 20,
			MaxJSONDepth:       10,
			MaxFailuresPerMin:  10,
			AllowShellMetachar: false,
			StrictAlphanumeric: false,
		},
		WebSocket: &WebSocketConfig{
			MaxMessageSize:           1 << 20,
			MaxMessagesPerConnection: 10000,
			MaxConcurrentConnections: 100,
			MessagesPerSecond:        100,
			AllowedOrigins: []string{
				"http://localhost",
				"http://127.0.0.1",
				"https://localhost",
				"https://127.0.0.1",
			},
			ReceiveTimeout:    25 * time.Second,
			SendTimeout:       5 * time.Second,
			ConnectionTimeout: time.Hour,
		},
		BatchWriter: &BatchWriterConfig{
			DebounceDelay: time.Second,
			MaxBatchSize:  10,
		},
		Status: &StatusConfig{
			CollectorTimeout: 30 * time.Second,
			LockAcquireWait:  5 * time.Second,
			CacheTTL:         5 * time.Second,
		},
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// MaxJobDuration returns the stale-job cutoff as a duration.
func (c *RateLimitConfig) MaxJobDuration() time.Duration {
	return time.Duration(c.MaxJobDurationMinutes) * time.Minute
}

// MaxFileSizeBytes returns the progress-file size cap in bytes.
func (c *RateLimitConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}
