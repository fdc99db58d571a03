// Package sanitize validates untrusted tool-call input: free-form strings,
// JSON payloads, filesystem paths, job identifiers, environment variables,
// and command arguments. Every check returns a uniform Result so callers can
// format identical error responses, and every rejection is logged through a
// dedicated security logger.
package sanitize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

// SecurityLevel grades how suspicious a rejected input is.
type SecurityLevel string

const (
	LevelLow      SecurityLevel = "low"
	LevelMedium   SecurityLevel = "medium"
	LevelHigh     SecurityLevel = "high"
	LevelCritical SecurityLevel = "critical"
)

// Result is the outcome of a single validation. SanitizedValue is only set
// when Valid is true.
type Result struct {
	Valid          bool
	SanitizedValue any
	ErrorMessage   string
	SecurityLevel  SecurityLevel
	ValidationType string
}

// Sanitizer performs input validation against a configured set of limits.
// It is stateless apart from the rolling failure counter and safe for
// concurrent use.
type Sanitizer struct {
	cfg *config.ValidatorConfig
	log *slog.Logger

	mu       sync.Mutex
	failures []time.Time
}

// New builds a Sanitizer around the given limits.
func New(cfg *config.ValidatorConfig) *Sanitizer {
	return &Sanitizer{
		cfg: cfg,
		log: slog.With("component", "security"),
	}
}

// ok wraps an accepted value.
func ok(value any, validationType string) Result {
	return Result{
		Valid:          true,
		SanitizedValue: value,
		SecurityLevel:  LevelLow,
		ValidationType: validationType,
	}
}

// reject records and logs a failed validation.
func (s *Sanitizer) reject(validationType, msg string, level SecurityLevel) Result {
	s.trackFailure()
	s.log.Warn("Input validation failed",
		"validation_type", validationType,
		"reason", msg,
		"severity", string(level))
	return Result{
		Valid:          false,
		ErrorMessage:   msg,
		SecurityLevel:  level,
		ValidationType: validationType,
	}
}

func (s *Sanitizer) trackFailure() {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = append(kept, now)
	if len(s.failures) > s.cfg.MaxFailuresPerMin {
		s.log.Error("Validation failure rate exceeded",
			"failures_last_minute", len(s.failures),
			"limit", s.cfg.MaxFailuresPerMin,
			"severity", string(LevelCritical))
	}
}

// String validates a free-form string field. maxLen of 0 falls back to the
// configured MaxStringLength. The accepted value is whitespace-trimmed.
func (s *Sanitizer) String(value string, maxLen int) Result {
	if maxLen <= 0 {
		maxLen = s.cfg.MaxStringLength
	}
	if len(value) > maxLen {
		return s.reject("string_length",
			fmt.Sprintf("string exceeds maximum length of %d", maxLen), LevelMedium)
	}
	for _, r := range value {
		if r == 0 {
			return s.reject("string_content", "string contains NUL byte", LevelHigh)
		}
		if unicode.IsControl(r) && r != '\t' && r != '\r' && r != '\n' {
			return s.reject("string_content", "string contains control characters", LevelHigh)
		}
	}
	if !s.cfg.AllowShellMetachar {
		if i := strings.IndexAny(value, shellMetachars); i >= 0 {
			return s.reject("shell_metacharacter",
				fmt.Sprintf("string contains shell metacharacter %q", value[i]), LevelHigh)
		}
	}
	if pat := matchInjection(value); pat != "" {
		return s.reject("injection_pattern",
			fmt.Sprintf("string matches %s signature", pat), LevelCritical)
	}
	trimmed := strings.TrimSpace(value)
	if s.cfg.StrictAlphanumeric && !strictAlphanumericRe.MatchString(trimmed) {
		return s.reject("strict_alphanumeric",
			"string must contain only letters, digits, underscore, or hyphen", LevelMedium)
	}
	return ok(trimmed, "string")
}

// JSON validates and parses a raw JSON document, bounding both serialised
// size and nesting depth. The sanitised value is the parsed structure.
func (s *Sanitizer) JSON(raw string) Result {
	if len(raw) > s.cfg.MaxJSONSize {
		return s.reject("json_size",
			fmt.Sprintf("JSON exceeds maximum size of %d bytes", s.cfg.MaxJSONSize), LevelMedium)
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return s.reject("json_parse", fmt.Sprintf("invalid JSON: %v", err), LevelLow)
	}
	if depth := jsonDepth(parsed); depth > s.cfg.MaxJSONDepth {
		return s.reject("json_depth",
			fmt.Sprintf("JSON nesting depth %d exceeds maximum of %d", depth, s.cfg.MaxJSONDepth), LevelMedium)
	}
	return ok(parsed, "json")
}

func jsonDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// Path validates a filesystem path. When baseDir is non-empty the resolved
// path must stay inside it. Without a base, absolute paths are rejected
// unless allowAbsolute is set.
func (s *Sanitizer) Path(path, baseDir string, allowAbsolute bool) Result {
	if path == "" {
		return s.reject("path_format", "empty path", LevelLow)
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if isDangerousComponent(part) {
			return s.reject("path_traversal",
				fmt.Sprintf("path contains dangerous component %q", part), LevelHigh)
		}
	}
	if baseDir != "" {
		absBase, err := filepath.Abs(baseDir)
		if err != nil {
			return s.reject("path_format", fmt.Sprintf("cannot resolve base directory: %v", err), LevelMedium)
		}
		joined := path
		if !filepath.IsAbs(path) {
			joined = filepath.Join(absBase, path)
		}
		absPath, err := filepath.Abs(joined)
		if err != nil {
			return s.reject("path_format", fmt.Sprintf("cannot resolve path: %v", err), LevelMedium)
		}
		rel, err := filepath.Rel(absBase, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return s.reject("path_traversal",
				"path escapes the permitted base directory", LevelHigh)
		}
		return ok(absPath, "path")
	}
	if filepath.IsAbs(path) && !allowAbsolute {
		return s.reject("path_absolute", "absolute paths are not permitted", LevelMedium)
	}
	return ok(filepath.Clean(path), "path")
}

// JobID validates a job identifier: a UUID, or 1-50 characters drawn from
// letters, digits, underscore, and hyphen.
func (s *Sanitizer) JobID(id string) Result {
	if len(id) > s.cfg.MaxJobIDLength {
		return s.reject("job_id_format",
			fmt.Sprintf("job id exceeds maximum length of %d", s.cfg.MaxJobIDLength), LevelMedium)
	}
	if _, err := uuid.Parse(id); err == nil {
		return ok(id, "job_id")
	}
	if !jobIDRe.MatchString(id) {
		return s.reject("job_id_format",
			"job id must be a UUID or 1-50 characters of [A-Za-z0-9_-]", LevelHigh)
	}
	return ok(id, "job_id")
}

// EnvVar validates an environment variable assignment.
func (s *Sanitizer) EnvVar(name, value string) Result {
	if !envNameRe.MatchString(name) {
		return s.reject("env_var_name",
			fmt.Sprintf("invalid environment variable name %q", name), LevelMedium)
	}
	if res := s.String(value, s.cfg.MaxStringLength); !res.Valid {
		res.ValidationType = "env_var_value"
		return res
	}
	return ok(map[string]string{"name": name, "value": value}, "env_var")
}

// CommandArgs validates command arguments given either as a single string
// or as a list. Each element is bounded by MaxCommandLength and checked as
// a string.
func (s *Sanitizer) CommandArgs(args any) Result {
	switch v := args.(type) {
	case string:
		if res := s.String(v, s.cfg.MaxCommandLength); !res.Valid {
			res.ValidationType = "command_args"
			return res
		}
		return ok(strings.Fields(strings.TrimSpace(v)), "command_args")
	case []string:
		out := make([]string, 0, len(v))
		for _, arg := range v {
			res := s.String(arg, s.cfg.MaxCommandLength)
			if !res.Valid {
				res.ValidationType = "command_args"
				return res
			}
			out = append(out, res.SanitizedValue.(string))
		}
		return ok(out, "command_args")
	default:
		return s.reject("command_args",
			fmt.Sprintf("command arguments must be a string or list of strings, got %T", args), LevelMedium)
	}
}
