package sanitize

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

func newTestSanitizer(t *testing.T, mutate func(*config.ValidatorConfig)) *Sanitizer {
	t.Helper()
	cfg := config.Default().Validator
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func TestString(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		maxLen         int
		mutate         func(*config.ValidatorConfig)
		wantValid      bool
		wantType       string
		wantLevel      SecurityLevel
		wantSanitized  string
	}{
		{
			name: "plain string trimmed", input: "  hello world  ",
			wantValid: true, wantSanitized: "hello world",
		},
		{
			name: "too long", input: strings.Repeat("a", 11),
			maxLen: 10, wantValid: false, wantType: "string_length", wantLevel: LevelMedium,
		},
		{
			name: "nul byte", input: "abc\x00def",
			wantValid: false, wantType: "string_content", wantLevel: LevelHigh,
		},
		{
			name: "control character", input: "abc\x01def",
			wantValid: false, wantType: "string_content", wantLevel: LevelHigh,
		},
		{
			name: "tab and newline allowed", input: "a\tb\nc",
			wantValid: true, wantSanitized: "a\tb\nc",
		},
		{
			name: "shell metacharacter", input: "rm -rf /; echo done",
			wantValid: false, wantType: "shell_metacharacter", wantLevel: LevelHigh,
		},
		{
			name:  "shell metacharacters permitted when configured",
			input: "echo hello",
			mutate: func(c *config.ValidatorConfig) {
				c.AllowShellMetachar = true
			},
			wantValid: true, wantSanitized: "echo hello",
		},
		{
			name: "sql injection", input: "x UNION SELECT password",
			wantValid: false, wantType: "injection_pattern", wantLevel: LevelCritical,
		},
		{
			name: "code injection", input: "import subprocess",
			wantValid: false, wantType: "injection_pattern", wantLevel: LevelCritical,
		},
		{
			name:  "strict alphanumeric rejects spaces",
			input: "hello world",
			mutate: func(c *config.ValidatorConfig) {
				c.StrictAlphanumeric = true
			},
			wantValid: false, wantType: "strict_alphanumeric",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSanitizer(t, tt.mutate)
			res := s.String(tt.input, tt.maxLen)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantValid {
				assert.Equal(t, tt.wantSanitized, res.SanitizedValue)
				return
			}
			assert.Equal(t, tt.wantType, res.ValidationType)
			if tt.wantLevel != "" {
				assert.Equal(t, tt.wantLevel, res.SecurityLevel)
			}
			assert.NotEmpty(t, res.ErrorMessage)
		})
	}
}

func TestJSON(t *testing.T) {
	s := newTestSanitizer(t, nil)

	t.Run("valid object", func(t *testing.T) {
		res := s.JSON(`{"max_iterations": 3, "nested": {"a": [1, 2]}}`)
		require.True(t, res.Valid)
		obj, isMap := res.SanitizedValue.(map[string]any)
		require.True(t, isMap)
		assert.Equal(t, float64(3), obj["max_iterations"])
	})

	t.Run("invalid syntax", func(t *testing.T) {
		res := s.JSON(`{"a":`)
		assert.False(t, res.Valid)
		assert.Equal(t, "json_parse", res.ValidationType)
	})

	t.Run("oversized payload", func(t *testing.T) {
		s := newTestSanitizer(t, func(c *config.ValidatorConfig) { c.MaxJSONSize = 16 })
		res := s.JSON(`{"key": "` + strings.Repeat("x", 32) + `"}`)
		assert.False(t, res.Valid)
		assert.Equal(t, "json_size", res.ValidationType)
	})

	t.Run("excessive nesting", func(t *testing.T) {
		nested := strings.Repeat(`{"a":`, 12) + `1` + strings.Repeat(`}`, 12)
		res := s.JSON(nested)
		assert.False(t, res.Valid)
		assert.Equal(t, "json_depth", res.ValidationType)
	})

	t.Run("depth at the limit", func(t *testing.T) {
		nested := strings.Repeat(`{"a":`, 10) + `1` + strings.Repeat(`}`, 10)
		res := s.JSON(nested)
		assert.True(t, res.Valid)
	})
}

func TestPath(t *testing.T) {
	s := newTestSanitizer(t, nil)

	t.Run("traversal rejected", func(t *testing.T) {
		res := s.Path("../etc/passwd", "", false)
		assert.False(t, res.Valid)
		assert.Equal(t, "path_traversal", res.ValidationType)
		assert.Equal(t, LevelHigh, res.SecurityLevel)
	})

	t.Run("home expansion rejected", func(t *testing.T) {
		res := s.Path("~/secrets", "", false)
		assert.False(t, res.Valid)
		assert.Equal(t, "path_traversal", res.ValidationType)
	})

	t.Run("windows device name rejected", func(t *testing.T) {
		res := s.Path("logs/CON.txt", "", false)
		assert.False(t, res.Valid)
	})

	t.Run("absolute without permission", func(t *testing.T) {
		res := s.Path("/etc/hosts", "", false)
		assert.False(t, res.Valid)
		assert.Equal(t, "path_absolute", res.ValidationType)
	})

	t.Run("absolute with permission", func(t *testing.T) {
		res := s.Path("/tmp/work", "", true)
		assert.True(t, res.Valid)
	})

	t.Run("contained in base", func(t *testing.T) {
		base := t.TempDir()
		res := s.Path("sub/file.json", base, false)
		require.True(t, res.Valid)
		abs := res.SanitizedValue.(string)
		assert.True(t, strings.HasPrefix(abs, base+string(filepath.Separator)))
	})

	t.Run("absolute escape from base", func(t *testing.T) {
		res := s.Path("/etc/passwd", t.TempDir(), false)
		assert.False(t, res.Valid)
		assert.Equal(t, "path_traversal", res.ValidationType)
	})
}

func TestJobID(t *testing.T) {
	s := newTestSanitizer(t, nil)

	t.Run("uuid accepted", func(t *testing.T) {
		res := s.JobID(uuid.NewString())
		assert.True(t, res.Valid)
	})

	t.Run("short id accepted", func(t *testing.T) {
		res := s.JobID("job_42-a")
		assert.True(t, res.Valid)
		assert.Equal(t, "job_42-a", res.SanitizedValue)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		res := s.JobID("../etc/passwd")
		assert.False(t, res.Valid)
		assert.Equal(t, "job_id_format", res.ValidationType)
		assert.Equal(t, LevelHigh, res.SecurityLevel)
	})

	t.Run("empty rejected", func(t *testing.T) {
		assert.False(t, s.JobID("").Valid)
	})

	t.Run("over 50 chars rejected", func(t *testing.T) {
		assert.False(t, s.JobID(strings.Repeat("a", 51)).Valid)
	})
}

func TestEnvVar(t *testing.T) {
	s := newTestSanitizer(t, nil)

	assert.True(t, s.EnvVar("CRACKERJACK_MODE", "fast").Valid)
	assert.False(t, s.EnvVar("lowercase", "x").Valid)
	assert.False(t, s.EnvVar("1BAD", "x").Valid)

	res := s.EnvVar("GOOD_NAME", "value; rm -rf /")
	assert.False(t, res.Valid)
	assert.Equal(t, "env_var_value", res.ValidationType)
}

func TestCommandArgs(t *testing.T) {
	s := newTestSanitizer(t, nil)

	t.Run("string split into fields", func(t *testing.T) {
		res := s.CommandArgs("--fast --verbose")
		require.True(t, res.Valid)
		assert.Equal(t, []string{"--fast", "--verbose"}, res.SanitizedValue)
	})

	t.Run("list accepted", func(t *testing.T) {
		res := s.CommandArgs([]string{"--fast", "-t"})
		require.True(t, res.Valid)
		assert.Equal(t, []string{"--fast", "-t"}, res.SanitizedValue)
	})

	t.Run("metacharacter in element rejected", func(t *testing.T) {
		res := s.CommandArgs([]string{"--ok", "bad|pipe"})
		assert.False(t, res.Valid)
		assert.Equal(t, "command_args", res.ValidationType)
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		res := s.CommandArgs(42)
		assert.False(t, res.Valid)
	})
}
