package mcpserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultCleanAgeHours is the cutoff when the caller does not pick one.
const defaultCleanAgeHours = 24

// initTemplates are the project files seeded by init_crackerjack, copied from
// the server's own project when present.
var initTemplates = []string{
	"pyproject.toml",
	".pre-commit-config.yaml",
	".gitignore",
}

type cleanArgs struct {
	Scope          string `json:"scope,omitempty" jsonschema:"what to clean: temp, progress, cache, or all (default all)"`
	DryRun         bool   `json:"dry_run,omitempty" jsonschema:"report what would be removed without deleting"`
	OlderThanHours int    `json:"older_than_hours,omitempty" jsonschema:"only remove files older than this many hours (default 24)"`
}

type configArgs struct {
	Action string `json:"action" jsonschema:"config operation: list, get, or validate"`
	Key    string `json:"key,omitempty" jsonschema:"setting name for get"`
}

type analyzeProjectArgs struct {
	Scope        string `json:"scope,omitempty" jsonschema:"analysis scope: errors, session, or all (default all)"`
	ReportFormat string `json:"report_format,omitempty" jsonschema:"json for structured output, summary for readable text (default json)"`
}

type initArgs struct {
	TargetPath string `json:"target_path" jsonschema:"directory to initialise"`
	Force      bool   `json:"force,omitempty" jsonschema:"overwrite files that already exist"`
}

func (s *Server) registerMaintenanceTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "clean_crackerjack",
		Description: "Remove aged temp, progress, and cache files. Supports dry runs.",
		Annotations: &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.cleanTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "config_crackerjack",
		Description: "List the effective configuration, read a single setting, or validate the loaded configuration.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, OpenWorldHint: boolPtr(false)},
	}, s.configTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "analyze_crackerjack",
		Description: "Report on accumulated error patterns and session health, as JSON or a readable summary.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, OpenWorldHint: boolPtr(false)},
	}, s.analyzeProjectTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "init_crackerjack",
		Description: "Seed a project directory with the baseline quality-tooling configuration files.",
		Annotations: &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.initTool)
}

// cleanDirs maps a clean scope to the directories it covers.
func (s *Server) cleanDirs(scope string) (map[string]string, error) {
	cfg := s.deps.Config
	all := map[string]string{
		"temp":     filepath.Join(cfg.ConfigDir(), "temp"),
		"progress": cfg.Server.ProgressDir,
		"cache":    cfg.Server.CacheDir,
	}
	if scope == "" || scope == "all" {
		return all, nil
	}
	dir, known := all[scope]
	if !known {
		return nil, fmt.Errorf("unknown scope %q: valid scopes are temp, progress, cache, all", scope)
	}
	return map[string]string{scope: dir}, nil
}

func (s *Server) cleanTool(ctx context.Context, req *mcp.CallToolRequest, args cleanArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	dirs, err := s.cleanDirs(args.Scope)
	if err != nil {
		return failResult(err.Error())
	}
	hours := args.OlderThanHours
	if hours <= 0 {
		hours = defaultCleanAgeHours
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	var (
		files     []string
		totalSize int64
		failures  []string
	)
	for scope, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				failures = append(failures, fmt.Sprintf("%s: %v", scope, err))
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if !args.DryRun {
				if err := os.Remove(path); err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", entry.Name(), err))
					continue
				}
			}
			files = append(files, filepath.Join(scope, entry.Name()))
			totalSize += info.Size()
		}
	}

	s.log.Info("Cleanup finished", "scope", args.Scope, "dry_run", args.DryRun,
		"files", len(files), "bytes", totalSize)
	result := map[string]any{
		"success":          true,
		"dry_run":          args.DryRun,
		"older_than_hours": hours,
		"files_cleaned":    len(files),
		"total_size_bytes": totalSize,
		"files":            files,
	}
	if len(failures) > 0 {
		result["errors"] = failures
	}
	return jsonResult(result)
}

func (s *Server) configTool(ctx context.Context, req *mcp.CallToolRequest, args configArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	cfg := s.deps.Config

	switch args.Action {
	case "list":
		return jsonResult(map[string]any{"success": true, "settings": cfg.Keys()})

	case "get":
		if args.Key == "" {
			return failResult("key is required for get")
		}
		value, known := cfg.Keys()[args.Key]
		if !known {
			return failResult(fmt.Sprintf("unknown setting %q", args.Key))
		}
		return jsonResult(map[string]any{"success": true, "key": args.Key, "value": value})

	case "validate":
		if err := cfg.Validate(); err != nil {
			return jsonResult(map[string]any{"success": true, "valid": false, "error": err.Error()})
		}
		return jsonResult(map[string]any{"success": true, "valid": true})
	}
	return failResult(fmt.Sprintf("unknown action %q: valid actions are list, get, validate", args.Action))
}

func (s *Server) analyzeProjectTool(ctx context.Context, req *mcp.CallToolRequest, args analyzeProjectArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	scope := args.Scope
	if scope == "" {
		scope = "all"
	}
	if scope != "errors" && scope != "session" && scope != "all" {
		return failResult(fmt.Sprintf("unknown scope %q: valid scopes are errors, session, all", scope))
	}

	report := map[string]any{}
	if scope == "errors" || scope == "all" {
		report["error_patterns"] = map[string]any{
			"stats":            s.deps.Cache.Stats(),
			"top_by_frequency": s.deps.Cache.TopByFrequency(10),
			"auto_fixable":     len(s.deps.Cache.AutoFixableOnly()),
			"recent_24h":       len(s.deps.Cache.Recent(24)),
		}
	}
	if scope == "session" || scope == "all" {
		report["session"] = s.deps.Session.Summarize()
	}

	switch args.ReportFormat {
	case "", "json":
		return jsonResult(map[string]any{"success": true, "scope": scope, "report": report})
	case "summary":
		return jsonResult(map[string]any{
			"success": true, "scope": scope, "report": renderSummary(report),
		})
	}
	return failResult(fmt.Sprintf("unknown report format %q: valid formats are json, summary", args.ReportFormat))
}

// renderSummary flattens the structured report into readable lines.
func renderSummary(report map[string]any) string {
	var b strings.Builder
	if errs, present := report["error_patterns"].(map[string]any); present {
		fmt.Fprintf(&b, "Error patterns: %v auto-fixable, %v seen in the last 24h\n",
			errs["auto_fixable"], errs["recent_24h"])
	}
	if summary, present := report["session"]; present {
		fmt.Fprintf(&b, "Session: %+v\n", summary)
	}
	return b.String()
}

func (s *Server) initTool(ctx context.Context, req *mcp.CallToolRequest, args initArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	res := s.deps.Sanitizer.Path(args.TargetPath, "", true)
	if !res.Valid {
		return failResult(fmt.Sprintf("invalid target path: %s", res.ErrorMessage))
	}
	target := res.SanitizedValue.(string)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return failResult(fmt.Sprintf("cannot create target directory: %v", err))
	}

	var copied, skipped []string
	var failures []string
	for _, name := range initTemplates {
		src := filepath.Join(s.deps.Config.Server.ProjectPath, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(target, name)
		if _, err := os.Stat(dst); err == nil && !args.Force {
			skipped = append(skipped, name)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		copied = append(copied, name)
	}

	s.log.Info("Project initialised", "target", target,
		"copied", len(copied), "skipped", len(skipped), "errors", len(failures))
	return jsonResult(map[string]any{
		"success":       len(failures) == 0,
		"target_path":   target,
		"files_copied":  copied,
		"files_skipped": skipped,
		"errors":        failures,
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
