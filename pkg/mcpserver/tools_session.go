package mcpserver

import (
	"context"
	"fmt"
	"regexp"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type sessionArgs struct {
	Action string `json:"action" jsonschema:"session operation: start, checkpoint, restore, list_checkpoints, complete, or reset"`
	Name   string `json:"name,omitempty" jsonschema:"checkpoint name for checkpoint and restore; omitted checkpoint names are synthesised"`
}

type analyzeErrorsArgs struct {
	Output             string `json:"output" jsonschema:"raw tool output to analyse"`
	Tool               string `json:"tool,omitempty" jsonschema:"tool that produced the output (ruff, pyright, bandit); all parsers are tried when omitted"`
	IncludeSuggestions bool   `json:"include_suggestions,omitempty" jsonschema:"include per-category fix suggestions"`
}

func (s *Server) registerSessionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_management",
		Description: "Manage the workflow session: start or reset it, save and restore named checkpoints, or mark it complete.",
		Annotations: &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.sessionTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "analyze_errors",
		Description: "Parse raw tool output into cached error patterns and categorise the failures found, optionally with fix suggestions.",
		Annotations: &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.analyzeErrorsTool)
}

func (s *Server) sessionTool(ctx context.Context, req *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	mgr := s.deps.Session

	switch args.Action {
	case "start", "reset":
		id := mgr.Reset()
		return jsonResult(map[string]any{"success": true, "action": args.Action, "session_id": id})

	case "checkpoint":
		name, err := mgr.SaveCheckpoint(args.Name)
		if err != nil {
			return failResult(fmt.Sprintf("checkpoint failed: %v", err))
		}
		return jsonResult(map[string]any{"success": true, "action": "checkpoint", "checkpoint": name})

	case "restore":
		if err := mgr.LoadCheckpoint(args.Name); err != nil {
			return failResult(fmt.Sprintf("restore failed: %v", err))
		}
		return jsonResult(map[string]any{
			"success": true, "action": "restore",
			"checkpoint": args.Name, "session_id": mgr.SessionID(),
		})

	case "list_checkpoints":
		checkpoints, err := mgr.ListCheckpoints()
		if err != nil {
			return failResult(fmt.Sprintf("listing checkpoints failed: %v", err))
		}
		return jsonResult(map[string]any{"success": true, "checkpoints": checkpoints})

	case "complete":
		mgr.Complete()
		return jsonResult(map[string]any{
			"success": true, "action": "complete", "summary": mgr.Summarize(),
		})
	}
	return failResult(fmt.Sprintf("unknown action %q: valid actions are start, checkpoint, restore, list_checkpoints, complete, reset", args.Action))
}

// errorCategories maps a failure family to the output shapes that reveal it.
var errorCategories = []struct {
	name       string
	re         *regexp.Regexp
	suggestion string
}{
	{"type", regexp.MustCompile(`(?i)TypeError|incompatible type|type error`),
		"Check annotations and argument types at the reported locations; run the comprehensive stage after fixing."},
	{"import", regexp.MustCompile(`(?i)ImportError|ModuleNotFoundError|cannot import`),
		"Verify the dependency is declared and installed; check for circular imports."},
	{"attribute", regexp.MustCompile(`(?i)AttributeError|has no attribute`),
		"The attribute may have been renamed or the object is of an unexpected type."},
	{"syntax", regexp.MustCompile(`(?i)SyntaxError|invalid syntax`),
		"Fix the syntax error first; later diagnostics are unreliable until it parses."},
	{"test_failure", regexp.MustCompile(`FAILED|AssertionError`),
		"Re-run the failing tests in isolation with the tests stage and verbose output."},
	{"hook_failure", regexp.MustCompile(`(?i)hook .*failed|pre-commit`),
		"Run the fast stage to reproduce, then fix the hook's findings."},
}

// parserTools are the outputs with dedicated line parsers in the cache.
var parserTools = []string{"ruff", "pyright", "bandit"}

func (s *Server) analyzeErrorsTool(ctx context.Context, req *mcp.CallToolRequest, args analyzeErrorsArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	// Tool output is parsed, never executed, so only its size is bounded.
	if max := s.deps.Config.Validator.MaxJSONSize; len(args.Output) > max {
		return failResult(fmt.Sprintf("output exceeds maximum size of %d bytes", max))
	}

	tools := parserTools
	if args.Tool != "" {
		tools = []string{args.Tool}
	}
	cached := 0
	for _, tool := range tools {
		cached += len(s.deps.Cache.AnalyzeOutput(args.Output, tool))
	}

	categories := []string{}
	suggestions := map[string]string{}
	for _, cat := range errorCategories {
		if cat.re.MatchString(args.Output) {
			categories = append(categories, cat.name)
			if args.IncludeSuggestions {
				suggestions[cat.name] = cat.suggestion
			}
		}
	}

	result := map[string]any{
		"success":           true,
		"error_types":       categories,
		"patterns_cached":   cached,
		"raw_output_length": len(args.Output),
	}
	if args.IncludeSuggestions {
		result["suggestions"] = suggestions
	}
	return jsonResult(result)
}
