package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/session"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/version"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/workflow"
)

type emptyArgs struct{}

type filteredStatusArgs struct {
	Components []string `json:"components" jsonschema:"component names to include, e.g. session, jobs, cache, rate_limit, websocket"`
}

func (s *Server) registerStatusTools() {
	readOnly := func(desc string) *mcp.Tool {
		return &mcp.Tool{
			Description: desc,
			Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, OpenWorldHint: boolPtr(false)},
		}
	}

	stageStatus := readOnly("Return per-stage statuses and the session issue summary.")
	stageStatus.Name = "get_stage_status"
	mcp.AddTool(s.mcp, stageStatus, s.stageStatusTool)

	nextAction := readOnly("Recommend the next workflow action from current stage statuses and open issues.")
	nextAction.Name = "get_next_action"
	mcp.AddTool(s.mcp, nextAction, s.nextActionTool)

	serverStats := readOnly("Return server runtime statistics: uptime, job counters, rate-limit denials, connections, and cache sizes.")
	serverStats.Name = "get_server_stats"
	mcp.AddTool(s.mcp, serverStats, s.serverStatsTool)

	comprehensive := readOnly("Collect status from every server component.")
	comprehensive.Name = "get_comprehensive_status"
	mcp.AddTool(s.mcp, comprehensive, s.comprehensiveStatusTool)

	filtered := readOnly("Collect status from a chosen subset of server components.")
	filtered.Name = "get_filtered_status"
	mcp.AddTool(s.mcp, filtered, s.filteredStatusTool)
}

func (s *Server) stageStatusTool(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	state := s.deps.Session.Snapshot()
	return jsonResult(map[string]any{
		"success":       true,
		"session_id":    state.SessionID,
		"current_stage": state.CurrentStage,
		"stages":        state.Stages,
		"summary":       s.deps.Session.Summarize(),
	})
}

func (s *Server) nextActionTool(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	action, reason := nextAction(s.deps.Session)
	return jsonResult(map[string]any{
		"success":     true,
		"next_action": action,
		"reason":      reason,
	})
}

// nextAction derives a recommendation: critical issues outrank failed stages,
// which outrank the first stage not yet completed in workflow order.
func nextAction(mgr *session.Manager) (action, reason string) {
	if critical := mgr.IssuesByPriority(session.PriorityCritical); len(critical) > 0 {
		return "fix_critical_issues",
			fmt.Sprintf("%d critical issues are open; resolve them before running further stages", len(critical))
	}

	state := mgr.Snapshot()
	for _, stage := range workflow.Stages() {
		result, seen := state.Stages[stage]
		if seen && (result.Status == session.StageFailed || result.Status == session.StageError) {
			return "run_crackerjack_stage",
				fmt.Sprintf("stage %s %s; re-run it after addressing its findings", stage, result.Status)
		}
	}
	for _, stage := range workflow.Stages() {
		result, seen := state.Stages[stage]
		if !seen || result.Status != session.StageCompleted {
			return "run_crackerjack_stage", fmt.Sprintf("stage %s has not completed yet", stage)
		}
	}
	return "execute_crackerjack", "all stages completed; run the full workflow to verify"
}

func (s *Server) serverStatsTool(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	started, completed, failed := s.jobCounters()
	broadcasts, dropped := s.deps.Jobs.Stats()
	cacheStats := s.deps.Cache.Stats()

	var wsConnections int64
	if s.deps.ActiveConnections != nil {
		wsConnections = s.deps.ActiveConnections()
	}

	return jsonResult(map[string]any{
		"success":        true,
		"version":        version.Full(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"session_id":     s.deps.Session.SessionID(),
		"jobs": map[string]any{
			"started":   started,
			"completed": completed,
			"failed":    failed,
			"active":    s.deps.Admission.Monitor.ActiveCount(),
		},
		"rate_limit": map[string]any{
			"denials": s.deps.Admission.Limiter.Denials(),
		},
		"websocket": map[string]any{
			"active_connections": wsConnections,
			"broadcasts_sent":    broadcasts,
			"broadcasts_dropped": dropped,
		},
		"error_cache": cacheStats,
	})
}

func (s *Server) comprehensiveStatusTool(ctx context.Context, req *mcp.CallToolRequest, args emptyArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	return jsonResult(map[string]any{
		"success":    true,
		"components": s.deps.Status.Collect(ctx, nil),
	})
}

func (s *Server) filteredStatusTool(ctx context.Context, req *mcp.CallToolRequest, args filteredStatusArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	if len(args.Components) == 0 {
		return failResult("components list must not be empty; use get_comprehensive_status for everything")
	}
	return jsonResult(map[string]any{
		"success":    true,
		"components": s.deps.Status.Collect(ctx, args.Components),
	})
}
