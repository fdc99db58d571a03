// Package mcpserver exposes the tool surface over the Model Context
// Protocol: workflow stage invocation, job execution and progress queries,
// session management, error analysis, status reporting, and maintenance
// tools. Domain failures are serialised as {success:false, error} payloads;
// only transport-level problems surface as protocol errors.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/admission"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/errcache"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/jobs"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/sanitize"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/session"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/version"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/workflow"
)

// mcpClientID keys the rate limiter for tool calls. MCP transports carry a
// single host-controlled client per server process.
const mcpClientID = "mcp"

// StatusCollector produces the component status map for the status tools.
// An empty component list collects everything.
type StatusCollector interface {
	Collect(ctx context.Context, components []string) map[string]any
}

// Deps are the collaborators the tool surface needs. The server context
// constructs them and hands them in; tools hold no back-pointer to it.
type Deps struct {
	Config       *config.Config
	Sanitizer    *sanitize.Sanitizer
	Cache        *errcache.Cache
	Session      *session.Manager
	Admission    *admission.Middleware
	Jobs         *jobs.Manager
	Store        *progress.Store
	Orchestrator workflow.Orchestrator
	Status       StatusCollector

	// Initialized gates every tool; uninitialised servers refuse calls.
	Initialized func() bool
	// ActiveConnections reports current WebSocket observer count.
	ActiveConnections func() int64
}

// Server is the MCP tool surface.
type Server struct {
	deps Deps
	mcp  *mcp.Server
	log  *slog.Logger

	startTime time.Time

	statsMu       sync.Mutex
	jobsStarted   int64
	jobsCompleted int64
	jobsFailed    int64
}

// New builds the server and registers every tool.
func New(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		log:       slog.With("component", "mcp"),
		startTime: time.Now(),
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "crackerjack-mcp",
		Version: version.Version,
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	})
	s.mcp = srv

	s.registerJobTools()
	s.registerSessionTools()
	s.registerStatusTools()
	s.registerMaintenanceTools()
	return s
}

// Run serves the stdio transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("MCP server running on stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns the streamable HTTP transport handler.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// textResult wraps plain text as a tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// jsonResult serialises v as the tool result payload.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return failResult(fmt.Sprintf("failed to serialise response: %v", err))
	}
	return textResult(string(data)), nil, nil
}

// failResult serialises a domain failure. The MCP call itself succeeds.
func failResult(msg string) (*mcp.CallToolResult, any, error) {
	payload, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return textResult(string(payload)), nil, nil
}

// preflight runs the checks shared by every tool: server initialised and
// rate limit consulted. A non-empty return is the refusal message.
func (s *Server) preflight() string {
	if s.deps.Initialized != nil && !s.deps.Initialized() {
		return "server context is not initialised"
	}
	decision := s.deps.Admission.Limiter.IsAllowed(mcpClientID)
	if !decision.Allowed {
		return fmt.Sprintf("rate limit exceeded (%s): retry after %d seconds",
			decision.Reason, decision.RetryAfterSeconds)
	}
	return ""
}

// sanitizeKwargs validates the optional kwargs JSON string and requires an
// object at the top level. An empty string yields an empty map.
func (s *Server) sanitizeKwargs(kwargs string) (map[string]any, string) {
	if kwargs == "" {
		return map[string]any{}, ""
	}
	res := s.deps.Sanitizer.JSON(kwargs)
	if !res.Valid {
		return nil, fmt.Sprintf("invalid kwargs: %s", res.ErrorMessage)
	}
	obj, isObject := res.SanitizedValue.(map[string]any)
	if !isObject {
		return nil, "invalid kwargs: top-level value must be a JSON object"
	}
	return obj, ""
}

// sanitizeArgs validates the free-form args string into an argv slice.
func (s *Server) sanitizeArgs(args string) ([]string, string) {
	if args == "" {
		return nil, ""
	}
	res := s.deps.Sanitizer.CommandArgs(args)
	if !res.Valid {
		return nil, fmt.Sprintf("invalid args: %s", res.ErrorMessage)
	}
	return res.SanitizedValue.([]string), ""
}

// recordJobOutcome tracks job counters for the stats tool.
func (s *Server) recordJobOutcome(completed bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if completed {
		s.jobsCompleted++
	} else {
		s.jobsFailed++
	}
}

func (s *Server) recordJobStart() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.jobsStarted++
}

func (s *Server) jobCounters() (started, completed, failed int64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.jobsStarted, s.jobsCompleted, s.jobsFailed
}
