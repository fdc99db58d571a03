package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/workflow"
)

// interPassDelay separates failed workflow passes so external state (hook
// caches, file watchers) can settle before the retry.
const interPassDelay = time.Second

// defaultMaxIterations bounds a full workflow run when the caller does not
// pick a limit.
const defaultMaxIterations = 10

type runStageArgs struct {
	Stage  string `json:"stage" jsonschema:"workflow stage to run: fast, comprehensive, tests, cleaning, or init"`
	Args   string `json:"args,omitempty" jsonschema:"extra command-line arguments passed through to the stage"`
	Kwargs string `json:"kwargs,omitempty" jsonschema:"JSON object of keyword options"`
}

type executeArgs struct {
	Args   string `json:"args,omitempty" jsonschema:"extra command-line arguments passed through to the workflow"`
	Kwargs string `json:"kwargs,omitempty" jsonschema:"JSON object of keyword options; max_iterations bounds the retry loop"`
}

type jobProgressArgs struct {
	JobID string `json:"job_id" jsonschema:"identifier of the job to query"`
}

func (s *Server) registerJobTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_crackerjack_stage",
		Description: "Run a single quality workflow stage (fast, comprehensive, tests, cleaning, or init) and record the outcome in the session.",
		Annotations: &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.runStageTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "execute_crackerjack",
		Description: "Execute the complete quality workflow as a tracked job, iterating until clean or the iteration limit is reached. Progress is streamed to the job's progress file.",
		Annotations: &mcp.ToolAnnotations{OpenWorldHint: boolPtr(false)},
	}, s.executeTool)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_job_progress",
		Description: "Return the current progress snapshot for a job.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true, OpenWorldHint: boolPtr(false)},
	}, s.jobProgressTool)
}

// cancelled reports a dead request context as a transport-level error,
// distinct from the domain failures serialised into tool payloads.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("request cancelled: %v", err),
		}
	}
	return nil
}

func (s *Server) runStageTool(ctx context.Context, req *mcp.CallToolRequest, args runStageArgs) (*mcp.CallToolResult, any, error) {
	if err := cancelled(ctx); err != nil {
		return nil, nil, err
	}
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	extraArgs, msg := s.sanitizeArgs(args.Args)
	if msg != "" {
		return failResult(msg)
	}
	if _, msg := s.sanitizeKwargs(args.Kwargs); msg != "" {
		return failResult(msg)
	}

	opts, valid := workflow.StageOptions(args.Stage, extraArgs)
	if !valid {
		return failResult(fmt.Sprintf("unknown stage %q: valid stages are %s",
			args.Stage, strings.Join(workflow.Stages(), ", ")))
	}

	s.deps.Session.StartStage(args.Stage)
	passed, err := s.runStage(ctx, args.Stage, opts)
	if err != nil {
		s.deps.Session.FailStage(args.Stage, err.Error())
		return failResult(fmt.Sprintf("stage %s could not run: %v", args.Stage, err))
	}
	if passed {
		s.deps.Session.CompleteStage(args.Stage, nil, nil)
	} else {
		s.deps.Session.FailStage(args.Stage, "stage reported problems")
	}

	return jsonResult(map[string]any{
		"success": passed,
		"stage":   args.Stage,
		"status":  stageOutcome(passed),
	})
}

func stageOutcome(passed bool) string {
	if passed {
		return "completed"
	}
	return "failed"
}

// runStage dispatches a validated stage name to the orchestrator entry point.
func (s *Server) runStage(ctx context.Context, stage string, opts workflow.Options) (bool, error) {
	o := s.deps.Orchestrator
	switch stage {
	case "fast":
		return o.RunFastHooks(ctx, opts)
	case "comprehensive":
		return o.RunComprehensiveHooks(ctx, opts)
	case "tests":
		return o.RunTests(ctx, opts)
	case "cleaning":
		return o.RunCleaning(ctx, opts)
	case "init":
		return o.RunInit(ctx, opts)
	}
	return false, fmt.Errorf("unknown stage %q", stage)
}

func (s *Server) executeTool(ctx context.Context, req *mcp.CallToolRequest, args executeArgs) (*mcp.CallToolResult, any, error) {
	if err := cancelled(ctx); err != nil {
		return nil, nil, err
	}
	if s.deps.Initialized != nil && !s.deps.Initialized() {
		return failResult("server context is not initialised")
	}
	extraArgs, msg := s.sanitizeArgs(args.Args)
	if msg != "" {
		return failResult(msg)
	}
	kwargs, msg := s.sanitizeKwargs(args.Kwargs)
	if msg != "" {
		return failResult(msg)
	}

	maxIterations := defaultMaxIterations
	if v, isNumber := kwargs["max_iterations"].(float64); isNumber && int(v) > 0 {
		maxIterations = int(v)
	}

	jobID := strings.SplitN(uuid.NewString(), "-", 2)[0]
	decision, err := s.deps.Admission.Admit(ctx, mcpClientID, jobID)
	if !decision.Allowed {
		if err != nil {
			s.log.Warn("Job admission refused", "job_id", jobID, "reason", decision.Reason)
		}
		return failResult(fmt.Sprintf("job refused (%s): retry after %d seconds",
			decision.Reason, decision.RetryAfterSeconds))
	}
	defer s.deps.Admission.Monitor.Release(jobID)

	s.recordJobStart()
	s.log.Info("Workflow job started", "job_id", jobID, "max_iterations", maxIterations)

	s.emitProgress(jobID, 0, maxIterations, "initialisation", 2, progress.StatusRunning, "Starting workflow")
	s.emitProgress(jobID, 0, maxIterations, "status_verified", 5, progress.StatusRunning, "Project status verified")
	s.emitProgress(jobID, 0, maxIterations, "services_ready", 10, progress.StatusRunning, "Services ready")
	s.emitProgress(jobID, 0, maxIterations, "orchestrator_ready", 15, progress.StatusRunning, "Orchestrator ready")

	opts := workflow.Options{MaxIterations: maxIterations, ExtraArgs: extraArgs}
	for iteration := 1; iteration <= maxIterations; iteration++ {
		overall := iterationProgress(iteration, maxIterations)
		stage := fmt.Sprintf("iteration_%d", iteration)
		s.emitProgress(jobID, iteration, maxIterations, stage, overall,
			progress.StatusRunning, fmt.Sprintf("Workflow pass %d of %d", iteration, maxIterations))

		passed, err := s.deps.Orchestrator.RunCompleteWorkflow(ctx, opts)
		if err != nil {
			s.emitProgress(jobID, iteration, maxIterations, stage, 80,
				progress.StatusFailed, fmt.Sprintf("Workflow error: %v", err))
			s.recordJobOutcome(false)
			return jsonResult(map[string]any{
				"success": false, "job_id": jobID, "status": "failed",
				"iteration": iteration, "error": err.Error(),
				"message": fmt.Sprintf("workflow aborted on pass %d", iteration),
			})
		}
		if passed {
			s.emitProgress(jobID, iteration, maxIterations, "completed", 100,
				progress.StatusCompleted, "All quality checks passed")
			s.recordJobOutcome(true)
			return jsonResult(map[string]any{
				"success": true, "job_id": jobID, "status": "completed", "iteration": iteration,
				"message": "all quality checks passed",
			})
		}
		if iteration < maxIterations {
			select {
			case <-ctx.Done():
				s.emitProgress(jobID, iteration, maxIterations, stage, 80,
					progress.StatusFailed, "Workflow cancelled")
				s.recordJobOutcome(false)
				return failResult("workflow cancelled")
			case <-time.After(interPassDelay):
			}
		}
	}

	s.emitProgress(jobID, maxIterations, maxIterations, "failed", 80,
		progress.StatusFailed, fmt.Sprintf("Problems remain after %d passes", maxIterations))
	s.recordJobOutcome(false)
	return jsonResult(map[string]any{
		"success": false, "job_id": jobID, "status": "failed",
		"iteration": maxIterations,
		"error":     fmt.Sprintf("problems remain after %d passes", maxIterations),
		"message":   fmt.Sprintf("problems remain after %d passes", maxIterations),
	})
}

// iterationProgress maps pass numbers onto the 15-80% band.
func iterationProgress(iteration, maxIterations int) float64 {
	if maxIterations <= 0 {
		return 80
	}
	p := 15 + 65*float64(iteration)/float64(maxIterations)
	if p > 80 {
		p = 80
	}
	return p
}

// emitProgress writes a progress snapshot. Failures are logged, never fatal:
// observers miss an update, the job keeps running.
func (s *Server) emitProgress(jobID string, iteration, maxIterations int, stage string, overall float64, status, message string) {
	err := s.deps.Store.Write(progress.Snapshot{
		JobID:           jobID,
		Status:          status,
		Iteration:       iteration,
		MaxIterations:   maxIterations,
		CurrentStage:    stage,
		OverallProgress: overall,
		Message:         message,
	})
	if err != nil {
		s.log.Warn("Progress write failed", "job_id", jobID, "stage", stage, "error", err)
	}
}

func (s *Server) jobProgressTool(ctx context.Context, req *mcp.CallToolRequest, args jobProgressArgs) (*mcp.CallToolResult, any, error) {
	if msg := s.preflight(); msg != "" {
		return failResult(msg)
	}
	if res := s.deps.Sanitizer.JobID(args.JobID); !res.Valid {
		return failResult(fmt.Sprintf("invalid job id: %s", res.ErrorMessage))
	}
	snap, err := s.deps.Store.Read(args.JobID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return failResult(fmt.Sprintf("job not found: %s", args.JobID))
		}
		return failResult(fmt.Sprintf("failed to read progress: %v", err))
	}
	return jsonResult(snap)
}

func boolPtr(b bool) *bool { return &b }
