package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// defaultStageTimeout bounds a single stage subprocess. On expiry the
// process is killed and the stage reports failure.
const defaultStageTimeout = 30 * time.Minute

// ExecOrchestrator runs workflow stages as subprocesses of a configured
// base command inside the project directory.
type ExecOrchestrator struct {
	command      []string
	projectPath  string
	stageTimeout time.Duration
	log          *slog.Logger
}

// NewExecOrchestrator builds the subprocess-backed orchestrator. command is
// the base invocation, e.g. ["python", "-m", "crackerjack"].
func NewExecOrchestrator(command []string, projectPath string) *ExecOrchestrator {
	if len(command) == 0 {
		command = []string{"python", "-m", "crackerjack"}
	}
	return &ExecOrchestrator{
		command:      command,
		projectPath:  projectPath,
		stageTimeout: defaultStageTimeout,
		log:          slog.With("component", "orchestrator"),
	}
}

func (o *ExecOrchestrator) RunFastHooks(ctx context.Context, opts Options) (bool, error) {
	return o.run(ctx, "fast", opts)
}

func (o *ExecOrchestrator) RunComprehensiveHooks(ctx context.Context, opts Options) (bool, error) {
	return o.run(ctx, "comprehensive", opts)
}

func (o *ExecOrchestrator) RunTests(ctx context.Context, opts Options) (bool, error) {
	return o.run(ctx, "tests", opts)
}

func (o *ExecOrchestrator) RunCleaning(ctx context.Context, opts Options) (bool, error) {
	return o.run(ctx, "cleaning", opts)
}

func (o *ExecOrchestrator) RunInit(ctx context.Context, opts Options) (bool, error) {
	return o.run(ctx, "init", opts)
}

func (o *ExecOrchestrator) RunCompleteWorkflow(ctx context.Context, opts Options) (bool, error) {
	return o.run(ctx, "all", opts)
}

// run spawns one stage subprocess. A nonzero exit is a false result, not
// an error; spawn failures and timeouts are errors.
func (o *ExecOrchestrator) run(ctx context.Context, stage string, opts Options) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	args := append(append([]string{}, o.command[1:]...), o.stageArgs(stage, opts)...)
	cmd := exec.CommandContext(runCtx, o.command[0], args...)
	cmd.Dir = o.projectPath

	log := o.log.With("stage", stage)
	log.Info("Running workflow stage", "command", o.command[0], "args", args)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Error("Stage timed out, subprocess killed", "timeout", o.stageTimeout)
		return false, fmt.Errorf("stage %s timed out after %s", stage, o.stageTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Warn("Stage finished with failures",
				"exit_code", exitErr.ExitCode(), "duration", elapsed)
			return false, nil
		}
		return false, fmt.Errorf("running stage %s: %w", stage, err)
	}

	log.Info("Stage completed", "duration", elapsed, "output_bytes", len(output))
	return true, nil
}

func (o *ExecOrchestrator) stageArgs(stage string, opts Options) []string {
	var args []string
	switch stage {
	case "tests":
		args = append(args, "--test")
	case "cleaning":
		args = append(args, "--clean")
	case "comprehensive":
		args = append(args, "--comprehensive")
	case "init":
		args = append(args, "--init", "--skip-hooks")
	case "all":
		args = append(args, "--all")
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	if opts.SkipHooks && stage != "init" {
		args = append(args, "--skip-hooks")
	}
	return append(args, opts.ExtraArgs...)
}

var _ Orchestrator = (*ExecOrchestrator)(nil)
