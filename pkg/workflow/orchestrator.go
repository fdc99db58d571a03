// Package workflow defines the contract between the server and the quality
// workflow it fronts. The server treats each stage as opaque: it builds an
// Options value, invokes the orchestrator, and interprets only the boolean
// outcome. The default implementation shells out to the configured command.
package workflow

import "context"

// Options selects what a workflow invocation does. Stage entry points set
// the relevant flags; ExtraArgs passes through sanitised caller arguments.
type Options struct {
	Test          bool
	Clean         bool
	SkipHooks     bool
	Verbose       bool
	MaxIterations int
	ExtraArgs     []string
}

// Orchestrator is the external collaborator that actually runs the quality
// workflow. A false return means the stage ran and found problems; an error
// means the stage could not run.
type Orchestrator interface {
	RunFastHooks(ctx context.Context, opts Options) (bool, error)
	RunComprehensiveHooks(ctx context.Context, opts Options) (bool, error)
	RunTests(ctx context.Context, opts Options) (bool, error)
	RunCleaning(ctx context.Context, opts Options) (bool, error)
	RunInit(ctx context.Context, opts Options) (bool, error)
	RunCompleteWorkflow(ctx context.Context, opts Options) (bool, error)
}

// StageOptions builds the Options value for a named stage.
func StageOptions(stage string, extraArgs []string) (Options, bool) {
	opts := Options{ExtraArgs: extraArgs}
	switch stage {
	case "fast":
	case "comprehensive":
		opts.Verbose = true
	case "tests":
		opts.Test = true
	case "cleaning":
		opts.Clean = true
	case "init":
		opts.SkipHooks = true
	default:
		return Options{}, false
	}
	return opts, true
}

// Stages lists the valid stage names in workflow order.
func Stages() []string {
	return []string{"fast", "comprehensive", "tests", "cleaning", "init"}
}
