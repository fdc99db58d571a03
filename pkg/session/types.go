// Package session models the single workflow session a server owns for its
// lifetime: per-stage results, issues found, fixes applied, and named
// on-disk checkpoints the session can be rolled back to.
package session

import "time"

// Issue priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Stage statuses.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageError     = "error"
)

// Issue is one problem surfaced by a workflow stage. Identity is ID.
type Issue struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Message      string `json:"message"`
	FilePath     string `json:"file_path"`
	LineNumber   *int   `json:"line_number,omitempty"`
	Priority     string `json:"priority"`
	Stage        string `json:"stage"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
	AutoFixable  bool   `json:"auto_fixable"`
}

// StageResult tracks one stage's execution. Duration is derived from the
// two timestamps when both are present.
type StageResult struct {
	Stage        string   `json:"stage"`
	Status       string   `json:"status"`
	StartTime    float64  `json:"start_time"`
	EndTime      *float64 `json:"end_time,omitempty"`
	Duration     *float64 `json:"duration,omitempty"`
	IssuesFound  []Issue  `json:"issues_found"`
	FixesApplied []string `json:"fixes_applied"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// finish stamps the end time and derives the duration.
func (r *StageResult) finish(status string) {
	now := epochSeconds()
	r.Status = status
	r.EndTime = &now
	d := now - r.StartTime
	r.Duration = &d
}

// State is the whole session. CurrentStage is non-empty exactly when one
// stage is running.
type State struct {
	SessionID    string                  `json:"session_id"`
	StartTime    float64                 `json:"start_time"`
	CurrentStage string                  `json:"current_stage,omitempty"`
	Stages       map[string]*StageResult `json:"stages"`
	GlobalIssues []Issue                 `json:"global_issues"`
	FixesApplied []string                `json:"fixes_applied"`
	Metadata     map[string]any          `json:"metadata"`
}

// Summary is the aggregate view returned to status queries.
type Summary struct {
	SessionID        string            `json:"session_id"`
	CurrentStage     string            `json:"current_stage,omitempty"`
	TotalIssues      int               `json:"total_issues"`
	IssuesByPriority map[string]int    `json:"issues_by_priority"`
	IssuesByType     map[string]int    `json:"issues_by_type"`
	FixesApplied     int               `json:"fixes_applied"`
	StageStatuses    map[string]string `json:"stage_statuses"`
}

// CheckpointInfo is a listing entry for a saved checkpoint.
type CheckpointInfo struct {
	Name      string  `json:"name"`
	Timestamp float64 `json:"timestamp"`
	SessionID string  `json:"session_id"`
}

// checkpointFile is the on-disk checkpoint format.
type checkpointFile struct {
	Name         string  `json:"name"`
	Timestamp    float64 `json:"timestamp"`
	SessionState State   `json:"session_state"`
}

func epochSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
