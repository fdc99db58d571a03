// Package progress owns the file-backed progress bus: per-job JSON
// snapshots written atomically by producers, and a fan-out layer that lets
// observers subscribe to snapshot changes either through an OS file watch
// or a polling scan.
package progress

import "time"

// Job status values.
const (
	StatusWaiting   = "waiting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Snapshot is the current state of one job, materialised as its progress
// file. Progress percentages are clamped to 0..100 on write.
type Snapshot struct {
	JobID           string         `json:"job_id"`
	Status          string         `json:"status"`
	Iteration       int            `json:"iteration"`
	MaxIterations   int            `json:"max_iterations"`
	CurrentStage    string         `json:"current_stage"`
	OverallProgress float64        `json:"overall_progress"`
	StageProgress   float64        `json:"stage_progress"`
	Message         string         `json:"message"`
	Timestamp       float64        `json:"timestamp"`
	ErrorCounts     map[string]int `json:"error_counts,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s *Snapshot) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

func (s *Snapshot) clamp() {
	s.OverallProgress = clampPercent(s.OverallProgress)
	s.StageProgress = clampPercent(s.StageProgress)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// NewWaiting builds the synthetic snapshot sent to subscribers of a job
// that has no progress file yet.
func NewWaiting(jobID string) Snapshot {
	return Snapshot{
		JobID:     jobID,
		Status:    StatusWaiting,
		Message:   "Waiting for job to start",
		Timestamp: epochSeconds(),
	}
}

func epochSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
