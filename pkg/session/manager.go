package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const sessionFileKey = "current_session.json"

// ErrCheckpointNotFound is returned when loading an unknown checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Saver is the persistence hook: the batched writer in production, or nil
// for synchronous writes.
type Saver interface {
	Schedule(key string, fn func() error)
}

// Manager wraps the session state behind a single lock. Every mutation
// persists through the bound Saver; the in-memory state stays authoritative
// when writes fail.
type Manager struct {
	stateDir string
	saver    Saver
	log      *slog.Logger

	mu    sync.Mutex
	state State
}

// NewManager creates the state directory and starts a fresh session.
// saver may be nil, in which case saves happen synchronously.
func NewManager(stateDir string, saver Saver) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	m := &Manager{
		stateDir: stateDir,
		saver:    saver,
		log:      slog.With("component", "session"),
	}
	m.state = newState()
	m.log.Info("Session started", "session_id", m.state.SessionID)
	return m, nil
}

func newState() State {
	return State{
		SessionID:    newSessionID(),
		StartTime:    epochSeconds(),
		Stages:       make(map[string]*StageResult),
		GlobalIssues: []Issue{},
		FixesApplied: []string{},
		Metadata:     make(map[string]any),
	}
}

// newSessionID returns 8 hex characters.
func newSessionID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

// StartStage begins a stage in running state and makes it current. A stage
// already running is interrupted and marked errored first, keeping exactly
// one stage running at a time.
func (m *Manager) StartStage(stage string) {
	m.mu.Lock()
	m.interruptCurrentLocked(stage)
	m.state.CurrentStage = stage
	m.state.Stages[stage] = &StageResult{
		Stage:        stage,
		Status:       StageRunning,
		StartTime:    epochSeconds(),
		IssuesFound:  []Issue{},
		FixesApplied: []string{},
	}
	m.mu.Unlock()
	m.save()
}

// CompleteStage finishes a stage successfully, attaching its issues and
// fixes and folding them into the session-wide lists.
func (m *Manager) CompleteStage(stage string, issues []Issue, fixes []string) {
	m.mu.Lock()
	r := m.ensureStageLocked(stage)
	r.finish(StageCompleted)
	r.IssuesFound = append(r.IssuesFound, issues...)
	r.FixesApplied = append(r.FixesApplied, fixes...)
	m.state.GlobalIssues = append(m.state.GlobalIssues, issues...)
	m.state.FixesApplied = append(m.state.FixesApplied, fixes...)
	if m.state.CurrentStage == stage {
		m.state.CurrentStage = ""
	}
	m.mu.Unlock()
	m.save()
}

// FailStage finishes a stage with a failure message.
func (m *Manager) FailStage(stage, message string) {
	m.mu.Lock()
	r := m.ensureStageLocked(stage)
	r.finish(StageFailed)
	r.ErrorMessage = message
	if m.state.CurrentStage == stage {
		m.state.CurrentStage = ""
	}
	m.mu.Unlock()
	m.save()
}

// UpdateStageStatus overwrites a stage's status, creating it in running
// state when absent. Terminal statuses stamp the end time. Any path that
// sets a stage running interrupts the stage currently running first,
// keeping exactly one stage running at a time.
func (m *Manager) UpdateStageStatus(stage, status string) {
	m.mu.Lock()
	r, found := m.state.Stages[stage]
	if !found {
		m.interruptCurrentLocked(stage)
		r = &StageResult{
			Stage:        stage,
			Status:       StageRunning,
			StartTime:    epochSeconds(),
			IssuesFound:  []Issue{},
			FixesApplied: []string{},
		}
		m.state.Stages[stage] = r
		m.state.CurrentStage = stage
	} else {
		switch status {
		case StageCompleted, StageFailed, StageError:
			r.finish(status)
			if m.state.CurrentStage == stage {
				m.state.CurrentStage = ""
			}
		case StageRunning:
			m.interruptCurrentLocked(stage)
			r.Status = StageRunning
			m.state.CurrentStage = stage
		default:
			r.Status = status
		}
	}
	m.mu.Unlock()
	m.save()
}

// interruptCurrentLocked errors out the running current stage when a
// different stage takes over. Caller holds m.mu.
func (m *Manager) interruptCurrentLocked(next string) {
	if m.state.CurrentStage == "" || m.state.CurrentStage == next {
		return
	}
	if prev, found := m.state.Stages[m.state.CurrentStage]; found && prev.Status == StageRunning {
		prev.finish(StageError)
		prev.ErrorMessage = fmt.Sprintf("interrupted by stage %s", next)
	}
}

// ensureStageLocked fetches or creates a stage entry. Caller holds m.mu.
func (m *Manager) ensureStageLocked(stage string) *StageResult {
	if r, found := m.state.Stages[stage]; found {
		return r
	}
	r := &StageResult{
		Stage:        stage,
		Status:       StageRunning,
		StartTime:    epochSeconds(),
		IssuesFound:  []Issue{},
		FixesApplied: []string{},
	}
	m.state.Stages[stage] = r
	return r
}

// AddIssue records an issue on the session.
func (m *Manager) AddIssue(issue Issue) {
	m.mu.Lock()
	m.state.GlobalIssues = append(m.state.GlobalIssues, issue)
	m.mu.Unlock()
	m.save()
}

// RemoveIssue drops the issue with the given id, reporting whether it
// existed.
func (m *Manager) RemoveIssue(id string) bool {
	m.mu.Lock()
	removed := false
	kept := m.state.GlobalIssues[:0]
	for _, issue := range m.state.GlobalIssues {
		if issue.ID == id {
			removed = true
			continue
		}
		kept = append(kept, issue)
	}
	m.state.GlobalIssues = kept
	m.mu.Unlock()

	if removed {
		m.save()
	}
	return removed
}

// IssuesByPriority returns the session issues with the given priority.
func (m *Manager) IssuesByPriority(priority string) []Issue {
	return m.filterIssues(func(i Issue) bool { return i.Priority == priority })
}

// IssuesByType returns the session issues with the given type.
func (m *Manager) IssuesByType(issueType string) []Issue {
	return m.filterIssues(func(i Issue) bool { return i.Type == issueType })
}

// AutoFixableIssues returns the issues marked auto-fixable.
func (m *Manager) AutoFixableIssues() []Issue {
	return m.filterIssues(func(i Issue) bool { return i.AutoFixable })
}

func (m *Manager) filterIssues(keep func(Issue) bool) []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, issue := range m.state.GlobalIssues {
		if keep(issue) {
			out = append(out, issue)
		}
	}
	return out
}

// Summarize aggregates issue counts and stage statuses.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		SessionID:        m.state.SessionID,
		CurrentStage:     m.state.CurrentStage,
		TotalIssues:      len(m.state.GlobalIssues),
		IssuesByPriority: make(map[string]int),
		IssuesByType:     make(map[string]int),
		FixesApplied:     len(m.state.FixesApplied),
		StageStatuses:    make(map[string]string),
	}
	for _, issue := range m.state.GlobalIssues {
		s.IssuesByPriority[issue.Priority]++
		s.IssuesByType[issue.Type]++
	}
	for name, r := range m.state.Stages {
		s.StageStatuses[name] = r.Status
	}
	return s
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyStateLocked()
}

func (m *Manager) copyStateLocked() State {
	out := m.state
	out.Stages = make(map[string]*StageResult, len(m.state.Stages))
	for name, r := range m.state.Stages {
		cp := *r
		cp.IssuesFound = append([]Issue(nil), r.IssuesFound...)
		cp.FixesApplied = append([]string(nil), r.FixesApplied...)
		out.Stages[name] = &cp
	}
	out.GlobalIssues = append([]Issue(nil), m.state.GlobalIssues...)
	out.FixesApplied = append([]string(nil), m.state.FixesApplied...)
	out.Metadata = make(map[string]any, len(m.state.Metadata))
	for k, v := range m.state.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Reset discards the session and starts a new one.
func (m *Manager) Reset() string {
	m.mu.Lock()
	m.state = newState()
	id := m.state.SessionID
	m.mu.Unlock()
	m.save()
	m.log.Info("Session reset", "session_id", id)
	return id
}

// Complete marks the session finished in its metadata.
func (m *Manager) Complete() {
	m.mu.Lock()
	m.state.Metadata["completed_at"] = epochSeconds()
	m.mu.Unlock()
	m.save()
}

// SessionID returns the current session id.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SessionID
}

// save persists the session, through the batched writer when bound.
func (m *Manager) save() {
	if m.saver != nil {
		m.saver.Schedule(sessionFileKey, m.writeStateFile)
		return
	}
	if err := m.writeStateFile(); err != nil {
		m.log.Warn("Session save failed", "error", err)
	}
}

func (m *Manager) writeStateFile() error {
	m.mu.Lock()
	state := m.copyStateLocked()
	m.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising session: %w", err)
	}
	return os.WriteFile(filepath.Join(m.stateDir, sessionFileKey), data, 0o644)
}

// SaveCheckpoint writes the current state to checkpoints/<name>.json and
// returns the checkpoint name used.
func (m *Manager) SaveCheckpoint(name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("checkpoint_%d", time.Now().Unix())
	}
	if !checkpointNameValid(name) {
		return "", fmt.Errorf("invalid checkpoint name %q", name)
	}

	m.mu.Lock()
	cp := checkpointFile{
		Name:         name,
		Timestamp:    epochSeconds(),
		SessionState: m.copyStateLocked(),
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialising checkpoint: %w", err)
	}
	path := filepath.Join(m.stateDir, "checkpoints", name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}
	m.log.Info("Checkpoint saved", "name", name)
	return name, nil
}

// checkpointNameValid rejects names that would resolve outside the
// checkpoints directory.
func checkpointNameValid(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`)
}

// LoadCheckpoint replaces the current session state with a saved one.
func (m *Manager) LoadCheckpoint(name string) error {
	if !checkpointNameValid(name) {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	path := filepath.Join(m.stateDir, "checkpoints", name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
		}
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("parsing checkpoint %s: %w", name, err)
	}
	if cp.SessionState.Stages == nil {
		cp.SessionState.Stages = make(map[string]*StageResult)
	}
	if cp.SessionState.Metadata == nil {
		cp.SessionState.Metadata = make(map[string]any)
	}

	m.mu.Lock()
	m.state = cp.SessionState
	m.mu.Unlock()
	m.save()
	m.log.Info("Checkpoint loaded", "name", name)
	return nil
}

// ListCheckpoints returns saved checkpoints, newest first.
func (m *Manager) ListCheckpoints() ([]CheckpointInfo, error) {
	matches, err := filepath.Glob(filepath.Join(m.stateDir, "checkpoints", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoints: %w", err)
	}
	var out []CheckpointInfo
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cp checkpointFile
		if err := json.Unmarshal(data, &cp); err != nil {
			m.log.Warn("Skipping unreadable checkpoint", "path", path, "error", err)
			continue
		}
		out = append(out, CheckpointInfo{
			Name:      cp.Name,
			Timestamp: cp.Timestamp,
			SessionID: cp.SessionState.SessionID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}
