package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func TestNewManager_FreshSession(t *testing.T) {
	m := newTestManager(t)

	state := m.Snapshot()
	assert.Len(t, state.SessionID, 8)
	assert.Empty(t, state.CurrentStage)
	assert.Empty(t, state.Stages)
	assert.Greater(t, state.StartTime, 0.0)
}

func TestStageLifecycle_Complete(t *testing.T) {
	m := newTestManager(t)

	m.StartStage("tests")
	state := m.Snapshot()
	assert.Equal(t, "tests", state.CurrentStage)
	require.Contains(t, state.Stages, "tests")
	assert.Equal(t, StageRunning, state.Stages["tests"].Status)

	issues := []Issue{{ID: "i1", Type: "test_failure", Priority: PriorityHigh, Stage: "tests"}}
	m.CompleteStage("tests", issues, []string{"fixed flaky test"})

	state = m.Snapshot()
	assert.Empty(t, state.CurrentStage, "completing the current stage clears it")
	r := state.Stages["tests"]
	assert.Equal(t, StageCompleted, r.Status)
	require.NotNil(t, r.EndTime)
	require.NotNil(t, r.Duration)
	assert.InDelta(t, *r.EndTime-r.StartTime, *r.Duration, 1e-9)
	assert.Len(t, state.GlobalIssues, 1)
	assert.Equal(t, []string{"fixed flaky test"}, state.FixesApplied)
}

func TestStageLifecycle_Fail(t *testing.T) {
	m := newTestManager(t)

	m.StartStage("fast")
	m.FailStage("fast", "hook crashed")

	state := m.Snapshot()
	assert.Empty(t, state.CurrentStage)
	r := state.Stages["fast"]
	assert.Equal(t, StageFailed, r.Status)
	assert.Equal(t, "hook crashed", r.ErrorMessage)
	require.NotNil(t, r.Duration)
}

func TestStartStage_InterruptsRunningStage(t *testing.T) {
	m := newTestManager(t)

	m.StartStage("fast")
	m.StartStage("tests")

	state := m.Snapshot()
	assert.Equal(t, "tests", state.CurrentStage)
	assert.Equal(t, StageError, state.Stages["fast"].Status)
	assert.Equal(t, StageRunning, state.Stages["tests"].Status)

	// Exactly one stage is running while CurrentStage is set.
	assert.Equal(t, 1, runningStages(state))
}

func runningStages(state State) int {
	n := 0
	for _, r := range state.Stages {
		if r.Status == StageRunning {
			n++
		}
	}
	return n
}

func TestUpdateStageStatus(t *testing.T) {
	m := newTestManager(t)

	t.Run("creates absent stage in running", func(t *testing.T) {
		m.UpdateStageStatus("cleaning", StageCompleted)
		state := m.Snapshot()
		assert.Equal(t, StageRunning, state.Stages["cleaning"].Status)
		assert.Equal(t, "cleaning", state.CurrentStage)
	})

	t.Run("terminal status stamps end time", func(t *testing.T) {
		m.UpdateStageStatus("cleaning", StageCompleted)
		state := m.Snapshot()
		assert.Equal(t, StageCompleted, state.Stages["cleaning"].Status)
		assert.NotNil(t, state.Stages["cleaning"].EndTime)
		assert.Empty(t, state.CurrentStage)
	})

	t.Run("running status interrupts the running stage", func(t *testing.T) {
		m := newTestManager(t)
		m.StartStage("fast")
		m.UpdateStageStatus("tests", StageRunning)

		state := m.Snapshot()
		assert.Equal(t, "tests", state.CurrentStage)
		assert.Equal(t, StageError, state.Stages["fast"].Status)
		assert.Contains(t, state.Stages["fast"].ErrorMessage, "interrupted by stage tests")
		assert.Equal(t, 1, runningStages(state))
	})

	t.Run("creating absent stage interrupts the running stage", func(t *testing.T) {
		m := newTestManager(t)
		m.StartStage("fast")
		m.UpdateStageStatus("cleaning", StageCompleted)

		state := m.Snapshot()
		assert.Equal(t, "cleaning", state.CurrentStage)
		assert.Equal(t, StageError, state.Stages["fast"].Status)
		assert.Equal(t, 1, runningStages(state))
	})
}

func TestIssues(t *testing.T) {
	m := newTestManager(t)

	m.AddIssue(Issue{ID: "a", Type: "type_error", Priority: PriorityCritical, AutoFixable: true})
	m.AddIssue(Issue{ID: "b", Type: "import_error", Priority: PriorityLow})
	m.AddIssue(Issue{ID: "c", Type: "type_error", Priority: PriorityLow})

	assert.Len(t, m.IssuesByPriority(PriorityLow), 2)
	assert.Len(t, m.IssuesByType("type_error"), 2)
	assert.Len(t, m.AutoFixableIssues(), 1)

	assert.True(t, m.RemoveIssue("b"))
	assert.False(t, m.RemoveIssue("b"), "second removal reports absence")
	assert.Empty(t, m.IssuesByType("import_error"))
}

func TestSummarize(t *testing.T) {
	m := newTestManager(t)

	m.StartStage("tests")
	m.AddIssue(Issue{ID: "a", Type: "type_error", Priority: PriorityHigh})
	m.AddIssue(Issue{ID: "b", Type: "type_error", Priority: PriorityHigh})

	s := m.Summarize()
	assert.Equal(t, "tests", s.CurrentStage)
	assert.Equal(t, 2, s.TotalIssues)
	assert.Equal(t, 2, s.IssuesByPriority[PriorityHigh])
	assert.Equal(t, 2, s.IssuesByType["type_error"])
	assert.Equal(t, StageRunning, s.StageStatuses["tests"])
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	m.StartStage("tests")
	m.CompleteStage("tests", []Issue{{ID: "i1", Type: "test_failure", Priority: PriorityMedium}}, []string{"fix"})
	m.AddIssue(Issue{ID: "i2", Type: "lint", Priority: PriorityLow})
	before := m.Snapshot()

	name, err := m.SaveCheckpoint("before-clean")
	require.NoError(t, err)
	assert.Equal(t, "before-clean", name)

	// Mutate, then restore.
	m.Reset()
	assert.NotEqual(t, before.SessionID, m.SessionID())

	require.NoError(t, m.LoadCheckpoint(name))
	after := m.Snapshot()
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.GlobalIssues, after.GlobalIssues)
	assert.Equal(t, before.FixesApplied, after.FixesApplied)
	require.Contains(t, after.Stages, "tests")
	assert.Equal(t, before.Stages["tests"].Status, after.Stages["tests"].Status)
}

func TestCheckpoint_SynthesisedNameAndListing(t *testing.T) {
	m := newTestManager(t)

	name, err := m.SaveCheckpoint("")
	require.NoError(t, err)
	assert.Contains(t, name, "checkpoint_")

	_, err = m.SaveCheckpoint("second")
	require.NoError(t, err)

	list, err := m.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.GreaterOrEqual(t, list[0].Timestamp, list[1].Timestamp, "newest first")
}

func TestCheckpoint_Errors(t *testing.T) {
	m := newTestManager(t)

	_, err := m.SaveCheckpoint("../escape")
	assert.Error(t, err)

	err = m.LoadCheckpoint("never-saved")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestLoadCheckpoint_RejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, nil)
	require.NoError(t, err)
	before := m.SessionID()

	// A valid checkpoint file planted outside checkpoints/ must stay
	// unreachable through the name.
	planted := checkpointFile{
		Name:      "outside",
		Timestamp: epochSeconds(),
		SessionState: State{
			SessionID: "hijacked",
			Stages:    map[string]*StageResult{},
		},
	}
	data, err := json.Marshal(planted)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside.json"), data, 0o644))

	for _, name := range []string{"../outside", `..\outside`, ""} {
		err := m.LoadCheckpoint(name)
		require.Error(t, err, "name %q must be rejected", name)
		assert.NotErrorIs(t, err, ErrCheckpointNotFound)
	}
	assert.Equal(t, before, m.SessionID(), "session state is untouched")
}

// fakeSaver records scheduled keys instead of writing.
type fakeSaver struct {
	keys []string
	fns  []func() error
}

func (f *fakeSaver) Schedule(key string, fn func() error) {
	f.keys = append(f.keys, key)
	f.fns = append(f.fns, fn)
}

func TestSave_GoesThroughBoundSaver(t *testing.T) {
	dir := t.TempDir()
	saver := &fakeSaver{}
	m, err := NewManager(dir, saver)
	require.NoError(t, err)

	m.StartStage("fast")
	require.NotEmpty(t, saver.keys)
	assert.Equal(t, sessionFileKey, saver.keys[0])

	// Nothing on disk until the scheduled fn runs.
	_, statErr := os.Stat(filepath.Join(dir, sessionFileKey))
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, saver.fns[len(saver.fns)-1]())
	_, statErr = os.Stat(filepath.Join(dir, sessionFileKey))
	assert.NoError(t, statErr)
}
