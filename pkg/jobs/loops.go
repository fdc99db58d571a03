package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
)

// maxConsecutiveFailures aborts a background loop that keeps failing.
const maxConsecutiveFailures = 5

// stallMessage is written into snapshots of jobs the stall reaper fails.
const stallMessage = "Job timed out (no updates for 30 minutes)"

// Start launches the background loops: new-job detection, hourly age-based
// cleanup, and the 5-minute stall reaper. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(3)
	go m.runLoop(loopCtx, "job_detection", 10*time.Second, m.detectNewJobs)
	go m.runLoop(loopCtx, "age_cleanup", m.cleanupInterval, m.cleanupAged)
	go m.runLoop(loopCtx, "stall_reaper", m.stallInterval, m.reapStalled)
	m.log.Info("Job manager started")
}

// Stop cancels the loops, stops the dispatch queue, and waits for both to
// exit. Idempotent; safe without a prior Start.
func (m *Manager) Stop() {
	m.queue.Stop()

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("Job manager stopped")
}

// runLoop ticks fn at the given interval. Failures back off exponentially
// up to 60s; a run of consecutive failures aborts the loop.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer m.wg.Done()

	log := m.log.With("loop", name)
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	failures := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			failures++
			log.Warn("Background loop tick failed", "error", err, "consecutive_failures", failures)
			if failures >= maxConsecutiveFailures {
				log.Error("Background loop aborted after repeated failures")
				return
			}
			timer.Reset(bo.NextBackOff())
			continue
		}
		failures = 0
		bo.Reset()
		timer.Reset(interval)
	}
}

// detectNewJobs scans the progress directory for first-sight job files.
func (m *Manager) detectNewJobs(ctx context.Context) error {
	ids, err := m.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if m.markSeen(id) {
			m.log.Info("New job detected", "job_id", id)
		}
	}
	return nil
}

// cleanupAged deletes progress files older than the age cutoff for jobs
// with no active observers.
func (m *Manager) cleanupAged(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(m.store.Dir(), "job-*.json"))
	if err != nil {
		return fmt.Errorf("scanning progress directory: %w", err)
	}

	cutoff := time.Now().Add(-m.cleanupMaxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		jobID := jobIDFromPath(path)
		if jobID == "" || m.hasConnections(jobID) {
			continue
		}
		if err := os.Remove(path); err != nil {
			m.log.Warn("Failed to remove aged progress file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("Aged progress files removed", "count", removed)
	}
	return nil
}

// reapStalled rewrites running snapshots whose file has not changed for
// longer than the stall threshold as failed.
func (m *Manager) reapStalled(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(m.store.Dir(), "job-*.json"))
	if err != nil {
		return fmt.Errorf("scanning progress directory: %w", err)
	}

	cutoff := time.Now().Add(-m.stallThreshold)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		jobID := jobIDFromPath(path)
		if jobID == "" {
			continue
		}
		snap, err := m.store.Read(jobID)
		if err != nil || snap.Status != progress.StatusRunning {
			continue
		}
		snap.Status = progress.StatusFailed
		snap.Message = stallMessage
		snap.Timestamp = 0
		if err := m.store.Write(*snap); err != nil {
			m.log.Warn("Failed to rewrite stalled snapshot", "job_id", jobID, "error", err)
			continue
		}
		m.log.Warn("Stalled job marked failed", "job_id", jobID)
	}
	return nil
}

func jobIDFromPath(path string) string {
	name := filepath.Base(path)
	if len(name) <= len("job-.json") {
		return ""
	}
	return name[len("job-") : len(name)-len(".json")]
}
