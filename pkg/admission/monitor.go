package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

// acquireTimeout bounds the wait for a job slot so the admission decision
// stays prompt.
const acquireTimeout = 100 * time.Millisecond

// ErrCapacity is returned when all concurrent job slots are taken.
var ErrCapacity = errors.New("maximum concurrent jobs reached")

// ResourceMonitor bounds concurrent jobs with a weighted semaphore and
// tracks each active job's start time so stale entries can be reaped.
type ResourceMonitor struct {
	cfg *config.RateLimitConfig
	sem *semaphore.Weighted
	log *slog.Logger

	mu     sync.Mutex
	active map[string]time.Time
}

// NewResourceMonitor builds a monitor sized to the configured job cap.
func NewResourceMonitor(cfg *config.RateLimitConfig) *ResourceMonitor {
	return &ResourceMonitor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		log:    slog.With("component", "resource_monitor"),
		active: make(map[string]time.Time),
	}
}

// Acquire takes a job slot, waiting at most ~100ms. On success the job is
// recorded as active until Release or the stale reaper frees it.
func (rm *ResourceMonitor) Acquire(ctx context.Context, jobID string) error {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	if err := rm.sem.Acquire(acquireCtx, 1); err != nil {
		rm.log.Warn("Job slot acquisition failed", "job_id", jobID, "error", err)
		return ErrCapacity
	}

	rm.mu.Lock()
	rm.active[jobID] = time.Now()
	rm.mu.Unlock()
	return nil
}

// Release frees the slot held by jobID. Releasing an unknown job is a no-op.
func (rm *ResourceMonitor) Release(jobID string) {
	rm.mu.Lock()
	_, held := rm.active[jobID]
	if held {
		delete(rm.active, jobID)
	}
	rm.mu.Unlock()

	if held {
		rm.sem.Release(1)
	}
}

// ActiveCount reports how many jobs currently hold a slot.
func (rm *ResourceMonitor) ActiveCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.active)
}

// CleanupStale force-releases jobs older than the configured maximum
// duration and returns how many were cleaned.
func (rm *ResourceMonitor) CleanupStale() int {
	cutoff := time.Now().Add(-rm.cfg.MaxJobDuration())

	rm.mu.Lock()
	var stale []string
	for jobID, started := range rm.active {
		if started.Before(cutoff) {
			stale = append(stale, jobID)
			delete(rm.active, jobID)
		}
	}
	rm.mu.Unlock()

	for _, jobID := range stale {
		rm.sem.Release(1)
		rm.log.Warn("Force-released stale job slot", "job_id", jobID)
	}
	return len(stale)
}

// CheckFileSize fails when the file exceeds the configured size cap.
func (rm *ResourceMonitor) CheckFileSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > rm.cfg.MaxFileSizeBytes() {
		return fmt.Errorf("file %s exceeds maximum size of %d MB", path, rm.cfg.MaxFileSizeMB)
	}
	return nil
}

// CheckProgressDir fails when the directory holds more progress files than
// permitted.
func (rm *ResourceMonitor) CheckProgressDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "job-*.json"))
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}
	if len(matches) > rm.cfg.MaxProgressFiles {
		return fmt.Errorf("progress directory holds %d files, maximum is %d",
			len(matches), rm.cfg.MaxProgressFiles)
	}
	return nil
}
