package progress

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// pollInterval is the scan period of the fallback monitor.
const pollInterval = 500 * time.Millisecond

// PollMonitor is the fallback fan-out for platforms without a usable file
// watch: a periodic directory scan that fires callbacks for files whose
// mtime advanced since the previous pass.
type PollMonitor struct {
	*subscriberSet

	interval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mtimes  map[string]time.Time
}

// NewPollMonitor builds the polling monitor with the default 500ms period.
func NewPollMonitor(store *Store) *PollMonitor {
	log := slog.With("component", "progress_monitor", "mode", "poll")
	return &PollMonitor{
		subscriberSet: newSubscriberSet(store, log),
		interval:      pollInterval,
		mtimes:        make(map[string]time.Time),
	}
}

// Start launches the scan loop.
func (m *PollMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.loop(loopCtx)
	m.log.Info("Progress monitor started", "dir", m.store.Dir(), "interval", m.interval)
	return nil
}

func (m *PollMonitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

// scan fires a notification for every job file whose mtime advanced.
func (m *PollMonitor) scan() {
	matches, err := filepath.Glob(filepath.Join(m.store.Dir(), "job-*.json"))
	if err != nil {
		m.log.Warn("Poll scan failed", "error", err)
		return
	}

	var changed []string
	m.mu.Lock()
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		jobID, valid := jobIDFromFile(path)
		if !valid {
			continue
		}
		if last, seen := m.mtimes[jobID]; !seen || info.ModTime().After(last) {
			m.mtimes[jobID] = info.ModTime()
			changed = append(changed, jobID)
		}
	}
	m.mu.Unlock()

	for _, jobID := range changed {
		m.notify(jobID)
	}
}

// Stop cancels the scan loop and waits for it to exit. Idempotent.
func (m *PollMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info("Progress monitor stopped")
}

var _ Monitor = (*PollMonitor)(nil)
var _ Monitor = (*WatchMonitor)(nil)
