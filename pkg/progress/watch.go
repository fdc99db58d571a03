package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce suppresses duplicate events for the same job arriving in
// quick succession; editors and atomic renames produce several per write.
const watchDebounce = 100 * time.Millisecond

// WatchMonitor is the event-driven fan-out: an fsnotify watch on the
// progress directory fires callbacks as job files change.
type WatchMonitor struct {
	*subscriberSet

	mu        sync.Mutex
	started   bool
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	done      chan struct{}
	lastEvent map[string]time.Time
}

// NewWatchMonitor builds the watch-based monitor. Start opens the watch.
func NewWatchMonitor(store *Store) *WatchMonitor {
	log := slog.With("component", "progress_monitor", "mode", "watch")
	return &WatchMonitor{
		subscriberSet: newSubscriberSet(store, log),
		lastEvent:     make(map[string]time.Time),
	}
}

// Start opens the directory watch and launches the event loop.
func (m *WatchMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("opening file watcher: %w", err)
	}
	if err := watcher.Add(m.store.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watching progress directory: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.loop(loopCtx)
	m.log.Info("Progress monitor started", "dir", m.store.Dir())
	return nil
}

func (m *WatchMonitor) loop(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-m.watcher.Events:
			if !open {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			jobID, valid := jobIDFromFile(event.Name)
			if !valid {
				continue
			}
			if m.debounced(jobID) {
				continue
			}
			m.notify(jobID)
		case err, open := <-m.watcher.Errors:
			if !open {
				return
			}
			m.log.Warn("File watcher error", "error", err)
		}
	}
}

// debounced reports whether an event for this job fired within the
// debounce window, recording the current event time either way.
func (m *WatchMonitor) debounced(jobID string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, seen := m.lastEvent[jobID]; seen && now.Sub(last) < watchDebounce {
		return true
	}
	m.lastEvent[jobID] = now
	return false
}

// Stop closes the watch and waits for the event loop to exit. Idempotent.
func (m *WatchMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, watcher, done := m.cancel, m.watcher, m.done
	m.mu.Unlock()

	cancel()
	watcher.Close()
	<-done
	m.log.Info("Progress monitor stopped")
}
