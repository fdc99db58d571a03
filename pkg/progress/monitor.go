package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Callback receives a snapshot for a subscribed job. A returned error
// removes the subscription; other subscribers are unaffected.
type Callback func(Snapshot) error

// Monitor is the fan-out contract: observers subscribe per job id and are
// notified whenever that job's snapshot changes. Exactly one implementation
// runs at a time — the fsnotify watch when the platform supports it, a
// polling scan otherwise.
type Monitor interface {
	Subscribe(jobID string, cb Callback) string
	Unsubscribe(jobID, subscriptionID string)
	Current(jobID string) (*Snapshot, error)
	CleanupCompleted(maxAge time.Duration) int
	Start(ctx context.Context) error
	Stop()
}

// NewMonitor probes for OS file-watch support and returns the event-driven
// monitor when available, falling back to polling.
func NewMonitor(store *Store) Monitor {
	if w, err := fsnotify.NewWatcher(); err == nil {
		w.Close()
		return NewWatchMonitor(store)
	}
	slog.Warn("File watching unavailable, falling back to polling monitor")
	return NewPollMonitor(store)
}

// subscriberSet is the shared registry behind both monitor implementations.
type subscriberSet struct {
	store *Store
	log   *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]Callback
}

func newSubscriberSet(store *Store, log *slog.Logger) *subscriberSet {
	return &subscriberSet{
		store: store,
		log:   log,
		subs:  make(map[string]map[string]Callback),
	}
}

func (f *subscriberSet) Subscribe(jobID string, cb Callback) string {
	id := uuid.NewString()
	f.mu.Lock()
	if f.subs[jobID] == nil {
		f.subs[jobID] = make(map[string]Callback)
	}
	f.subs[jobID][id] = cb
	f.mu.Unlock()
	return id
}

func (f *subscriberSet) Unsubscribe(jobID, subscriptionID string) {
	f.mu.Lock()
	if set, found := f.subs[jobID]; found {
		delete(set, subscriptionID)
		if len(set) == 0 {
			delete(f.subs, jobID)
		}
	}
	f.mu.Unlock()
}

func (f *subscriberSet) Current(jobID string) (*Snapshot, error) {
	return f.store.Read(jobID)
}

func (f *subscriberSet) CleanupCompleted(maxAge time.Duration) int {
	return f.store.CleanupCompleted(maxAge)
}

// notify reads the job's snapshot and delivers it to every subscriber.
// Failing callbacks are dropped from the set; the read itself failing
// (oversized or malformed file) delivers nothing.
func (f *subscriberSet) notify(jobID string) {
	f.mu.RLock()
	set := f.subs[jobID]
	targets := make(map[string]Callback, len(set))
	for id, cb := range set {
		targets[id] = cb
	}
	f.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	snap, err := f.store.Read(jobID)
	if err != nil {
		f.log.Warn("Skipping notification, snapshot unreadable", "job_id", jobID, "error", err)
		return
	}

	for id, cb := range targets {
		if err := cb(*snap); err != nil {
			f.log.Warn("Dropping failed subscriber", "job_id", jobID, "subscription_id", id, "error", err)
			f.Unsubscribe(jobID, id)
		}
	}
}
