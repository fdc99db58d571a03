// Package jobs owns job lifecycle bookkeeping: the registry of WebSocket
// observers per job, broadcast of snapshot changes to them, and the
// background reapers that clean up aged and stalled jobs.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/events"
	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
)

const (
	// perSendTimeout bounds one send to one subscriber.
	perSendTimeout = 2 * time.Second
	// batchTimeout bounds a whole broadcast; still-pending sends are
	// cancelled and their connections dropped.
	batchTimeout = 5 * time.Second
)

// Sender is one subscriber endpoint, typically a WebSocket connection.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Manager tracks which senders observe which jobs and fans snapshot
// changes out to them.
type Manager struct {
	store *progress.Store
	mon   progress.Monitor
	queue *events.Queue
	log   *slog.Logger

	cleanupInterval time.Duration
	cleanupMaxAge   time.Duration
	stallInterval   time.Duration
	stallThreshold  time.Duration

	mu            sync.Mutex
	connections   map[string]map[Sender]struct{}
	subscriptions map[string]string
	knownJobs     map[string]struct{}
	started       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	statsMu        sync.Mutex
	broadcastsSent int64
	sendsDropped   int64
}

// NewManager wires the manager to its progress store and monitor. Snapshot
// changes flow through a bounded dispatch queue so a burst of updates never
// blocks the monitor callback; overflow events are dropped and counted.
func NewManager(store *progress.Store, mon progress.Monitor) *Manager {
	m := &Manager{
		store:           store,
		mon:             mon,
		log:             slog.With("component", "job_manager"),
		cleanupInterval: time.Hour,
		cleanupMaxAge:   24 * time.Hour,
		stallInterval:   5 * time.Minute,
		stallThreshold:  30 * time.Minute,
		connections:     make(map[string]map[Sender]struct{}),
		subscriptions:   make(map[string]string),
		knownJobs:       make(map[string]struct{}),
	}
	m.queue = events.NewQueue(events.DefaultCapacity, func(e events.Event) {
		m.Broadcast(context.Background(), e.JobID, e.Payload)
	})
	return m
}

// AddConnection registers a sender as an observer of jobID. The first
// observer of a job subscribes the manager to that job's snapshot changes.
func (m *Manager) AddConnection(jobID string, s Sender) {
	m.mu.Lock()
	set := m.connections[jobID]
	if set == nil {
		set = make(map[Sender]struct{})
		m.connections[jobID] = set
	}
	if _, dup := set[s]; dup {
		m.mu.Unlock()
		return
	}
	set[s] = struct{}{}
	first := len(set) == 1
	m.mu.Unlock()

	if first {
		subID := m.mon.Subscribe(jobID, func(snap progress.Snapshot) error {
			m.queue.Publish(events.Event{JobID: jobID, Payload: snap})
			return nil
		})
		m.mu.Lock()
		m.subscriptions[jobID] = subID
		m.mu.Unlock()
	}
	m.log.Debug("Connection added", "job_id", jobID)
}

// RemoveConnection drops a sender; removing an unknown sender is a no-op.
// The last observer of a job tears down the monitor subscription.
func (m *Manager) RemoveConnection(jobID string, s Sender) {
	m.mu.Lock()
	set, found := m.connections[jobID]
	if !found {
		m.mu.Unlock()
		return
	}
	delete(set, s)
	var subID string
	if len(set) == 0 {
		delete(m.connections, jobID)
		subID = m.subscriptions[jobID]
		delete(m.subscriptions, jobID)
	}
	m.mu.Unlock()

	if subID != "" {
		m.mon.Unsubscribe(jobID, subID)
	}
	m.log.Debug("Connection removed", "job_id", jobID)
}

// ConnectionCount reports the total number of registered senders.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, set := range m.connections {
		total += len(set)
	}
	return total
}

// Broadcast serialises data once and sends it to every observer of jobID.
// Each send gets its own timeout; senders that fail or outlive the batch
// budget are dropped from the registry.
func (m *Manager) Broadcast(ctx context.Context, jobID string, data any) {
	m.mu.Lock()
	set := m.connections[jobID]
	targets := make([]Sender, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		m.log.Warn("Broadcast payload not serialisable", "job_id", jobID, "error", err)
		return
	}

	batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	failed := make(chan Sender, len(targets))
	for _, s := range targets {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			sendCtx, sendCancel := context.WithTimeout(batchCtx, perSendTimeout)
			defer sendCancel()
			if err := s.Send(sendCtx, payload); err != nil {
				failed <- s
			}
		}(s)
	}
	wg.Wait()
	close(failed)

	dropped := 0
	for s := range failed {
		m.RemoveConnection(jobID, s)
		dropped++
	}

	m.statsMu.Lock()
	m.broadcastsSent++
	m.sendsDropped += int64(dropped)
	m.statsMu.Unlock()

	if dropped > 0 {
		m.log.Warn("Dropped slow subscribers during broadcast",
			"job_id", jobID, "dropped", dropped)
	}
}

// LatestJobID returns the id of the most recently updated job, or "".
func (m *Manager) LatestJobID() (string, error) {
	return m.store.Latest()
}

// Progress returns the current snapshot for a job.
func (m *Manager) Progress(jobID string) (*progress.Snapshot, error) {
	return m.store.Read(jobID)
}

// Stats reports broadcast counters.
func (m *Manager) Stats() (broadcasts, dropped int64) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.broadcastsSent, m.sendsDropped
}

// QueueStats reports the dispatch queue's delivery and overflow counters.
func (m *Manager) QueueStats() (delivered, dropped int64) {
	return m.queue.Delivered(), m.queue.Dropped()
}

// hasConnections reports whether any sender observes jobID.
func (m *Manager) hasConnections(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections[jobID]) > 0
}

// markSeen records first sight of a job id, reporting whether it was new.
func (m *Manager) markSeen(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.knownJobs[jobID]; seen {
		return false
	}
	m.knownJobs[jobID] = struct{}{}
	return true
}

// String implements fmt.Stringer for log output.
func (m *Manager) String() string {
	return fmt.Sprintf("jobs.Manager(connections=%d)", m.ConnectionCount())
}
