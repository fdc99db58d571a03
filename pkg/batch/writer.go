// Package batch provides a debounced writer that coalesces save callbacks
// per key. Rapid state mutations collapse into one disk write per key per
// debounce window; the latest scheduled callback wins.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

type pendingSave struct {
	fn          func() error
	scheduledAt time.Time
}

// Writer coalesces save functions keyed by string and flushes them on a
// debounce timer or when the pending set reaches the batch-size cap.
type Writer struct {
	debounce time.Duration
	maxBatch int
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingSave

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
}

// NewWriter builds a Writer from configuration. Call Start before scheduling.
func NewWriter(cfg *config.BatchWriterConfig) *Writer {
	return &Writer{
		debounce: cfg.DebounceDelay,
		maxBatch: cfg.MaxBatchSize,
		log:      slog.With("component", "batch_writer"),
		pending:  make(map[string]pendingSave),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (w *Writer) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.log.Info("Batch writer started", "debounce", w.debounce, "max_batch", w.maxBatch)
	go w.loop()
}

// Schedule records fn for key, replacing any pending callback for the same
// key. When the pending count reaches the batch cap, everything is flushed
// immediately.
func (w *Writer) Schedule(key string, fn func() error) {
	w.mu.Lock()
	w.pending[key] = pendingSave{fn: fn, scheduledAt: time.Now()}
	full := len(w.pending) >= w.maxBatch
	w.mu.Unlock()

	if full {
		w.flush(false)
	}
}

// Pending reports the number of scheduled saves not yet flushed.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stop cancels the flush loop and flushes everything still pending.
// Idempotent.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			<-w.done
		}
		w.flush(false)
		w.log.Info("Batch writer stopped")
	})
}

func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flush(true)
		}
	}
}

// flush drains ready entries and invokes their callbacks outside the lock.
// With agedOnly set, only entries older than the debounce window are taken.
func (w *Writer) flush(agedOnly bool) {
	now := time.Now()

	w.mu.Lock()
	ready := make(map[string]pendingSave)
	for key, save := range w.pending {
		if agedOnly && now.Sub(save.scheduledAt) < w.debounce {
			continue
		}
		ready[key] = save
		delete(w.pending, key)
	}
	w.mu.Unlock()

	for key, save := range ready {
		if err := save.fn(); err != nil {
			w.log.Warn("Batched save failed", "key", key, "error", err)
		}
	}
}
