package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

// staleSweepInterval is how often held job slots are checked for staleness.
const staleSweepInterval = 5 * time.Minute

// Middleware bundles the rate limiter and resource monitor behind one
// admission surface and runs the periodic stale-slot sweep.
type Middleware struct {
	Limiter *RateLimiter
	Monitor *ResourceMonitor

	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMiddleware wires a limiter and monitor from shared configuration.
func NewMiddleware(cfg *config.RateLimitConfig) *Middleware {
	return &Middleware{
		Limiter:  NewRateLimiter(cfg),
		Monitor:  NewResourceMonitor(cfg),
		log:      slog.With("component", "admission"),
		interval: staleSweepInterval,
	}
}

// Admit combines the rate-limit decision with job-slot acquisition. The
// slot is only taken when the rate limit passes; a denied slot releases
// nothing.
func (m *Middleware) Admit(ctx context.Context, clientID, jobID string) (Decision, error) {
	decision := m.Limiter.IsAllowed(clientID)
	if !decision.Allowed {
		return decision, nil
	}
	if err := m.Monitor.Acquire(ctx, jobID); err != nil {
		return Decision{
			Allowed:           false,
			Reason:            "max_concurrent_jobs_exceeded",
			Limit:             m.Monitor.cfg.MaxConcurrentJobs,
			Window:            "concurrent",
			RetryAfterSeconds: 30,
		}, err
	}
	return decision, nil
}

// Start launches the periodic stale cleanup. Idempotent.
func (m *Middleware) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if cleaned := m.Monitor.CleanupStale(); cleaned > 0 {
					m.log.Info("Stale job slots reclaimed", "count", cleaned)
				}
			}
		}
	}()
	m.log.Info("Admission middleware started", "sweep_interval", m.interval)
}

// Stop cancels the cleanup loop and waits for it to exit. Idempotent.
func (m *Middleware) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	m.cancel()
	<-m.done
	m.log.Info("Admission middleware stopped")
}
