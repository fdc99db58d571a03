package admission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

func limitCfg(perMinute, perHour, maxJobs int) *config.RateLimitConfig {
	cfg := config.Default().RateLimit
	cfg.RequestsPerMinute = perMinute
	cfg.RequestsPerHour = perHour
	cfg.MaxConcurrentJobs = maxJobs
	return cfg
}

func TestRateLimiter_MinuteBoundary(t *testing.T) {
	rl := NewRateLimiter(limitCfg(3, 300, 5))

	for i := 0; i < 3; i++ {
		d := rl.IsAllowed("c1")
		require.True(t, d.Allowed, "call %d should pass", i+1)
	}

	d := rl.IsAllowed("c1")
	assert.False(t, d.Allowed)
	assert.Equal(t, "minute_limit_exceeded", d.Reason)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 60, d.RetryAfterSeconds)
	assert.Equal(t, int64(1), rl.Denials())
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(limitCfg(2, 200, 5))

	require.True(t, rl.IsAllowed("c1").Allowed)
	require.True(t, rl.IsAllowed("c1").Allowed)
	require.False(t, rl.IsAllowed("c1").Allowed)

	assert.True(t, rl.IsAllowed("c2").Allowed)
}

func TestRateLimiter_GlobalWindow(t *testing.T) {
	// Global minute cap is 10x per-client: 20 for per_minute=2.
	rl := NewRateLimiter(limitCfg(2, 2000, 5))

	granted := 0
	for client := 0; client < 15; client++ {
		id := string(rune('a' + client))
		for i := 0; i < 2; i++ {
			if rl.IsAllowed(id).Allowed {
				granted++
			}
		}
	}
	assert.Equal(t, 20, granted)

	d := rl.IsAllowed("fresh-client")
	assert.False(t, d.Allowed)
	assert.Equal(t, "global_minute_limit_exceeded", d.Reason)
}

func TestRateLimiter_RemainingCounts(t *testing.T) {
	rl := NewRateLimiter(limitCfg(5, 50, 5))

	d := rl.IsAllowed("c1")
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.RemainingMinute)
	assert.Equal(t, 49, d.RemainingHour)
}

// Property: in any prefix of a burst, a single client never gets more than
// per-minute grants, regardless of interleaving with other clients.
func TestRateLimiter_WindowedRateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		perMinute := rapid.IntRange(1, 10).Draw(t, "per_minute")
		rl := NewRateLimiter(limitCfg(perMinute, perMinute*100, 5))

		grants := make(map[string]int)
		calls := rapid.IntRange(1, 80).Draw(t, "calls")
		for i := 0; i < calls; i++ {
			client := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "client")
			if rl.IsAllowed(client).Allowed {
				grants[client]++
			}
			if grants[client] > perMinute {
				t.Fatalf("client %s exceeded minute budget: %d > %d",
					client, grants[client], perMinute)
			}
		}
	})
}

func TestResourceMonitor_CapacityAndRelease(t *testing.T) {
	rm := NewResourceMonitor(limitCfg(30, 300, 2))
	ctx := context.Background()

	require.NoError(t, rm.Acquire(ctx, "job-1"))
	require.NoError(t, rm.Acquire(ctx, "job-2"))
	assert.Equal(t, 2, rm.ActiveCount())

	err := rm.Acquire(ctx, "job-3")
	assert.ErrorIs(t, err, ErrCapacity)

	rm.Release("job-1")
	assert.Equal(t, 1, rm.ActiveCount())
	assert.NoError(t, rm.Acquire(ctx, "job-3"))
}

func TestResourceMonitor_ReleaseUnknownIsNoop(t *testing.T) {
	rm := NewResourceMonitor(limitCfg(30, 300, 1))

	rm.Release("never-acquired")
	assert.NoError(t, rm.Acquire(context.Background(), "job-1"))
}

func TestResourceMonitor_CleanupStale(t *testing.T) {
	cfg := limitCfg(30, 300, 2)
	cfg.MaxJobDurationMinutes = 30
	rm := NewResourceMonitor(cfg)

	require.NoError(t, rm.Acquire(context.Background(), "old"))
	require.NoError(t, rm.Acquire(context.Background(), "fresh"))

	rm.mu.Lock()
	rm.active["old"] = time.Now().Add(-31 * time.Minute)
	rm.mu.Unlock()

	assert.Equal(t, 1, rm.CleanupStale())
	assert.Equal(t, 1, rm.ActiveCount())

	// The freed slot is usable again.
	assert.NoError(t, rm.Acquire(context.Background(), "next"))
}

func TestResourceMonitor_SizeChecks(t *testing.T) {
	cfg := limitCfg(30, 300, 5)
	cfg.MaxFileSizeMB = 1
	cfg.MaxProgressFiles = 2
	rm := NewResourceMonitor(cfg)

	dir := t.TempDir()
	small := filepath.Join(dir, "job-a.json")
	require.NoError(t, os.WriteFile(small, []byte("{}"), 0o644))
	assert.NoError(t, rm.CheckFileSize(small))
	assert.Error(t, rm.CheckFileSize(filepath.Join(dir, "missing.json")))

	assert.NoError(t, rm.CheckProgressDir(dir))
	for _, name := range []string{"job-b.json", "job-c.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	assert.Error(t, rm.CheckProgressDir(dir))
}

func TestMiddleware_AdmitDeniesWithoutHoldingSlot(t *testing.T) {
	cfg := limitCfg(1, 100, 3)
	m := NewMiddleware(cfg)
	ctx := context.Background()

	d, err := m.Admit(ctx, "c1", "job-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Second call fails the rate limit before any slot is taken.
	d, err = m.Admit(ctx, "c1", "job-2")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, m.Monitor.ActiveCount())
}

func TestMiddleware_AdmitMapsCapacityError(t *testing.T) {
	m := NewMiddleware(limitCfg(100, 1000, 1))
	ctx := context.Background()

	d, err := m.Admit(ctx, "c1", "job-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = m.Admit(ctx, "c2", "job-2")
	assert.ErrorIs(t, err, ErrCapacity)
	assert.False(t, d.Allowed)
	assert.Equal(t, "max_concurrent_jobs_exceeded", d.Reason)
}

func TestMiddleware_StartStopIdempotent(t *testing.T) {
	m := NewMiddleware(limitCfg(30, 300, 5))
	m.interval = 10 * time.Millisecond

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop()
}
