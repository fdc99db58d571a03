// Package admission decides whether new work may start: per-client and
// global sliding-window rate limits, a semaphore-bounded pool of concurrent
// job slots with a staleness reaper, and size checks on the progress area.
package admission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

// globalFactor scales the global windows relative to the per-client limits.
const globalFactor = 10

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	Window            string `json:"window,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RemainingMinute   int    `json:"remaining_minute,omitempty"`
	RemainingHour     int    `json:"remaining_hour,omitempty"`
}

// RateLimiter tracks request timestamps in four sliding windows: per-client
// minute and hour, plus global minute and hour at 10x capacity. A single
// mutex protects all windows.
type RateLimiter struct {
	perMinute int
	perHour   int
	log       *slog.Logger

	mu           sync.Mutex
	clientMinute map[string][]time.Time
	clientHour   map[string][]time.Time
	globalMinute []time.Time
	globalHour   []time.Time
	denials      int64
}

// NewRateLimiter builds a limiter from configuration.
func NewRateLimiter(cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		perMinute:    cfg.RequestsPerMinute,
		perHour:      cfg.RequestsPerHour,
		log:          slog.With("component", "rate_limiter"),
		clientMinute: make(map[string][]time.Time),
		clientHour:   make(map[string][]time.Time),
	}
}

// IsAllowed checks the four windows in order: client minute, client hour,
// global minute, global hour. The first window over its limit denies the
// request; on success the call is recorded in all four.
func (rl *RateLimiter) IsAllowed(clientID string) Decision {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	minCutoff := now.Add(-time.Minute)
	hourCutoff := now.Add(-time.Hour)

	rl.clientMinute[clientID] = evict(rl.clientMinute[clientID], minCutoff)
	rl.clientHour[clientID] = evict(rl.clientHour[clientID], hourCutoff)
	rl.globalMinute = evict(rl.globalMinute, minCutoff)
	rl.globalHour = evict(rl.globalHour, hourCutoff)

	checks := []struct {
		count  int
		limit  int
		reason string
		window string
		retry  int
	}{
		{len(rl.clientMinute[clientID]), rl.perMinute, "minute_limit_exceeded", "minute", 60},
		{len(rl.clientHour[clientID]), rl.perHour, "hour_limit_exceeded", "hour", 3600},
		{len(rl.globalMinute), rl.perMinute * globalFactor, "global_minute_limit_exceeded", "minute", 60},
		{len(rl.globalHour), rl.perHour * globalFactor, "global_hour_limit_exceeded", "hour", 3600},
	}
	for _, c := range checks {
		if c.count >= c.limit {
			rl.denials++
			rl.log.Warn("Request denied by rate limit",
				"client_id", clientID, "reason", c.reason, "limit", c.limit)
			return Decision{
				Allowed:           false,
				Reason:            c.reason,
				Limit:             c.limit,
				Window:            c.window,
				RetryAfterSeconds: c.retry,
			}
		}
	}

	rl.clientMinute[clientID] = append(rl.clientMinute[clientID], now)
	rl.clientHour[clientID] = append(rl.clientHour[clientID], now)
	rl.globalMinute = append(rl.globalMinute, now)
	rl.globalHour = append(rl.globalHour, now)

	return Decision{
		Allowed:         true,
		RemainingMinute: rl.perMinute - len(rl.clientMinute[clientID]),
		RemainingHour:   rl.perHour - len(rl.clientHour[clientID]),
	}
}

// Denials reports how many requests have been refused so far.
func (rl *RateLimiter) Denials() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.denials
}

// evict drops timestamps at or before the cutoff. Entries are appended in
// time order, so the first surviving index bounds the rest.
func evict(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
