package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

func newTestCollector(mutate func(*config.StatusConfig)) *Collector {
	cfg := config.Default().Status
	if mutate != nil {
		mutate(cfg)
	}
	return NewCollector(cfg)
}

func TestCollector_CollectsAllRegistered(t *testing.T) {
	c := newTestCollector(nil)
	c.Register("alpha", func(context.Context) (any, error) { return "a", nil })
	c.Register("beta", func(context.Context) (any, error) { return map[string]any{"n": 1}, nil })

	out := c.Collect(context.Background(), nil)
	assert.Equal(t, "a", out["alpha"])
	assert.Equal(t, map[string]any{"n": 1}, out["beta"])
	assert.NotContains(t, out, "errors")
}

func TestCollector_FilteredSubset(t *testing.T) {
	c := newTestCollector(nil)
	c.Register("alpha", func(context.Context) (any, error) { return "a", nil })
	c.Register("beta", func(context.Context) (any, error) { return "b", nil })

	out := c.Collect(context.Background(), []string{"beta"})
	assert.Equal(t, "b", out["beta"])
	assert.NotContains(t, out, "alpha")
}

func TestCollector_UnknownComponent(t *testing.T) {
	c := newTestCollector(nil)
	c.Register("alpha", func(context.Context) (any, error) { return "a", nil })

	out := c.Collect(context.Background(), []string{"alpha", "ghost"})
	assert.Equal(t, "a", out["alpha"])
	require.Contains(t, out, "errors")
	assert.Contains(t, out["errors"].([]string)[0], "ghost")
}

func TestCollector_FailingComponentIsolated(t *testing.T) {
	c := newTestCollector(nil)
	c.Register("good", func(context.Context) (any, error) { return "fine", nil })
	c.Register("bad", func(context.Context) (any, error) { return nil, assert.AnError })

	out := c.Collect(context.Background(), nil)
	assert.Equal(t, "fine", out["good"])
	require.Contains(t, out, "errors")
	assert.Contains(t, out["errors"].([]string)[0], "bad")
}

func TestCollector_PerComponentTimeout(t *testing.T) {
	c := newTestCollector(func(s *config.StatusConfig) {
		s.CollectorTimeout = 50 * time.Millisecond
	})
	c.Register("slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	out := c.Collect(context.Background(), nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Contains(t, out, "errors")
	assert.Contains(t, out["errors"].([]string)[0], "slow")
}

func TestCollector_ResultsCachedForTTL(t *testing.T) {
	c := newTestCollector(nil)
	var calls atomic.Int64
	c.Register("counted", func(context.Context) (any, error) {
		return calls.Add(1), nil
	})

	first := c.Collect(context.Background(), nil)
	second := c.Collect(context.Background(), nil)
	assert.Equal(t, first["counted"], second["counted"])
	assert.Equal(t, int64(1), calls.Load())
}

func TestCollector_SingleFlight(t *testing.T) {
	c := newTestCollector(func(s *config.StatusConfig) {
		s.LockAcquireWait = 50 * time.Millisecond
	})
	release := make(chan struct{})
	c.Register("blocking", func(context.Context) (any, error) {
		<-release
		return "done", nil
	})
	c.Register("fast", func(context.Context) (any, error) { return "ok", nil })

	started := make(chan struct{})
	go func() {
		close(started)
		c.Collect(context.Background(), []string{"blocking"})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	out := c.Collect(context.Background(), []string{"fast"})
	require.Contains(t, out, "errors")
	assert.Contains(t, out["errors"].([]string)[0], "in progress")

	close(release)
}
