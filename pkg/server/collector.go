package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/config"
)

// ComponentFunc gathers one component's status. The passed context carries
// the per-collector deadline.
type ComponentFunc func(ctx context.Context) (any, error)

// Collector gathers component status maps with bounded concurrency rules:
// collections are single-flight with a bounded wait for the slot, each
// component gets its own timeout, and full results are cached for a short
// TTL so status polling stays cheap.
type Collector struct {
	cfg   *config.StatusConfig
	log   *slog.Logger
	slot  chan struct{}
	cache *gocache.Cache

	mu         sync.Mutex
	names      []string
	components map[string]ComponentFunc
}

// NewCollector builds an empty collector; components are added via Register.
func NewCollector(cfg *config.StatusConfig) *Collector {
	return &Collector{
		cfg:        cfg,
		log:        slog.With("component", "status_collector"),
		slot:       make(chan struct{}, 1),
		cache:      gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		components: make(map[string]ComponentFunc),
	}
}

// Register adds a named component. Registration order is the report order.
func (c *Collector) Register(name string, fn ComponentFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.components[name]; !dup {
		c.names = append(c.names, name)
	}
	c.components[name] = fn
}

// Names lists the registered component names in registration order.
func (c *Collector) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

// Collect gathers status for the requested components, or all registered
// ones when names is empty. The returned map has one entry per component
// plus an "errors" list when any collector failed.
func (c *Collector) Collect(ctx context.Context, names []string) map[string]any {
	if len(names) == 0 {
		names = c.Names()
	}
	key := cacheKey(names)
	if cached, hit := c.cache.Get(key); hit {
		return cached.(map[string]any)
	}

	select {
	case c.slot <- struct{}{}:
		defer func() { <-c.slot }()
	case <-time.After(c.cfg.LockAcquireWait):
		return map[string]any{"errors": []string{"status collection already in progress"}}
	case <-ctx.Done():
		return map[string]any{"errors": []string{ctx.Err().Error()}}
	}

	// A concurrent caller may have filled the cache while this one waited.
	if cached, hit := c.cache.Get(key); hit {
		return cached.(map[string]any)
	}

	result := c.collect(ctx, names)
	c.cache.Set(key, result, gocache.DefaultExpiration)
	return result
}

type componentResult struct {
	name string
	data any
	err  error
}

func (c *Collector) collect(ctx context.Context, names []string) map[string]any {
	c.mu.Lock()
	fns := make(map[string]ComponentFunc, len(names))
	for _, name := range names {
		fns[name] = c.components[name]
	}
	c.mu.Unlock()

	results := make(chan componentResult, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		fn := fns[name]
		if fn == nil {
			results <- componentResult{name: name, err: fmt.Errorf("unknown component %q", name)}
			continue
		}
		wg.Add(1)
		go func(name string, fn ComponentFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.cfg.CollectorTimeout)
			defer cancel()
			data, err := fn(cctx)
			results <- componentResult{name: name, data: data, err: err}
		}(name, fn)
	}
	wg.Wait()
	close(results)

	out := make(map[string]any, len(names)+1)
	var errs []string
	for r := range results {
		if r.err != nil {
			c.log.Warn("Component status collection failed", "name", r.name, "error", r.err)
			errs = append(errs, fmt.Sprintf("%s: %v", r.name, r.err))
			continue
		}
		out[r.name] = r.data
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		out["errors"] = errs
	}
	return out
}

func cacheKey(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
