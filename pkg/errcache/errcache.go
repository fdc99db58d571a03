// Package errcache keeps a file-backed cache of recurring tool-output error
// patterns and the outcomes of attempted fixes. It powers the analysis tools
// and lets repeat failures be recognised across workflow runs.
package errcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	patternsFile = "error_patterns.json"
	fixesFile    = "fix_results.json"
)

// Pattern is one recognised error shape from tool output.
type Pattern struct {
	PatternID      string   `json:"pattern_id"`
	ErrorType      string   `json:"error_type"`
	ErrorCode      string   `json:"error_code"`
	MessagePattern string   `json:"message_pattern"`
	FilePattern    string   `json:"file_pattern,omitempty"`
	CommonFixes    []string `json:"common_fixes"`
	AutoFixable    bool     `json:"auto_fixable"`
	Frequency      int      `json:"frequency"`
	LastSeen       int64    `json:"last_seen"`
}

// FixResult records one attempt at fixing a pattern. Results are append-only.
type FixResult struct {
	FixID         string   `json:"fix_id"`
	PatternID     string   `json:"pattern_id"`
	Success       bool     `json:"success"`
	FilesAffected []string `json:"files_affected"`
	TimeTaken     float64  `json:"time_taken"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// Stats summarises cache contents.
type Stats struct {
	TotalPatterns int            `json:"total_patterns"`
	TotalFixes    int            `json:"total_fixes"`
	AutoFixable   int            `json:"auto_fixable"`
	ByErrorType   map[string]int `json:"by_error_type"`
}

// Cache is the file-backed pattern store. All mutations are serialised by
// a single mutex; persistence is best-effort.
type Cache struct {
	dir        string
	maxEntries int
	log        *slog.Logger

	mu       sync.Mutex
	patterns map[string]*Pattern
	fixes    []FixResult
}

// New loads the cache from cacheDir, resetting to empty on any parse
// failure. maxEntries bounds the pattern map; 0 means unbounded.
func New(cacheDir string, maxEntries int) (*Cache, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	c := &Cache{
		dir:        cacheDir,
		maxEntries: maxEntries,
		patterns:   make(map[string]*Pattern),
		log:        slog.With("component", "error_cache"),
	}
	c.load()
	return c, nil
}

func (c *Cache) load() {
	if data, err := os.ReadFile(filepath.Join(c.dir, patternsFile)); err == nil {
		if err := json.Unmarshal(data, &c.patterns); err != nil {
			c.log.Warn("Resetting corrupt pattern cache", "error", err)
			c.patterns = make(map[string]*Pattern)
		}
	}
	if data, err := os.ReadFile(filepath.Join(c.dir, fixesFile)); err == nil {
		if err := json.Unmarshal(data, &c.fixes); err != nil {
			c.log.Warn("Resetting corrupt fix results", "error", err)
			c.fixes = nil
		}
	}
	c.log.Info("Error cache loaded", "patterns", len(c.patterns), "fix_results", len(c.fixes))
}

// savePatterns and saveFixes are best-effort: disk failures are logged and
// the in-memory view stays authoritative. Callers must hold c.mu.
func (c *Cache) savePatterns() {
	c.writeJSON(patternsFile, c.patterns)
}

func (c *Cache) saveFixes() {
	c.writeJSON(fixesFile, c.fixes)
}

func (c *Cache) writeJSON(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		c.log.Warn("Failed to serialise cache file", "file", name, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(c.dir, name), data, 0o644); err != nil {
		c.log.Warn("Failed to persist cache file", "file", name, "error", err)
	}
}

// AddPattern inserts p, or bumps the existing entry with the same id:
// frequency is incremented, last_seen refreshed, and common_fixes merged
// with set-union semantics.
func (c *Cache) AddPattern(p Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	if existing, found := c.patterns[p.PatternID]; found {
		existing.Frequency++
		existing.LastSeen = now
		existing.CommonFixes = unionStrings(existing.CommonFixes, p.CommonFixes)
	} else {
		stored := p
		if stored.Frequency < 1 {
			stored.Frequency = 1
		}
		if stored.LastSeen == 0 {
			stored.LastSeen = now
		}
		stored.CommonFixes = unionStrings(nil, p.CommonFixes)
		c.patterns[p.PatternID] = &stored
		c.evictOverflow()
	}
	c.savePatterns()
}

// evictOverflow drops the oldest-seen patterns when the map exceeds its cap.
// Caller must hold c.mu.
func (c *Cache) evictOverflow() {
	if c.maxEntries <= 0 || len(c.patterns) <= c.maxEntries {
		return
	}
	all := c.snapshotLocked()
	sort.Slice(all, func(i, j int) bool { return all[i].LastSeen < all[j].LastSeen })
	for _, p := range all[:len(c.patterns)-c.maxEntries] {
		delete(c.patterns, p.PatternID)
	}
}

// AddFixResult appends r. A successful fix marks the referenced pattern
// auto-fixable and records a verification note on it.
func (c *Cache) AddFixResult(r FixResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fixes = append(c.fixes, r)
	if r.Success {
		if p, found := c.patterns[r.PatternID]; found {
			p.AutoFixable = true
			p.CommonFixes = unionStrings(p.CommonFixes,
				[]string{fmt.Sprintf("verified fix %s", r.FixID)})
			c.savePatterns()
		}
	}
	c.saveFixes()
}

// FindByType returns all patterns with the given error type.
func (c *Cache) FindByType(errorType string) []Pattern {
	return c.filter(func(p *Pattern) bool { return p.ErrorType == errorType })
}

// FindByCode returns all patterns with the given error code.
func (c *Cache) FindByCode(code string) []Pattern {
	return c.filter(func(p *Pattern) bool { return p.ErrorCode == code })
}

// AutoFixableOnly returns the patterns marked auto-fixable.
func (c *Cache) AutoFixableOnly() []Pattern {
	return c.filter(func(p *Pattern) bool { return p.AutoFixable })
}

// Recent returns patterns seen within the last given number of hours.
func (c *Cache) Recent(hours int) []Pattern {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()
	return c.filter(func(p *Pattern) bool { return p.LastSeen >= cutoff })
}

// TopByFrequency returns up to limit patterns ordered most-frequent first.
func (c *Cache) TopByFrequency(limit int) []Pattern {
	all := c.filter(func(*Pattern) bool { return true })
	sort.Slice(all, func(i, j int) bool {
		if all[i].Frequency != all[j].Frequency {
			return all[i].Frequency > all[j].Frequency
		}
		return all[i].PatternID < all[j].PatternID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// FixSuccessRate returns successes/attempts for a pattern, 0 when no fix
// has ever been attempted.
func (c *Cache) FixSuccessRate(patternID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempts, successes := 0, 0
	for _, f := range c.fixes {
		if f.PatternID == patternID {
			attempts++
			if f.Success {
				successes++
			}
		}
	}
	if attempts == 0 {
		return 0
	}
	return float64(successes) / float64(attempts)
}

// CleanupOld drops patterns whose last_seen is older than the given number
// of days and returns how many were removed.
func (c *Cache) CleanupOld(days int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Unix() - int64(days)*86400
	removed := 0
	for id, p := range c.patterns {
		if p.LastSeen < cutoff {
			delete(c.patterns, id)
			removed++
		}
	}
	if removed > 0 {
		c.savePatterns()
	}
	return removed
}

// Stats summarises the cache contents.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalPatterns: len(c.patterns),
		TotalFixes:    len(c.fixes),
		ByErrorType:   make(map[string]int),
	}
	for _, p := range c.patterns {
		s.ByErrorType[p.ErrorType]++
		if p.AutoFixable {
			s.AutoFixable++
		}
	}
	return s
}

// Export writes a snapshot bundle of the whole cache to path.
func (c *Cache) Export(path string) error {
	c.mu.Lock()
	bundle := map[string]any{
		"export_time":    time.Now().UTC().Format(time.RFC3339),
		"total_patterns": len(c.patterns),
		"patterns":       c.snapshotLocked(),
		"fix_results":    append([]FixResult(nil), c.fixes...),
	}
	c.mu.Unlock()
	bundle["stats"] = c.Stats()

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

func (c *Cache) filter(keep func(*Pattern) bool) []Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Pattern
	for _, p := range c.patterns {
		if keep(p) {
			out = append(out, *p)
		}
	}
	return out
}

// snapshotLocked copies all patterns; caller must hold c.mu.
func (c *Cache) snapshotLocked() []Pattern {
	out := make([]Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		out = append(out, *p)
	}
	return out
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range base {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
