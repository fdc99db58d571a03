package errcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	return c
}

func TestAddPattern_Idempotence(t *testing.T) {
	c := newTestCache(t)

	p := Pattern{
		PatternID:      "ruff_E501_1234",
		ErrorType:      "ruff",
		ErrorCode:      "E501",
		MessagePattern: "line too long",
		CommonFixes:    []string{"wrap the line"},
	}
	c.AddPattern(p)
	c.AddPattern(p)

	got := c.FindByCode("E501")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Frequency)
	assert.Equal(t, []string{"wrap the line"}, got[0].CommonFixes)
	assert.InDelta(t, time.Now().Unix(), got[0].LastSeen, 5)
}

func TestAddPattern_MergesFixes(t *testing.T) {
	c := newTestCache(t)

	c.AddPattern(Pattern{PatternID: "x", CommonFixes: []string{"a", "b"}})
	c.AddPattern(Pattern{PatternID: "x", CommonFixes: []string{"b", "c"}})

	got := c.TopByFrequency(1)
	require.Len(t, got, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got[0].CommonFixes)
}

func TestAddFixResult_FlipsAutoFixable(t *testing.T) {
	c := newTestCache(t)
	c.AddPattern(Pattern{PatternID: "p1", ErrorType: "pyright"})

	c.AddFixResult(FixResult{FixID: "f1", PatternID: "p1", Success: false})
	require.Empty(t, c.AutoFixableOnly())

	c.AddFixResult(FixResult{FixID: "f2", PatternID: "p1", Success: true, TimeTaken: 0.5})
	fixable := c.AutoFixableOnly()
	require.Len(t, fixable, 1)
	assert.Contains(t, fixable[0].CommonFixes, "verified fix f2")

	assert.Equal(t, 0.5, c.FixSuccessRate("p1"))
	assert.Equal(t, 0.0, c.FixSuccessRate("unknown"))
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(dir, 0)
	require.NoError(t, err)
	c1.AddPattern(Pattern{PatternID: "p1", ErrorType: "ruff", ErrorCode: "E501"})
	c1.AddFixResult(FixResult{FixID: "f1", PatternID: "p1", Success: true})

	c2, err := New(dir, 0)
	require.NoError(t, err)
	assert.Len(t, c2.FindByType("ruff"), 1)
	assert.Equal(t, 1.0, c2.FixSuccessRate("p1"))
}

func TestLoad_CorruptFileResets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, patternsFile), []byte("{broken"), 0o644))

	c, err := New(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stats().TotalPatterns)
}

func TestCleanupOld(t *testing.T) {
	c := newTestCache(t)
	c.AddPattern(Pattern{PatternID: "old", LastSeen: time.Now().Unix() - 10*86400})
	c.AddPattern(Pattern{PatternID: "fresh"})

	removed := c.CleanupOld(7)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats().TotalPatterns)
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	c, err := New(t.TempDir(), 2)
	require.NoError(t, err)

	c.AddPattern(Pattern{PatternID: "a", LastSeen: 100})
	c.AddPattern(Pattern{PatternID: "b", LastSeen: 200})
	c.AddPattern(Pattern{PatternID: "c", LastSeen: 300})

	stats := c.Stats()
	assert.Equal(t, 2, stats.TotalPatterns)
	assert.Empty(t, c.filterByID("a"), "oldest entry is evicted")
	assert.Len(t, c.filterByID("c"), 1)
}

func (c *Cache) filterByID(id string) []Pattern {
	return c.filter(func(p *Pattern) bool { return p.PatternID == id })
}

func TestAnalyzeOutput_Ruff(t *testing.T) {
	c := newTestCache(t)

	out := c.AnalyzeOutput("src/a.py:10:80: E501 line too long (82 > 79)", "ruff")
	require.Len(t, out, 1)
	assert.Equal(t, "ruff", out[0].ErrorType)
	assert.Equal(t, "E501", out[0].ErrorCode)
	assert.Contains(t, out[0].MessagePattern, "line too long")
	assert.True(t, out[0].AutoFixable)
	assert.Equal(t, "src/a.py", out[0].FilePattern)

	// Same line again bumps frequency instead of duplicating.
	c.AnalyzeOutput("src/a.py:10:80: E501 line too long (82 > 79)", "ruff")
	got := c.FindByCode("E501")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Frequency)
}

func TestAnalyzeOutput_Pyright(t *testing.T) {
	c := newTestCache(t)

	line := `src/b.py:3:1 - error: "foo" is not defined (reportUndefinedVariable)`
	out := c.AnalyzeOutput(line, "pyright")
	require.Len(t, out, 1)
	assert.Equal(t, "reportUndefinedVariable", out[0].ErrorCode)
	assert.Contains(t, out[0].MessagePattern, "is not defined")
	assert.False(t, out[0].AutoFixable)
}

func TestAnalyzeOutput_Bandit(t *testing.T) {
	c := newTestCache(t)

	out := c.AnalyzeOutput("Issue: Use of insecure MD5 hash  Test: B303", "bandit")
	require.Len(t, out, 1)
	assert.Equal(t, "B303", out[0].ErrorCode)
	assert.Contains(t, out[0].MessagePattern, "insecure MD5")
}

func TestAnalyzeOutput_UnmatchedLinesIgnored(t *testing.T) {
	c := newTestCache(t)

	out := c.AnalyzeOutput("collected 3 items\n\nsome prose that is not a diagnostic", "ruff")
	assert.Empty(t, out)
	assert.Equal(t, 0, c.Stats().TotalPatterns)
}

func TestAnalyzeOutput_OnlyMatchingToolStores(t *testing.T) {
	c := newTestCache(t)

	// The same diagnostic analysed under every parser caches exactly one
	// pattern, attributed to the tool that produced it.
	line := "src/a.py:10:80: E501 line too long (82 > 79)"
	for _, tool := range []string{"ruff", "pyright", "bandit"} {
		c.AnalyzeOutput(line, tool)
	}

	assert.Equal(t, 1, c.Stats().TotalPatterns)
	assert.Len(t, c.FindByType("ruff"), 1)
	assert.Empty(t, c.FindByType("pyright"))
	assert.Empty(t, c.FindByType("bandit"))
}

func TestExport(t *testing.T) {
	c := newTestCache(t)
	c.AddPattern(Pattern{PatternID: "p1", ErrorType: "ruff"})
	c.AddFixResult(FixResult{FixID: "f1", PatternID: "p1", Success: true})

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, c.Export(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var bundle map[string]any
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Equal(t, float64(1), bundle["total_patterns"])
	assert.NotEmpty(t, bundle["export_time"])
	assert.NotNil(t, bundle["stats"])
}
