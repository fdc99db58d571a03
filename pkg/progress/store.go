package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/sanitize"
)

var (
	// ErrNotFound means no progress file exists for the job.
	ErrNotFound = errors.New("progress not found")
	// ErrInvalidJobID means the id failed validation.
	ErrInvalidJobID = errors.New("invalid job id")
	// ErrTooLarge means the progress file exceeds the configured cap and
	// was not parsed.
	ErrTooLarge = errors.New("progress file too large")
)

// Store reads and writes per-job snapshot files under a single directory.
// File names are always job-<id>.json with a validated id, and reads refuse
// paths that resolve outside the directory.
type Store struct {
	dir         string
	sanitizer   *sanitize.Sanitizer
	maxFileSize int64
	log         *slog.Logger
}

// NewStore validates and creates the progress directory.
func NewStore(dir string, sanitizer *sanitize.Sanitizer, maxFileSize int64) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving progress directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress directory: %w", err)
	}
	return &Store{
		dir:         abs,
		sanitizer:   sanitizer,
		maxFileSize: maxFileSize,
		log:         slog.With("component", "progress_store"),
	}, nil
}

// Dir returns the absolute progress directory.
func (s *Store) Dir() string {
	return s.dir
}

// path validates the id and returns the contained file path for it.
func (s *Store) path(jobID string) (string, error) {
	if res := s.sanitizer.JobID(jobID); !res.Valid {
		return "", fmt.Errorf("%w: %s", ErrInvalidJobID, res.ErrorMessage)
	}
	p := filepath.Join(s.dir, "job-"+jobID+".json")
	abs, err := filepath.Abs(p)
	if err != nil || !strings.HasPrefix(abs, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes progress directory", ErrInvalidJobID)
	}
	return abs, nil
}

// Write persists snap as the job's current state. The file is replaced
// whole via a temp-file rename so readers never observe a partial write.
func (s *Store) Write(snap Snapshot) error {
	path, err := s.path(snap.JobID)
	if err != nil {
		return err
	}
	snap.clamp()
	if snap.Timestamp == 0 {
		snap.Timestamp = epochSeconds()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Read returns the job's current snapshot. Files above the size cap are
// rejected before parsing.
func (s *Store) Read(jobID string) (*Snapshot, error) {
	path, err := s.path(jobID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot for job %s: %w", jobID, err)
	}
	return &snap, nil
}

// Delete removes the job's progress file if present.
func (s *Store) Delete(jobID string) error {
	path, err := s.path(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing snapshot: %w", err)
	}
	return nil
}

// List returns the ids of every job with a progress file.
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "job-*.json"))
	if err != nil {
		return nil, fmt.Errorf("scanning progress directory: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if id, valid := jobIDFromFile(m); valid {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Latest returns the id of the most recently modified progress file, or ""
// when the directory is empty.
func (s *Store) Latest() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "job-*.json"))
	if err != nil {
		return "", fmt.Errorf("scanning progress directory: %w", err)
	}
	var latest string
	var latestMtime time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMtime) {
			if id, valid := jobIDFromFile(m); valid {
				latest = id
				latestMtime = info.ModTime()
			}
		}
	}
	return latest, nil
}

// CleanupCompleted deletes progress files older than the cutoff whose last
// observed status is terminal. Files that fail to parse are removed
// unconditionally. Returns the number of files deleted.
func (s *Store) CleanupCompleted(maxAge time.Duration) int {
	matches, err := filepath.Glob(filepath.Join(s.dir, "job-*.json"))
	if err != nil {
		s.log.Warn("Cleanup scan failed", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		var snap Snapshot
		data, err := os.ReadFile(m)
		if err == nil && json.Unmarshal(data, &snap) == nil && !snap.Terminal() {
			continue
		}
		if err := os.Remove(m); err != nil {
			s.log.Warn("Cleanup failed to remove file", "path", m, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("Cleaned up completed progress files", "removed", removed)
	}
	return removed
}

// jobIDFromFile extracts the job id from a job-<id>.json path.
func jobIDFromFile(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "job-") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, "job-"), ".json"), true
}
