// Package scanner walks the configured root directory, detects debug log
// files by name rule, and diffs them against the state manager's known
// set so unchanged files produce no work on re-scans.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/config"
	"github.com/logextract/backend/internal/models"
	"github.com/logextract/backend/internal/state"
)

// ErrScanInProgress is returned when a scan is triggered while another
// scan of the same scanner is still running. Overlapping scans are
// rejected rather than queued to avoid duplicate classification races.
var ErrScanInProgress = errors.New("scan already in progress")

// Summary reports what one scan pass classified.
type Summary struct {
	ScanID  string   `json:"scanId"`
	Root    string   `json:"root"`
	New     []string `json:"new"`
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
	Total   int      `json:"total"`
}

// Scanner performs incremental directory scans.
type Scanner struct {
	cfg   config.ScanConfig
	state *state.Manager
	bus   *bus.Bus

	mu       sync.Mutex
	scanning bool
}

// New creates a scanner over the given configuration.
func New(cfg config.ScanConfig, st *state.Manager, b *bus.Bus) *Scanner {
	return &Scanner{cfg: cfg, state: st, bus: b}
}

// Scanning reports whether a scan pass is currently running.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Scan walks the root once, classifies every candidate file as
// New/Changed/Unchanged/Removed against the state manager, and publishes
// one event per New/Changed/Removed file (via the state manager's upsert).
// Unchanged files publish nothing. The context cancels cooperatively
// between directory entries.
func (s *Scanner) Scan(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return nil, ErrScanInProgress
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	root := s.cfg.Root
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("scan root unreachable: %w", err)
	}

	summary := &Summary{ScanID: uuid.New().String(), Root: root}
	s.bus.Publish(bus.NewEvent(bus.EventScanStarted, bus.ScanSummaryPayload{ScanID: summary.ScanID, Root: root}))
	fmt.Printf("[Scanner] Starting scan of %s\n", root)

	known := s.state.KnownFiles()
	seen := make(map[string]bool, len(known))

	walk := func(path string, info fs.FileInfo) {
		canon := canonPath(path)
		seen[canon] = true
		fp := models.NewFingerprint(info)

		_, wasKnown := known[canon]
		_, changed := s.state.UpsertFile(canon, fp)
		switch {
		case !wasKnown && changed:
			summary.New = append(summary.New, canon)
		case wasKnown && changed:
			summary.Changed = append(summary.Changed, canon)
		}
	}

	var err error
	if s.cfg.Recursive {
		err = s.walkRecursive(ctx, root, walk)
	} else {
		err = s.walkFlat(ctx, root, walk)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("[Scanner] Scan cancelled after %d files\n", len(seen))
			return summary, err
		}
		return nil, err
	}

	// Known paths absent this pass are gone from disk.
	for path := range known {
		if !seen[path] {
			s.state.MarkRemoved(path)
			summary.Removed = append(summary.Removed, path)
		}
	}
	summary.Total = len(seen)

	s.bus.Publish(bus.NewEvent(bus.EventScanCompleted, bus.ScanSummaryPayload{
		ScanID:  summary.ScanID,
		Root:    root,
		New:     len(summary.New),
		Changed: len(summary.Changed),
		Removed: len(summary.Removed),
		Total:   summary.Total,
	}))
	fmt.Printf("[Scanner] Scan complete: %d new, %d changed, %d removed, %d total\n",
		len(summary.New), len(summary.Changed), len(summary.Removed), summary.Total)
	return summary, nil
}

func (s *Scanner) walkRecursive(ctx context.Context, root string, visit func(string, fs.FileInfo)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// Unreadable subtree: report and keep scanning the rest.
			s.publishReadError(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !s.matches(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.publishReadError(path, err)
			return nil
		}
		visit(path, info)
		return nil
	})
}

func (s *Scanner) walkFlat(ctx context.Context, root string, visit func(string, fs.FileInfo)) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading scan root: %w", err)
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() || !s.matches(entry.Name()) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.publishReadError(path, err)
			continue
		}
		visit(path, info)
	}
	return nil
}

// matches applies the configured name rule to a base name.
func (s *Scanner) matches(name string) bool {
	for _, glob := range s.cfg.Include {
		if ok, err := doublestar.Match(glob, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Scanner) publishReadError(path string, err error) {
	fmt.Printf("[Scanner] Skipping %s: %v\n", path, err)
	s.bus.Publish(bus.NewEvent(bus.EventError, bus.ErrorPayload{
		Context: "scanner",
		Message: fmt.Sprintf("skipping %s: %v", path, err),
	}))
}

// canonPath normalizes a path so the same file always gets the same key.
func canonPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
