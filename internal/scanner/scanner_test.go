package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/config"
	"github.com/logextract/backend/internal/state"
)

func testScanner(t *testing.T, root string, recursive bool) (*Scanner, *state.Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st := state.NewManager(b)
	cfg := config.ScanConfig{
		Root:      root,
		Include:   []string{"*.log"},
		Recursive: recursive,
	}
	return New(cfg, st, b), st, b
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanClassifiesNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "one")
	writeFile(t, filepath.Join(dir, "b.log"), "two")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	s, _, _ := testScanner(t, dir, false)
	sum, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(sum.New) != 2 {
		t.Fatalf("expected 2 new files, got %v", sum.New)
	}
	if len(sum.Changed) != 0 || len(sum.Removed) != 0 {
		t.Fatalf("unexpected changed/removed: %+v", sum)
	}
	if sum.Total != 2 {
		t.Fatalf("expected total 2, got %d", sum.Total)
	}
}

func TestRescanUnchangedIsSilent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "one")

	s, _, b := testScanner(t, dir, false)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	var mu sync.Mutex
	var fileEvents []bus.EventType
	for _, et := range []bus.EventType{bus.EventFileAdded, bus.EventFileChanged, bus.EventFileRemoved} {
		b.Subscribe(et, func(ev bus.Event) {
			mu.Lock()
			fileEvents = append(fileEvents, ev.Type)
			mu.Unlock()
		})
	}

	sum, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(sum.New)+len(sum.Changed)+len(sum.Removed) != 0 {
		t.Fatalf("expected no classification on unchanged re-scan, got %+v", sum)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fileEvents) != 0 {
		t.Fatalf("expected no file events on unchanged re-scan, got %v", fileEvents)
	}
}

func TestScanDetectsChangedAndRemoved(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.log")
	bPath := filepath.Join(dir, "b.log")
	writeFile(t, aPath, "one")
	writeFile(t, bPath, "two")

	s, _, _ := testScanner(t, dir, false)
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	// Grow a.log and bump its mtime so the fingerprint differs; drop b.log.
	writeFile(t, aPath, "one plus more")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(aPath, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Remove(bPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	sum, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(sum.Changed) != 1 || sum.Changed[0] != canonPath(aPath) {
		t.Fatalf("expected a.log changed, got %v", sum.Changed)
	}
	if len(sum.Removed) != 1 || sum.Removed[0] != canonPath(bPath) {
		t.Fatalf("expected b.log removed, got %v", sum.Removed)
	}
	if len(sum.New) != 0 {
		t.Fatalf("unexpected new files: %v", sum.New)
	}
}

func TestScanRecursiveAndFlat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.log"), "x")
	writeFile(t, filepath.Join(dir, "sub", "deep.log"), "y")

	flat, _, _ := testScanner(t, dir, false)
	sum, err := flat.Scan(context.Background())
	if err != nil {
		t.Fatalf("flat scan: %v", err)
	}
	if sum.Total != 1 {
		t.Fatalf("flat scan should see only top.log, got %d", sum.Total)
	}

	rec, _, _ := testScanner(t, dir, true)
	sum, err = rec.Scan(context.Background())
	if err != nil {
		t.Fatalf("recursive scan: %v", err)
	}
	if sum.Total != 2 {
		t.Fatalf("recursive scan should see both files, got %d", sum.Total)
	}
}

func TestOverlappingScanRejected(t *testing.T) {
	dir := t.TempDir()
	s, _, _ := testScanner(t, dir, false)

	s.mu.Lock()
	s.scanning = true
	s.mu.Unlock()

	if _, err := s.Scan(context.Background()); err != ErrScanInProgress {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}

	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	if _, err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan after release should succeed: %v", err)
	}
}

func TestScanCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "x")

	s, _, _ := testScanner(t, dir, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Scan(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScanUnreachableRoot(t *testing.T) {
	s, _, _ := testScanner(t, filepath.Join(t.TempDir(), "missing"), false)
	if _, err := s.Scan(context.Background()); err == nil {
		t.Fatal("expected error for unreachable root")
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	fired := 0
	w, err := NewWatcher(dir, 50*time.Millisecond, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, "burst.log"), "tick")
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := fired
		mu.Unlock()
		if n >= 1 {
			// Wait out another window to confirm no duplicate fire.
			time.Sleep(150 * time.Millisecond)
			mu.Lock()
			n = fired
			mu.Unlock()
			if n != 1 {
				t.Fatalf("burst should collapse into one callback, got %d", n)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
