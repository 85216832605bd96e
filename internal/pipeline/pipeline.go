// Package pipeline wires the scan, analyze and upload stages together
// around the shared state manager and event bus.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/logextract/backend/internal/analyzer"
	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/config"
	"github.com/logextract/backend/internal/cryptoutil"
	"github.com/logextract/backend/internal/history"
	"github.com/logextract/backend/internal/models"
	"github.com/logextract/backend/internal/scanner"
	"github.com/logextract/backend/internal/state"
	"github.com/logextract/backend/internal/uploader"
)

// Pipeline owns the stage instances and drives full scan-and-analyze
// passes. Stages never crash the coordinating goroutine; per-file and
// per-record errors become Error events plus state updates.
type Pipeline struct {
	cfg      *config.Config
	bus      *bus.Bus
	state    *state.Manager
	scanner  *scanner.Scanner
	analyzer *analyzer.Analyzer
	uploader *uploader.Uploader

	archive    *history.Archive
	archiveSub bus.Subscription

	mu         sync.Mutex
	scanCancel context.CancelFunc
	watcher    *scanner.Watcher
}

// New builds a pipeline from configuration. Pattern compilation happens
// here, so a bad pattern aborts startup instead of surfacing per file.
func New(cfg *config.Config, b *bus.Bus, st *state.Manager, sink uploader.Sink) (*Pipeline, error) {
	an, err := analyzer.New(cfg.Scan.Patterns)
	if err != nil {
		return nil, fmt.Errorf("configuring analyzer: %w", err)
	}
	if sink == nil {
		sink = uploader.NewHTTPSink(cfg.Upload.Endpoint, cfg.Upload.UploadTimeout())
	}
	return &Pipeline{
		cfg:      cfg,
		bus:      b,
		state:    st,
		scanner:  scanner.New(cfg.Scan, st, b),
		analyzer: an,
		uploader: uploader.New(cfg.Upload, st, b, sink),
	}, nil
}

// AttachArchive subscribes the upload-history archive to terminal upload
// outcomes.
func (p *Pipeline) AttachArchive(a *history.Archive) {
	p.archive = a
	p.archiveSub = a.SubscribeUploads(p.bus, p.state.Record)
}

// ScanAndAnalyze runs one scan pass and analyzes every new or changed
// file with a bounded worker pool. Unchanged files are not re-analyzed.
func (p *Pipeline) ScanAndAnalyze(ctx context.Context) (*scanner.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.scanCancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.scanCancel = nil
		p.mu.Unlock()
	}()

	summary, err := p.scanner.Scan(runCtx)
	if err != nil {
		return summary, err
	}

	dirty := make([]string, 0, len(summary.New)+len(summary.Changed))
	dirty = append(dirty, summary.New...)
	dirty = append(dirty, summary.Changed...)
	if len(dirty) == 0 {
		return summary, nil
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(p.cfg.Scan.MaxWorkers)
	for _, path := range dirty {
		path := path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.analyzeOne(gctx, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// analyzeOne analyzes a single file and commits the results. Errors are
// reported on the bus and do not abort other files.
func (p *Pipeline) analyzeOne(ctx context.Context, path string) {
	records, err := p.analyzer.Analyze(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fmt.Printf("[Pipeline] %v\n", err)
		p.bus.Publish(bus.NewEvent(bus.EventError, bus.ErrorPayload{
			Context: "analyzer",
			Message: err.Error(),
		}))
		return
	}
	entry, ok := p.state.FileEntry(path)
	if !ok {
		return
	}
	p.state.AddRecords(path, entry.Fingerprint, records)
}

// CancelScan stops an in-progress scan-and-analyze pass.
func (p *Pipeline) CancelScan() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanCancel != nil {
		p.scanCancel()
	}
}

// UploadAll drains every pending record to the sink.
func (p *Pipeline) UploadAll(ctx context.Context) (uploader.Stats, error) {
	return p.uploader.UploadAll(ctx)
}

// UploadSelected uploads only the named records.
func (p *Pipeline) UploadSelected(ctx context.Context, ids []string) (uploader.Stats, error) {
	return p.uploader.UploadSelected(ctx, ids)
}

// RetryFailed re-runs transiently failed records with attempt budget.
func (p *Pipeline) RetryFailed(ctx context.Context) (uploader.Stats, error) {
	return p.uploader.RetryFailed(ctx)
}

// CancelUpload stops the active upload run.
func (p *Pipeline) CancelUpload() {
	p.uploader.Cancel()
}

// Busy reports whether a scan or upload is active.
func (p *Pipeline) Busy() bool {
	return p.scanner.Scanning() || p.uploader.Running()
}

// PreviewRecord decrypts and pretty-prints one record's payload for
// operator inspection. Pure lookup plus transform; no state changes.
func (p *Pipeline) PreviewRecord(id string) (string, error) {
	rec, ok := p.state.Record(id)
	if !ok {
		return "", fmt.Errorf("record not found: %s", id)
	}
	plain, err := cryptoutil.DecryptTripleDESECB(rec.Payload, []byte(p.cfg.Crypto.TripleDESKey))
	if err != nil {
		return "", err
	}
	return cryptoutil.FormatJSON(plain), nil
}

// ResetRecord performs the operator reset back to pending.
func (p *Pipeline) ResetRecord(id string) error {
	return p.state.ResetRecord(id)
}

// Stats summarizes current pipeline state.
func (p *Pipeline) Stats() models.Stats {
	return p.state.Stats()
}

// StartWatch begins watching the scan root and re-scans after each
// debounced change burst. Watch passes run in the background; overlap
// with a manual scan simply loses to the in-progress run.
func (p *Pipeline) StartWatch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return fmt.Errorf("watcher already running")
	}
	w, err := scanner.NewWatcher(p.cfg.Scan.Root, p.cfg.Scan.Debounce(), func() {
		if _, err := p.ScanAndAnalyze(context.Background()); err != nil && err != scanner.ErrScanInProgress {
			fmt.Printf("[Pipeline] Watch rescan failed: %v\n", err)
		}
	})
	if err != nil {
		return err
	}
	p.watcher = w
	return nil
}

// StopWatch stops the filesystem watcher if it is running.
func (p *Pipeline) StopWatch() {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// SaveSnapshot persists the run state so an interrupted run can resume.
func (p *Pipeline) SaveSnapshot() error {
	return p.state.SaveSnapshot(p.cfg.Storage.SnapshotFile)
}

// LoadSnapshot restores a previously saved run state, if any.
func (p *Pipeline) LoadSnapshot() error {
	return p.state.LoadSnapshot(p.cfg.Storage.SnapshotFile)
}

// Close releases pipeline resources. The state manager and bus are owned
// by the caller.
func (p *Pipeline) Close() {
	p.StopWatch()
	if p.archive != nil {
		p.bus.Unsubscribe(p.archiveSub)
	}
}
