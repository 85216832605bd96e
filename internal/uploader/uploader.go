// Package uploader drains queued records to the remote sink in bounded
// batches, folding each verdict back into the state manager as uploaded
// or failed(reason).
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/config"
	"github.com/logextract/backend/internal/models"
	"github.com/logextract/backend/internal/state"
)

// ErrUploadInProgress is returned when a run is triggered while another
// run is still draining.
var ErrUploadInProgress = errors.New("upload already in progress")

// Stats summarizes one upload run.
type Stats struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Uploader drives upload runs. At most one run is active at a time;
// per-record in-flight exclusivity is enforced by the state manager's
// transition rules.
type Uploader struct {
	cfg   config.UploadConfig
	state *state.Manager
	bus   *bus.Bus
	sink  Sink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates an uploader draining records through the given sink.
func New(cfg config.UploadConfig, st *state.Manager, b *bus.Bus, sink Sink) *Uploader {
	return &Uploader{cfg: cfg, state: st, bus: b, sink: sink}
}

// Running reports whether an upload run is active.
func (u *Uploader) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// Cancel stops the active run, if any. The in-flight batch completes or
// fails normally; batches not yet started are abandoned.
func (u *Uploader) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
}

// UploadAll drains every pending record.
func (u *Uploader) UploadAll(ctx context.Context) (Stats, error) {
	return u.run(ctx, u.state.PendingRecords())
}

// UploadSelected uploads the named records. Records already uploaded are
// counted as skipped; unknown IDs are ignored with an Error event.
func (u *Uploader) UploadSelected(ctx context.Context, ids []string) (Stats, error) {
	var picked []models.Record
	var skipped int
	for _, id := range ids {
		rec, ok := u.state.Record(id)
		if !ok {
			u.publishError(fmt.Sprintf("unknown record %s", id))
			continue
		}
		switch rec.Status {
		case models.UploadStatusPending, models.UploadStatusFailed:
			picked = append(picked, rec)
		default:
			skipped++
		}
	}
	stats, err := u.run(ctx, picked)
	stats.Skipped += skipped
	return stats, err
}

// RetryFailed re-runs every transiently failed record, including those
// whose automatic in-run retries were exhausted. Each invocation grants
// another attempt; terminal failures stay excluded until an operator
// resets them.
func (u *Uploader) RetryFailed(ctx context.Context) (Stats, error) {
	return u.run(ctx, u.state.FailedTransient())
}

func (u *Uploader) run(ctx context.Context, records []models.Record) (Stats, error) {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return Stats{}, ErrUploadInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	u.running = true
	u.cancel = cancel
	u.mu.Unlock()
	defer func() {
		cancel()
		u.mu.Lock()
		u.running = false
		u.cancel = nil
		u.mu.Unlock()
	}()

	u.bus.Publish(bus.NewEvent(bus.EventUploadStarted, bus.UploadProgressPayload{Total: len(records)}))
	fmt.Printf("[Uploader] Starting upload of %d records\n", len(records))

	var stats Stats
	queue := records
	backoff := u.cfg.Backoff()

	for round := 0; ; round++ {
		var retryable []models.Record
		done := 0

		for start := 0; start < len(queue); start += u.cfg.BatchSize {
			if runCtx.Err() != nil {
				u.finish(stats, "cancelled")
				return stats, runCtx.Err()
			}
			end := start + u.cfg.BatchSize
			if end > len(queue) {
				end = len(queue)
			}
			batchID := uuid.New().String()
			batchStats, failed := u.sendBatch(runCtx, batchID, queue[start:end])
			stats.Uploaded += batchStats.Uploaded
			stats.Failed += batchStats.Failed
			stats.Skipped += batchStats.Skipped
			retryable = append(retryable, failed...)

			done += end - start
			u.bus.Publish(bus.NewEvent(bus.EventUploadProgress, bus.UploadProgressPayload{
				BatchID: batchID,
				Done:    done,
				Total:   len(queue),
			}))
		}

		if len(retryable) == 0 || runCtx.Err() != nil {
			break
		}
		// Another automatic round for transient failures with budget left.
		fmt.Printf("[Uploader] Retrying %d transient failures in %s\n", len(retryable), backoff)
		select {
		case <-runCtx.Done():
			u.finish(stats, "cancelled")
			return stats, runCtx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		stats.Failed -= len(retryable)
		queue = retryable
	}

	u.finish(stats, "complete")
	return stats, nil
}

// sendBatch transitions a batch to uploading, sends it, and folds each
// try's attempt outcome back into the state manager. The returned slice
// holds records that failed transiently and may still be retried.
func (u *Uploader) sendBatch(ctx context.Context, batchID string, batch []models.Record) (Stats, []models.Record) {
	var stats Stats
	items := make([]Item, 0, len(batch))
	inFlight := make(map[string]models.Record, len(batch))
	started := time.Now()

	for _, rec := range batch {
		if err := u.state.SetUploadStatus(rec.ID, models.UploadStatusUploading, "", false); err != nil {
			// Already in flight or terminal; leave it alone.
			stats.Skipped++
			continue
		}
		items = append(items, Item{RecordID: rec.ID, Payload: rec.Payload, Fields: rec.Fields})
		inFlight[rec.ID] = rec
	}
	if len(items) == 0 {
		return stats, nil
	}

	results, err := u.sink.Send(ctx, items)
	verdicts := make(map[string]Result, len(results))
	for _, r := range results {
		verdicts[r.RecordID] = r
	}

	var retryable []models.Record
	for id, rec := range inFlight {
		attempt := models.UploadAttempt{RecordID: id, BatchID: batchID, StartedAt: started}
		transient := false
		verdict, got := verdicts[id]
		switch {
		case got && verdict.Accepted:
			attempt.Outcome = models.UploadStatusUploaded
			stats.Uploaded++
		case got:
			attempt.Outcome = models.UploadStatusFailed
			attempt.Error = verdict.Reason
			transient = verdict.Transient
			stats.Failed++
			if transient && u.retryEligible(id) {
				retryable = append(retryable, rec)
			}
		default:
			// No verdict means the batch died mid-flight. Decompose the
			// batch error into per-record transient failures.
			attempt.Outcome = models.UploadStatusFailed
			attempt.Error = "batch aborted"
			if err != nil {
				attempt.Error = err.Error()
			}
			transient = true
			stats.Failed++
			if ctx.Err() == nil && u.retryEligible(id) {
				retryable = append(retryable, rec)
			}
		}
		u.settle(attempt, transient)
	}
	return stats, retryable
}

// settle folds one attempt's outcome into the record's upload status.
func (u *Uploader) settle(a models.UploadAttempt, transient bool) {
	if err := u.state.SetUploadStatus(a.RecordID, a.Outcome, a.Error, transient); err != nil {
		u.publishError(fmt.Sprintf("record %s: %v", a.RecordID, err))
	}
}

func (u *Uploader) retryEligible(id string) bool {
	rec, ok := u.state.Record(id)
	return ok && rec.Attempts < u.cfg.MaxAttempts
}

func (u *Uploader) finish(stats Stats, outcome string) {
	u.bus.Publish(bus.NewEvent(bus.EventUploadFinished, bus.UploadFinishedPayload{
		Uploaded: stats.Uploaded,
		Failed:   stats.Failed,
		Skipped:  stats.Skipped,
	}))
	fmt.Printf("[Uploader] Upload %s: %d uploaded, %d failed, %d skipped\n",
		outcome, stats.Uploaded, stats.Failed, stats.Skipped)
}

func (u *Uploader) publishError(msg string) {
	u.bus.Publish(bus.NewEvent(bus.EventError, bus.ErrorPayload{Context: "uploader", Message: msg}))
}
