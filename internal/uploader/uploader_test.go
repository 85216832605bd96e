package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/config"
	"github.com/logextract/backend/internal/models"
	"github.com/logextract/backend/internal/state"
)

// scriptedSink returns canned verdicts keyed by record ID; unscripted
// records are accepted.
type scriptedSink struct {
	mu       sync.Mutex
	verdicts map[string]Result
	batchErr error
	calls    int
}

func (s *scriptedSink) Send(ctx context.Context, items []Item) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	out := make([]Result, 0, len(items))
	for _, item := range items {
		if v, ok := s.verdicts[item.RecordID]; ok {
			out = append(out, v)
			continue
		}
		out = append(out, Result{RecordID: item.RecordID, Accepted: true})
	}
	return out, nil
}

func testConfig() config.UploadConfig {
	return config.UploadConfig{
		Endpoint:    "http://127.0.0.1:1/unused",
		BatchSize:   5,
		MaxAttempts: 1,
		BackoffMs:   1,
	}
}

func seedRecords(t *testing.T, st *state.Manager, path string, n int) []string {
	t.Helper()
	fp := models.Fingerprint{ModTimeUnixNano: 1, Size: int64(n)}
	if _, changed := st.UpsertFile(path, fp); !changed {
		t.Fatalf("seed file not registered")
	}
	recs := make([]models.Record, n)
	ids := make([]string, n)
	for i := range recs {
		recs[i] = models.Record{
			Path:    path,
			Index:   i,
			Payload: fmt.Sprintf("payload-%d", i),
			Status:  models.UploadStatusPending,
		}
		ids[i] = models.RecordID(path, i)
	}
	if !st.AddRecords(path, fp, recs) {
		t.Fatalf("seed records not committed")
	}
	return ids
}

func newTestUploader(t *testing.T, cfg config.UploadConfig, sink Sink) (*Uploader, *state.Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st := state.NewManager(b)
	return New(cfg, st, b, sink), st, b
}

func TestUploadAllAccepted(t *testing.T) {
	sink := &scriptedSink{}
	u, st, b := newTestUploader(t, testConfig(), sink)
	ids := seedRecords(t, st, "/logs/a.log", 3)

	var mu sync.Mutex
	var doneEvents []bus.UploadDonePayload
	b.Subscribe(bus.EventUploadDone, func(ev bus.Event) {
		mu.Lock()
		doneEvents = append(doneEvents, ev.Payload.(bus.UploadDonePayload))
		mu.Unlock()
	})

	stats, err := u.UploadAll(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if stats.Uploaded != 3 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for _, id := range ids {
		rec, _ := st.Record(id)
		if rec.Status != models.UploadStatusUploaded {
			t.Fatalf("record %s not uploaded: %s", id, rec.Status)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(doneEvents) != 3 {
		t.Fatalf("expected one UploadDone per record, got %d", len(doneEvents))
	}
}

func TestPartialBatchFailure(t *testing.T) {
	const path = "/logs/a.log"
	rejectID := models.RecordID(path, 2)
	sink := &scriptedSink{verdicts: map[string]Result{
		rejectID: {RecordID: rejectID, Reason: "malformed record"},
	}}
	u, st, _ := newTestUploader(t, testConfig(), sink)
	ids := seedRecords(t, st, path, 5)

	stats, err := u.UploadAll(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if stats.Uploaded != 4 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for _, id := range ids {
		rec, _ := st.Record(id)
		if id == rejectID {
			if rec.Status != models.UploadStatusFailed || rec.Transient {
				t.Fatalf("rejected record wrong state: %+v", rec)
			}
			continue
		}
		if rec.Status != models.UploadStatusUploaded {
			t.Fatalf("record %s should be uploaded, got %s", id, rec.Status)
		}
	}
}

func TestBatchErrorDecomposesPerRecord(t *testing.T) {
	sink := &scriptedSink{batchErr: errors.New("connection refused")}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	u, st, _ := newTestUploader(t, cfg, sink)
	ids := seedRecords(t, st, "/logs/a.log", 3)

	stats, err := u.UploadAll(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if stats.Failed != 3 {
		t.Fatalf("expected all records failed, got %+v", stats)
	}
	for _, id := range ids {
		rec, _ := st.Record(id)
		if rec.Status != models.UploadStatusFailed || !rec.Transient {
			t.Fatalf("record %s should be failed transient: %+v", id, rec)
		}
		if rec.FailReason != "connection refused" {
			t.Fatalf("batch error not decomposed into reason: %q", rec.FailReason)
		}
	}
}

func TestAutoRetryTransientWithinBudget(t *testing.T) {
	const path = "/logs/a.log"
	flakyID := models.RecordID(path, 0)

	sink := &scriptedSink{verdicts: map[string]Result{
		flakyID: {RecordID: flakyID, Reason: "timeout", Transient: true},
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	u, st, _ := newTestUploader(t, cfg, sink)
	seedRecords(t, st, path, 1)

	// Heal the sink after the first verdict is recorded.
	healed := &healOnSecondCall{inner: sink}
	u.sink = healed

	stats, err := u.UploadAll(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if stats.Uploaded != 1 || stats.Failed != 0 {
		t.Fatalf("transient failure should heal on retry: %+v", stats)
	}
	rec, _ := st.Record(flakyID)
	if rec.Status != models.UploadStatusUploaded {
		t.Fatalf("record should end uploaded, got %s", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.Attempts)
	}
}

// healOnSecondCall fails through the inner sink once, then accepts.
type healOnSecondCall struct {
	mu    sync.Mutex
	inner Sink
	calls int
}

func (h *healOnSecondCall) Send(ctx context.Context, items []Item) ([]Result, error) {
	h.mu.Lock()
	h.calls++
	first := h.calls == 1
	h.mu.Unlock()
	if first {
		return h.inner.Send(ctx, items)
	}
	out := make([]Result, 0, len(items))
	for _, item := range items {
		out = append(out, Result{RecordID: item.RecordID, Accepted: true})
	}
	return out, nil
}

func TestRetryFailedExcludesTerminal(t *testing.T) {
	const path = "/logs/a.log"
	sink := &scriptedSink{}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	u, st, _ := newTestUploader(t, cfg, sink)
	seedRecords(t, st, path, 2)

	transientID := models.RecordID(path, 0)
	terminalID := models.RecordID(path, 1)
	mustTransition(t, st, transientID, models.UploadStatusUploading, "", false)
	mustTransition(t, st, transientID, models.UploadStatusFailed, "timeout", true)
	mustTransition(t, st, terminalID, models.UploadStatusUploading, "", false)
	mustTransition(t, st, terminalID, models.UploadStatusFailed, "rejected", false)

	stats, err := u.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if stats.Uploaded != 1 {
		t.Fatalf("only the transient failure should retry: %+v", stats)
	}
	rec, _ := st.Record(terminalID)
	if rec.Status != models.UploadStatusFailed {
		t.Fatalf("terminal failure must stay failed, got %s", rec.Status)
	}
}

func TestRetryFailedAfterExhaustedAutoRetries(t *testing.T) {
	const path = "/logs/a.log"
	id := models.RecordID(path, 0)

	sink := &scriptedSink{verdicts: map[string]Result{
		id: {RecordID: id, Reason: "timeout", Transient: true},
	}}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	u, st, _ := newTestUploader(t, cfg, sink)
	seedRecords(t, st, path, 1)

	if _, err := u.UploadAll(context.Background()); err != nil {
		t.Fatalf("upload: %v", err)
	}
	rec, _ := st.Record(id)
	if rec.Status != models.UploadStatusFailed || !rec.Transient {
		t.Fatalf("record should be failed transient: %+v", rec)
	}
	if rec.Attempts != cfg.MaxAttempts {
		t.Fatalf("expected exhausted attempt budget, got %d", rec.Attempts)
	}

	// The outage ends. The explicit retry must still pick the record up
	// even though its automatic budget is spent.
	sink.mu.Lock()
	delete(sink.verdicts, id)
	sink.mu.Unlock()

	stats, err := u.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if stats.Uploaded != 1 {
		t.Fatalf("explicit retry should resend the record: %+v", stats)
	}
	rec, _ = st.Record(id)
	if rec.Status != models.UploadStatusUploaded {
		t.Fatalf("record should end uploaded, got %s", rec.Status)
	}
}

func TestUploadSelectedSkipsUploaded(t *testing.T) {
	const path = "/logs/a.log"
	sink := &scriptedSink{}
	u, st, _ := newTestUploader(t, testConfig(), sink)
	ids := seedRecords(t, st, path, 2)

	mustTransition(t, st, ids[0], models.UploadStatusUploading, "", false)
	mustTransition(t, st, ids[0], models.UploadStatusUploaded, "", false)

	stats, err := u.UploadSelected(context.Background(), ids)
	if err != nil {
		t.Fatalf("upload selected: %v", err)
	}
	if stats.Uploaded != 1 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	sink := &scriptedSink{}
	u, st, _ := newTestUploader(t, testConfig(), sink)
	seedRecords(t, st, "/logs/a.log", 1)

	u.mu.Lock()
	u.running = true
	u.mu.Unlock()

	if _, err := u.UploadAll(context.Background()); !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("expected ErrUploadInProgress, got %v", err)
	}

	u.mu.Lock()
	u.running = false
	u.mu.Unlock()
	if _, err := u.UploadAll(context.Background()); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func mustTransition(t *testing.T, st *state.Manager, id string, status models.UploadStatus, reason string, transient bool) {
	t.Helper()
	if err := st.SetUploadStatus(id, status, reason, transient); err != nil {
		t.Fatalf("transition %s -> %s: %v", id, status, err)
	}
}
