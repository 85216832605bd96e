// Package state holds the pipeline's single source of truth: the set of
// known files, their extracted records, and each record's upload status.
// All mutation goes through one write lock; every mutation publishes a
// corresponding event on the bus.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/models"
)

// Manager is the data manager. It is safe for concurrent use: worker
// goroutines serialize through the single write lock, so readers never
// observe a half-applied batch.
type Manager struct {
	mu      sync.RWMutex
	files   map[string]*models.FileEntry
	records map[string][]*models.Record // per path, extraction-index order
	byID    map[string]*models.Record
	bus     *bus.Bus
}

// NewManager creates an empty state manager publishing on the given bus.
func NewManager(b *bus.Bus) *Manager {
	return &Manager{
		files:   make(map[string]*models.FileEntry),
		records: make(map[string][]*models.Record),
		byID:    make(map[string]*models.Record),
		bus:     b,
	}
}

// UpsertFile registers a scanned file. It returns the entry plus whether
// the fingerprint changed since the last scan (true for first sightings).
// Publishes FileAdded or FileChanged; unchanged files publish nothing,
// which is what makes re-scans idempotent.
func (m *Manager) UpsertFile(path string, fp models.Fingerprint) (models.FileEntry, bool) {
	m.mu.Lock()
	now := time.Now()
	entry, known := m.files[path]

	var ev *bus.Event
	changed := false
	switch {
	case !known:
		entry = &models.FileEntry{
			Path:        path,
			Fingerprint: fp,
			Status:      models.ScanStatusScanned,
			FirstSeen:   now,
			LastScanned: now,
		}
		m.files[path] = entry
		changed = true
		e := bus.NewEvent(bus.EventFileAdded, bus.FilePayload{Path: path})
		ev = &e
	case entry.Status == models.ScanStatusRemoved:
		// A removed path reappearing on disk is announced as added again.
		entry.Fingerprint = fp
		entry.Status = models.ScanStatusScanned
		entry.LastScanned = now
		changed = true
		e := bus.NewEvent(bus.EventFileAdded, bus.FilePayload{Path: path})
		ev = &e
	case !entry.Fingerprint.Equal(fp):
		entry.Fingerprint = fp
		entry.Status = models.ScanStatusScanned
		entry.LastScanned = now
		changed = true
		e := bus.NewEvent(bus.EventFileChanged, bus.FilePayload{Path: path})
		ev = &e
	default:
		entry.LastScanned = now
	}
	snapshot := *entry
	m.mu.Unlock()

	if ev != nil {
		m.bus.Publish(*ev)
	}
	return snapshot, changed
}

// MarkRemoved flags a file that disappeared from disk. The entry and its
// records stay in the index so upload history is preserved.
func (m *Manager) MarkRemoved(path string) {
	m.mu.Lock()
	entry, ok := m.files[path]
	if !ok || entry.Status == models.ScanStatusRemoved {
		m.mu.Unlock()
		return
	}
	entry.Status = models.ScanStatusRemoved
	m.mu.Unlock()

	m.bus.Publish(bus.NewEvent(bus.EventFileRemoved, bus.FilePayload{Path: path}))
}

// KnownFiles returns path -> fingerprint for every non-removed file, for
// the scanner's incremental diff.
func (m *Manager) KnownFiles() map[string]models.Fingerprint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.Fingerprint, len(m.files))
	for path, entry := range m.files {
		if entry.Status != models.ScanStatusRemoved {
			out[path] = entry.Fingerprint
		}
	}
	return out
}

// AddRecords commits analysis results for a file. When the stored
// fingerprint already matches fp and the file has been analyzed, the call
// is a no-op: a re-scan of unchanged content must not reset any record's
// upload status. Otherwise prior records for the path are replaced.
// Publishes AnalysisDone.
func (m *Manager) AddRecords(path string, fp models.Fingerprint, recs []models.Record) bool {
	m.mu.Lock()
	entry, ok := m.files[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if entry.Status == models.ScanStatusAnalyzed && entry.Fingerprint.Equal(fp) {
		m.mu.Unlock()
		return false
	}

	prior := make(map[string]*models.Record, len(m.records[path]))
	for _, old := range m.records[path] {
		prior[old.ID] = old
		delete(m.byID, old.ID)
	}
	stored := make([]*models.Record, 0, len(recs))
	for i := range recs {
		r := recs[i]
		if r.ID == "" {
			r.ID = models.RecordID(path, r.Index)
		}
		if r.Status == "" {
			r.Status = models.UploadStatusPending
		}
		// The same logical match keeps its upload status across
		// re-analysis; only genuinely new or altered payloads reset.
		if old, ok := prior[r.ID]; ok && old.Payload == r.Payload && r.Status == models.UploadStatusPending {
			r.Status = old.Status
			r.FailReason = old.FailReason
			r.Transient = old.Transient
			r.Attempts = old.Attempts
			r.UploadedAt = old.UploadedAt
		}
		stored = append(stored, &r)
		m.byID[r.ID] = &r
	}
	m.records[path] = stored
	entry.Status = models.ScanStatusAnalyzed
	entry.Fingerprint = fp
	entry.RecordCount = len(stored)
	m.mu.Unlock()

	m.bus.Publish(bus.NewEvent(bus.EventAnalysisDone, bus.AnalysisDonePayload{
		Path:        path,
		RecordCount: len(recs),
	}))
	return true
}

// ErrIllegalTransition is returned when a status change would violate the
// record upload lifecycle.
type ErrIllegalTransition struct {
	RecordID string
	From, To models.UploadStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("record %s: illegal upload transition %s -> %s", e.RecordID, e.From, e.To)
}

func legalTransition(from, to models.UploadStatus) bool {
	switch to {
	case models.UploadStatusUploading:
		// Picking up pending work, or retrying a failure. A record already
		// uploading may not be picked up again (at-most-one-in-flight).
		return from == models.UploadStatusPending || from == models.UploadStatusFailed
	case models.UploadStatusUploaded, models.UploadStatusFailed:
		return from == models.UploadStatusUploading
	case models.UploadStatusPending:
		// Operator reset.
		return from == models.UploadStatusUploaded || from == models.UploadStatusFailed
	}
	return false
}

// SetUploadStatus applies one lifecycle transition to a record. Illegal
// transitions are rejected with ErrIllegalTransition, which is how the
// at-most-one-in-flight invariant is enforced under concurrency. The
// state change and its event are one unit: exactly one UploadDone is
// published per terminal transition.
func (m *Manager) SetUploadStatus(recordID string, status models.UploadStatus, reason string, transient bool) error {
	m.mu.Lock()
	rec, ok := m.byID[recordID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("record not found: %s", recordID)
	}
	if !legalTransition(rec.Status, status) {
		err := &ErrIllegalTransition{RecordID: recordID, From: rec.Status, To: status}
		m.mu.Unlock()
		return err
	}

	rec.Status = status
	switch status {
	case models.UploadStatusUploading:
		rec.Attempts++
		rec.FailReason = ""
	case models.UploadStatusUploaded:
		now := time.Now()
		rec.UploadedAt = &now
		rec.FailReason = ""
		rec.Transient = false
	case models.UploadStatusFailed:
		rec.FailReason = reason
		rec.Transient = transient
	case models.UploadStatusPending:
		rec.FailReason = ""
		rec.Transient = false
		rec.Attempts = 0
		rec.UploadedAt = nil
	}
	m.mu.Unlock()

	if status == models.UploadStatusUploaded || status == models.UploadStatusFailed {
		m.bus.Publish(bus.NewEvent(bus.EventUploadDone, bus.UploadDonePayload{
			RecordID: recordID,
			Status:   status,
			Reason:   reason,
		}))
	}
	return nil
}

// ResetRecord is the explicit operator action returning an uploaded or
// failed record to pending so it can be sent again.
func (m *Manager) ResetRecord(recordID string) error {
	return m.SetUploadStatus(recordID, models.UploadStatusPending, "", false)
}

// Record returns a copy of one record by ID.
func (m *Manager) Record(recordID string) (models.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[recordID]
	if !ok {
		return models.Record{}, false
	}
	return *rec, true
}

// SelectRecords returns copies of the records matching the predicate, in
// (path, extraction index) order. Only matches are materialized; callers
// filter by status, path or date without copying the whole set.
func (m *Manager) SelectRecords(pred func(*models.Record) bool) []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.records))
	for p := range m.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []models.Record
	for _, p := range paths {
		for _, rec := range m.records[p] {
			if pred == nil || pred(rec) {
				out = append(out, *rec)
			}
		}
	}
	return out
}

// PendingRecords returns all records eligible for a fresh upload pass.
func (m *Manager) PendingRecords() []models.Record {
	return m.SelectRecords(func(r *models.Record) bool {
		return r.Status == models.UploadStatusPending
	})
}

// FailedTransient returns every transiently failed record. The automatic
// per-run attempt cap does not apply here: an explicit retry is operator
// intervention and always gets another try. Terminal failures are excluded
// until an operator resets them.
func (m *Manager) FailedTransient() []models.Record {
	return m.SelectRecords(func(r *models.Record) bool {
		return r.Status == models.UploadStatusFailed && r.Transient
	})
}

// Files returns copies of all file entries sorted by path.
func (m *Manager) Files() []models.FileEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.FileEntry, 0, len(m.files))
	for _, entry := range m.files {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// FileEntry returns a copy of one file entry. A path that has never been
// scanned reports status unseen.
func (m *Manager) FileEntry(path string) (models.FileEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.files[path]
	if !ok {
		return models.FileEntry{Path: path, Status: models.ScanStatusUnseen}, false
	}
	return *entry, true
}

// Stats summarizes file and upload counters for the UI.
func (m *Manager) Stats() models.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s models.Stats
	for _, entry := range m.files {
		s.TotalFiles++
		if entry.Status == models.ScanStatusRemoved {
			s.RemovedFiles++
		}
	}
	for _, recs := range m.records {
		if len(recs) > 0 {
			s.FilesWithRecords++
		}
		for _, r := range recs {
			s.TotalRecords++
			switch r.Status {
			case models.UploadStatusPending:
				s.Pending++
			case models.UploadStatusUploading:
				s.Uploading++
			case models.UploadStatusUploaded:
				s.Uploaded++
			case models.UploadStatusFailed:
				s.Failed++
			}
		}
	}
	return s
}

// Clear drops all state. Used by tests and the operator's reset action.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.files = make(map[string]*models.FileEntry)
	m.records = make(map[string][]*models.Record)
	m.byID = make(map[string]*models.Record)
	m.mu.Unlock()
}
