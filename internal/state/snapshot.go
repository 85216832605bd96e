package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/logextract/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// snapshot is the serialized form of the manager. It carries just enough
// to resume a single interrupted run: files, records and their upload
// statuses. Records in flight when the snapshot was taken resume as
// pending, since their outcome was never observed.
type snapshot struct {
	Version int                        `msgpack:"v"`
	Files   []models.FileEntry         `msgpack:"files"`
	Records map[string][]models.Record `msgpack:"records"`
}

const snapshotVersion = 1

// SaveSnapshot writes the current state to path (atomically, via a temp
// file rename).
func (m *Manager) SaveSnapshot(path string) error {
	m.mu.RLock()
	snap := snapshot{
		Version: snapshotVersion,
		Records: make(map[string][]models.Record, len(m.records)),
	}
	for _, entry := range m.files {
		snap.Files = append(snap.Files, *entry)
	}
	for p, recs := range m.records {
		copied := make([]models.Record, 0, len(recs))
		for _, r := range recs {
			c := *r
			if c.Status == models.UploadStatusUploading {
				c.Status = models.UploadStatusPending
			}
			copied = append(copied, c)
		}
		snap.Records[p] = copied
	}
	m.mu.RUnlock()

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the manager's state with a previously saved
// snapshot. A missing file is not an error; the run simply starts fresh.
func (m *Manager) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = make(map[string]*models.FileEntry, len(snap.Files))
	m.records = make(map[string][]*models.Record, len(snap.Records))
	m.byID = make(map[string]*models.Record)

	for i := range snap.Files {
		entry := snap.Files[i]
		m.files[entry.Path] = &entry
	}
	for p, recs := range snap.Records {
		stored := make([]*models.Record, 0, len(recs))
		for i := range recs {
			r := recs[i]
			stored = append(stored, &r)
			m.byID[r.ID] = &r
		}
		m.records[p] = stored
	}
	fmt.Printf("[State] Restored snapshot: %d files, %d record groups\n", len(m.files), len(m.records))
	return nil
}
