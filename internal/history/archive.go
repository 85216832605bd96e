// Package history keeps a durable archive of upload outcomes in a DuckDB
// file, so upload results survive process restarts even though the live
// run state does not need to.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/models"
	"github.com/marcboeker/go-duckdb"
)

// Entry is one archived upload outcome.
type Entry struct {
	RecordID   string    `json:"recordId"`
	Path       string    `json:"path"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Archive is an append-only DuckDB table of upload outcomes.
type Archive struct {
	db     *sql.DB
	dbPath string
}

// Open creates or reopens the archive database under dir.
func Open(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	dbPath := filepath.Join(dir, "uploads.duckdb")
	fmt.Printf("[History] Opening archive at: %s\n", dbPath)

	connector, err := duckdb.NewConnector(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating DuckDB connector: %w", err)
	}
	db := sql.OpenDB(connector)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS uploads (
			record_id   VARCHAR NOT NULL,
			path        VARCHAR NOT NULL,
			status      VARCHAR NOT NULL,
			reason      VARCHAR,
			attempts    INTEGER NOT NULL,
			archived_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating uploads table: %w", err)
	}
	return &Archive{db: db, dbPath: dbPath}, nil
}

// Append archives one record's terminal outcome.
func (a *Archive) Append(rec models.Record) error {
	_, err := a.db.Exec(
		`INSERT INTO uploads (record_id, path, status, reason, attempts, archived_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, string(rec.Status), rec.FailReason, rec.Attempts, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns the newest archived outcomes, most recent first.
func (a *Archive) Recent(limit int) ([]Entry, error) {
	rows, err := a.db.Query(
		`SELECT record_id, path, status, reason, attempts, archived_at FROM uploads ORDER BY archived_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByPath returns every archived outcome for one source file, oldest
// first.
func (a *Archive) ListByPath(path string) ([]Entry, error) {
	rows, err := a.db.Query(
		`SELECT record_id, path, status, reason, attempts, archived_at FROM uploads WHERE path = ? ORDER BY archived_at`,
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", path, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var reason sql.NullString
		if err := rows.Scan(&e.RecordID, &e.Path, &e.Status, &reason, &e.Attempts, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close shuts the archive database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SubscribeUploads records every terminal upload outcome published on the
// bus. Returns the subscription so callers can detach on shutdown. The
// record is re-read from the lookup since the event carries only the ID.
func (a *Archive) SubscribeUploads(b *bus.Bus, lookup func(string) (models.Record, bool)) bus.Subscription {
	return b.Subscribe(bus.EventUploadDone, func(ev bus.Event) {
		payload, ok := ev.Payload.(bus.UploadDonePayload)
		if !ok {
			return
		}
		rec, ok := lookup(payload.RecordID)
		if !ok {
			return
		}
		if err := a.Append(rec); err != nil {
			fmt.Printf("[History] %v\n", err)
		}
	})
}
