// Package models contains domain types for the debug log extraction pipeline.
package models

import (
	"io/fs"
	"time"
)

// ScanStatus represents where a file is in its scan/analysis lifecycle.
type ScanStatus string

const (
	ScanStatusUnseen   ScanStatus = "unseen"
	ScanStatusScanned  ScanStatus = "scanned"
	ScanStatusAnalyzed ScanStatus = "analyzed"
	ScanStatusRemoved  ScanStatus = "removed"
)

// Fingerprint is a cheap proxy for file content change (mtime + size).
// A full hash is deliberately avoided to keep re-scans cheap.
type Fingerprint struct {
	ModTimeUnixNano int64 `json:"modTime" msgpack:"mt"`
	Size            int64 `json:"size" msgpack:"sz"`
}

// NewFingerprint builds a Fingerprint from file metadata.
func NewFingerprint(info fs.FileInfo) Fingerprint {
	return Fingerprint{
		ModTimeUnixNano: info.ModTime().UnixNano(),
		Size:            info.Size(),
	}
}

// Equal reports whether two fingerprints represent the same content state.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.ModTimeUnixNano == other.ModTimeUnixNano && f.Size == other.Size
}

// FileEntry represents a file discovered by the scanner. The path is the
// unique key. Entries are marked removed rather than deleted so that the
// upload history of their records survives the file disappearing from disk.
type FileEntry struct {
	Path        string      `json:"path" msgpack:"p"`
	Fingerprint Fingerprint `json:"fingerprint" msgpack:"fp"`
	Status      ScanStatus  `json:"status" msgpack:"st"`
	FirstSeen   time.Time   `json:"firstSeen" msgpack:"fs"`
	LastScanned time.Time   `json:"lastScanned" msgpack:"ls"`
	RecordCount int         `json:"recordCount" msgpack:"rc"`
}
