package models

import (
	"fmt"
	"time"
)

// UploadStatus represents a record's position in its upload lifecycle.
//
// Legal transitions:
//
//	pending  -> uploading              (picked up by the upload worker)
//	uploading -> uploaded | failed     (ack / nack)
//	failed   -> uploading              (retry)
//	uploaded | failed -> pending       (explicit operator reset)
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusFailed    UploadStatus = "failed"
)

// Record is one structured extraction result tied to a source file.
// Identity is (file path, extraction index) so re-analyzing unchanged
// content yields the same IDs and preserved upload status.
type Record struct {
	ID           string            `json:"id" msgpack:"id"`
	Path         string            `json:"path" msgpack:"p"`
	Index        int               `json:"index" msgpack:"i"`
	PatternIndex int               `json:"patternIndex" msgpack:"pi"`
	Line         int               `json:"line" msgpack:"l"`
	Payload      string            `json:"payload" msgpack:"pl"`
	Fields       map[string]string `json:"fields,omitempty" msgpack:"f,omitempty"`
	Status       UploadStatus      `json:"status" msgpack:"st"`
	FailReason   string            `json:"failReason,omitempty" msgpack:"fr,omitempty"`
	Transient    bool              `json:"transient,omitempty" msgpack:"tr,omitempty"`
	Attempts     int               `json:"attempts" msgpack:"at"`
	UploadedAt   *time.Time        `json:"uploadedAt,omitempty" msgpack:"ua,omitempty"`
}

// RecordID builds the stable identity for a record.
func RecordID(path string, index int) string {
	return fmt.Sprintf("%s#%d", path, index)
}

// UploadAttempt is one try at uploading a record. Attempts are ephemeral;
// only the last outcome is folded into the Record's status.
type UploadAttempt struct {
	RecordID  string       `json:"recordId"`
	BatchID   string       `json:"batchId"`
	StartedAt time.Time    `json:"startedAt"`
	Outcome   UploadStatus `json:"outcome"`
	Error     string       `json:"error,omitempty"`
}

// Stats summarizes the state of the pipeline for the UI.
type Stats struct {
	TotalFiles       int `json:"totalFiles"`
	RemovedFiles     int `json:"removedFiles"`
	FilesWithRecords int `json:"filesWithRecords"`
	TotalRecords     int `json:"totalRecords"`
	Pending          int `json:"pending"`
	Uploading        int `json:"uploading"`
	Uploaded         int `json:"uploaded"`
	Failed           int `json:"failed"`
}
