package bus

import (
	"time"

	"github.com/logextract/backend/internal/models"
)

// EventType tags a pipeline event.
type EventType string

const (
	EventScanStarted   EventType = "scan:started"
	EventScanCompleted EventType = "scan:completed"
	EventFileAdded     EventType = "file:added"
	EventFileChanged   EventType = "file:changed"
	EventFileRemoved   EventType = "file:removed"
	EventAnalysisDone  EventType = "analysis:done"
	EventUploadStarted EventType = "upload:started"
	EventUploadProgress EventType = "upload:progress"
	EventUploadDone    EventType = "upload:done"
	EventUploadFinished EventType = "upload:finished"
	EventError         EventType = "error"
)

// Event is an immutable notification published on the bus. The payload's
// concrete type is determined by the event type; subscribers type-assert
// against the payload structs below.
type Event struct {
	Type    EventType   `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// FilePayload accompanies FileAdded, FileChanged and FileRemoved.
type FilePayload struct {
	Path string `json:"path"`
}

// ScanSummaryPayload accompanies ScanCompleted.
type ScanSummaryPayload struct {
	ScanID  string `json:"scanId"`
	Root    string `json:"root"`
	New     int    `json:"new"`
	Changed int    `json:"changed"`
	Removed int    `json:"removed"`
	Total   int    `json:"total"`
}

// AnalysisDonePayload accompanies AnalysisDone.
type AnalysisDonePayload struct {
	Path        string `json:"path"`
	RecordCount int    `json:"recordCount"`
}

// UploadProgressPayload accompanies UploadProgress. Progress is reported
// per batch, not per record, to avoid flooding subscribers.
type UploadProgressPayload struct {
	BatchID string `json:"batchId"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
}

// UploadDonePayload accompanies UploadDone for a single record reaching a
// terminal status.
type UploadDonePayload struct {
	RecordID string              `json:"recordId"`
	Status   models.UploadStatus `json:"status"`
	Reason   string              `json:"reason,omitempty"`
}

// UploadFinishedPayload accompanies UploadFinished at the end of a run.
type UploadFinishedPayload struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// ErrorPayload accompanies Error events. Context names the stage that
// produced the error ("scanner", "analyzer", "uploader", "bus").
type ErrorPayload struct {
	Context string `json:"context"`
	Message string `json:"message"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, payload interface{}) Event {
	return Event{Type: t, Time: time.Now(), Payload: payload}
}
