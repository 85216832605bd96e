// Package testutil provides shared fakes for pipeline tests.
package testutil

import (
	"context"
	"sync"

	"github.com/logextract/backend/internal/uploader"
)

// MockSink is a scripted uploader.Sink. Unscripted records are accepted.
type MockSink struct {
	mu       sync.Mutex
	scripts  map[string]uploader.Result
	batchErr error
	sent     [][]uploader.Item
}

// NewMockSink creates a sink that accepts everything by default.
func NewMockSink() *MockSink {
	return &MockSink{scripts: make(map[string]uploader.Result)}
}

// Reject scripts a terminal rejection for a record.
func (m *MockSink) Reject(recordID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[recordID] = uploader.Result{RecordID: recordID, Reason: reason}
}

// FailTransient scripts a retryable failure for a record.
func (m *MockSink) FailTransient(recordID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[recordID] = uploader.Result{RecordID: recordID, Reason: reason, Transient: true}
}

// FailBatch makes every Send call fail wholesale with the given error.
func (m *MockSink) FailBatch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchErr = err
}

// Send records the batch and returns the scripted verdicts.
func (m *MockSink) Send(_ context.Context, items []uploader.Item) ([]uploader.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, items)
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	results := make([]uploader.Result, 0, len(items))
	for _, item := range items {
		if scripted, ok := m.scripts[item.RecordID]; ok {
			results = append(results, scripted)
			continue
		}
		results = append(results, uploader.Result{RecordID: item.RecordID, Accepted: true})
	}
	return results, nil
}

// Batches returns a copy of every batch sent so far.
func (m *MockSink) Batches() [][]uploader.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]uploader.Item, len(m.sent))
	copy(out, m.sent)
	return out
}
