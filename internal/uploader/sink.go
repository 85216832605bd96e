package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Item is one record's payload prepared for the remote sink.
type Item struct {
	RecordID string
	Payload  string
	Fields   map[string]string
}

// Result is the sink's verdict on one item. Transient marks failures
// worth retrying automatically (network, timeout); business rejections
// are terminal and wait for operator action.
type Result struct {
	RecordID  string
	Accepted  bool
	Reason    string
	Transient bool
}

// Sink delivers a batch of items to a remote backend. A nil error with
// per-item Results means the batch round-trip completed; a non-nil error
// means the whole batch failed before any verdict was received.
type Sink interface {
	Send(ctx context.Context, items []Item) ([]Result, error)
}

// HTTPSink posts each item as {"param": payload} JSON and reads the
// backend's {"success": "1"|"0", "message": ...} reply. The backend has
// no batch endpoint, so a batch is sent item by item within one call.
type HTTPSink struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSink creates a sink with the given per-request timeout.
func NewHTTPSink(endpoint string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

type uploadRequest struct {
	Param string `json:"param"`
}

type uploadResponse struct {
	Success string `json:"success"`
	Message string `json:"message"`
}

// Send uploads items sequentially. Network failures mark the item
// transient and the remaining items are still attempted; only a
// cancelled context aborts the batch.
func (s *HTTPSink) Send(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.sendOne(ctx, item))
	}
	return results, nil
}

func (s *HTTPSink) sendOne(ctx context.Context, item Item) Result {
	res := Result{RecordID: item.RecordID}

	body, err := json.Marshal(uploadRequest{Param: cleanForUpload(item.Payload)})
	if err != nil {
		res.Reason = fmt.Sprintf("encoding payload: %v", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		res.Reason = fmt.Sprintf("building request: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		res.Reason = fmt.Sprintf("network error: %v", err)
		res.Transient = true
		return res
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		res.Reason = fmt.Sprintf("reading response: %v", err)
		res.Transient = true
		return res
	}

	if resp.StatusCode != http.StatusOK {
		res.Reason = fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 50))
		// Server-side trouble is worth retrying; client errors are not.
		res.Transient = resp.StatusCode >= 500
		return res
	}

	var parsed uploadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		res.Reason = fmt.Sprintf("invalid JSON response: %s", truncate(string(raw), 50))
		return res
	}
	if parsed.Success == "1" {
		res.Accepted = true
		res.Reason = parsed.Message
		return res
	}
	if parsed.Message != "" {
		res.Reason = parsed.Message
	} else {
		res.Reason = "rejected by backend"
	}
	return res
}

// cleanForUpload strips leading and trailing whitespace and control
// characters the devices pad payloads with.
func cleanForUpload(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return r <= 0x20 || r == 0x7f
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
