package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/logextract/backend/internal/history"
	"github.com/logextract/backend/internal/models"
	"github.com/logextract/backend/internal/pipeline"
	"github.com/logextract/backend/internal/scanner"
	"github.com/logextract/backend/internal/state"
	"github.com/logextract/backend/internal/uploader"
)

// Handler handles API requests.
type Handler struct {
	pipeline *pipeline.Pipeline
	state    *state.Manager
	archive  *history.Archive
	version  string
}

// NewHandler creates a new API handler. archive may be nil when history
// is disabled.
func NewHandler(p *pipeline.Pipeline, st *state.Manager, archive *history.Archive, version string) *Handler {
	return &Handler{pipeline: p, state: st, archive: archive, version: version}
}

// HandleHealth returns server health status.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleStartScan runs one scan-and-analyze pass and returns its summary.
func (h *Handler) HandleStartScan(c echo.Context) error {
	sum, err := h.pipeline.ScanAndAnalyze(c.Request().Context())
	if err != nil {
		if errors.Is(err, scanner.ErrScanInProgress) {
			return NewConflictError("a scan is already running")
		}
		return NewInternalError("scan failed", err)
	}
	return c.JSON(http.StatusOK, sum)
}

// HandleCancelScan stops an in-progress scan.
func (h *Handler) HandleCancelScan(c echo.Context) error {
	h.pipeline.CancelScan()
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

// HandleUploadAll drains every pending record to the sink.
func (h *Handler) HandleUploadAll(c echo.Context) error {
	stats, err := h.pipeline.UploadAll(c.Request().Context())
	return h.uploadResponse(c, stats, err)
}

// HandleUploadSelected uploads only the records named in the body.
func (h *Handler) HandleUploadSelected(c echo.Context) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if len(req.IDs) == 0 {
		return NewBadRequestError("ids must not be empty", nil)
	}
	stats, err := h.pipeline.UploadSelected(c.Request().Context(), req.IDs)
	return h.uploadResponse(c, stats, err)
}

// HandleRetryFailed re-runs transiently failed records.
func (h *Handler) HandleRetryFailed(c echo.Context) error {
	stats, err := h.pipeline.RetryFailed(c.Request().Context())
	return h.uploadResponse(c, stats, err)
}

func (h *Handler) uploadResponse(c echo.Context, stats uploader.Stats, err error) error {
	if err != nil {
		if errors.Is(err, uploader.ErrUploadInProgress) {
			return NewConflictError("an upload is already running")
		}
		return NewInternalError("upload failed", err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleCancelUpload stops the active upload run.
func (h *Handler) HandleCancelUpload(c echo.Context) error {
	h.pipeline.CancelUpload()
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

// HandleGetFiles lists every tracked file, removed ones included.
func (h *Handler) HandleGetFiles(c echo.Context) error {
	return c.JSON(http.StatusOK, h.state.Files())
}

// HandleGetRecords lists records, optionally filtered by upload status
// and source path substring.
func (h *Handler) HandleGetRecords(c echo.Context) error {
	status := c.QueryParam("status")
	pathFilter := c.QueryParam("path")

	recs := h.state.SelectRecords(func(r *models.Record) bool {
		if status != "" && string(r.Status) != status {
			return false
		}
		if pathFilter != "" && !strings.Contains(r.Path, pathFilter) {
			return false
		}
		return true
	})
	return c.JSON(http.StatusOK, recs)
}

// HandleGetStats reports pipeline counters.
func (h *Handler) HandleGetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.pipeline.Stats())
}

// HandleGetHistory lists archived upload outcomes.
func (h *Handler) HandleGetHistory(c echo.Context) error {
	if h.archive == nil {
		return NewNotFoundError("history archive", "disabled")
	}
	if path := c.QueryParam("path"); path != "" {
		entries, err := h.archive.ListByPath(path)
		if err != nil {
			return NewInternalError("querying history", err)
		}
		return c.JSON(http.StatusOK, entries)
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return NewBadRequestError("limit must be a positive integer", err)
		}
		limit = n
	}
	entries, err := h.archive.Recent(limit)
	if err != nil {
		return NewInternalError("querying history", err)
	}
	return c.JSON(http.StatusOK, entries)
}

// HandleResetRecord performs the operator reset of a record back to
// pending. Record IDs contain slashes, so the ID travels in the body.
func (h *Handler) HandleResetRecord(c echo.Context) error {
	id, apiErr := bindRecordID(c)
	if apiErr != nil {
		return apiErr
	}
	if err := h.pipeline.ResetRecord(id); err != nil {
		var illegal *state.ErrIllegalTransition
		if errors.As(err, &illegal) {
			return NewConflictError(illegal.Error())
		}
		return NewNotFoundError("record", id)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

// HandlePreviewRecord decrypts and pretty-prints a record's payload.
func (h *Handler) HandlePreviewRecord(c echo.Context) error {
	id, apiErr := bindRecordID(c)
	if apiErr != nil {
		return apiErr
	}
	if _, ok := h.state.Record(id); !ok {
		return NewNotFoundError("record", id)
	}
	plain, err := h.pipeline.PreviewRecord(id)
	if err != nil {
		return NewBadRequestError("payload could not be decrypted", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "plaintext": plain})
}

func bindRecordID(c echo.Context) (string, *APIError) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.Bind(&req); err != nil {
		return "", NewBadRequestError("invalid request body", err)
	}
	if req.ID == "" {
		return "", NewBadRequestError("id is required", nil)
	}
	return req.ID, nil
}
