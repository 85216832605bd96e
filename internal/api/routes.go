// routes.go - Route registration helpers
package api

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, h *Handler, ws *WebSocketHandler) {
	// Health check
	e.GET("/health", h.HandleHealth)

	// Pipeline command surface
	scanGroup := e.Group("/api/scan")
	scanGroup.POST("", h.HandleStartScan)
	scanGroup.POST("/cancel", h.HandleCancelScan)

	uploadGroup := e.Group("/api/upload")
	uploadGroup.POST("", h.HandleUploadAll)
	uploadGroup.POST("/selected", h.HandleUploadSelected)
	uploadGroup.POST("/retry-failed", h.HandleRetryFailed)
	uploadGroup.POST("/cancel", h.HandleCancelUpload)

	// State inspection
	e.GET("/api/files", h.HandleGetFiles)
	e.GET("/api/records", h.HandleGetRecords)
	e.GET("/api/stats", h.HandleGetStats)
	e.GET("/api/history", h.HandleGetHistory)

	// Per-record operator actions. IDs travel in the body because they
	// contain path separators.
	recordGroup := e.Group("/api/records")
	recordGroup.POST("/reset", h.HandleResetRecord)
	recordGroup.POST("/preview", h.HandlePreviewRecord)

	// Event stream
	e.GET("/api/ws/events", ws.HandleWebSocket)
}
