// routes.go - API route registration
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/loglens/backend/internal/session"
	"github.com/loglens/backend/internal/storage"
	"github.com/loglens/backend/internal/upload"
)

// Dependencies carries the services the API routes need.
type Dependencies struct {
	Store             storage.Store
	Sessions          *session.Manager
	Uploads           *upload.Manager
	AliasRulesPath    string
	Version           string
	AllowFileDeletion bool
	AllowedExtensions map[string]bool

	// WSMaxMessageBytes caps WebSocket frames; zero means unlimited.
	WSMaxMessageBytes int64
}

// RegisterRoutes wires all API endpoints onto the Echo instance.
func RegisterRoutes(e *echo.Echo, deps Dependencies) *Handlers {
	h := NewHandlers(deps.Store, deps.Sessions, deps.Uploads, deps.AliasRulesPath, deps.Version, deps.AllowedExtensions)
	wsh := NewWebSocketHandler(h, deps.WSMaxMessageBytes)

	api := e.Group("/api")

	api.GET("/health", h.HandleHealth)

	files := api.Group("/files")
	files.POST("/upload", h.HandleUploadFile)
	files.POST("/upload/base64", h.HandleUploadFile)
	files.POST("/upload/chunk", h.HandleUploadChunk)
	files.POST("/upload/complete", h.HandleCompleteUpload)
	files.GET("/upload/jobs/:jobId", h.HandleUploadJobStatus)
	files.GET("/upload/:jobId/status", h.HandleUploadJobStream)
	files.GET("/recent", h.HandleGetRecentFiles)
	files.GET("/:id", h.HandleGetFile)
	files.PUT("/:id", h.HandleRenameFile)
	if deps.AllowFileDeletion {
		files.DELETE("/:id", h.HandleDeleteFile)
	}

	api.GET("/ws/uploads", wsh.HandleWebSocket)

	api.POST("/analyze", h.HandleStartAnalyze)
	analyze := api.Group("/analyze/:sessionId")
	analyze.GET("/status", h.HandleAnalyzeStatus)
	analyze.POST("/keepalive", h.HandleKeepAlive)
	analyze.GET("/progress", h.HandleProgressStream)
	analyze.GET("/events", h.HandleEvents)
	analyze.GET("/events/msgpack", h.HandleEventsMsgpack)
	analyze.GET("/summary/severity", h.HandleSeveritySummary)
	analyze.GET("/summary/sources", h.HandleSourceSummary)
	analyze.GET("/summary/timeline", h.HandleTimeline)
	analyze.GET("/summary/overview", h.HandleOverview)
	analyze.GET("/severities", h.HandleListSeverities)
	analyze.GET("/sources", h.HandleListSources)
	analyze.GET("/export", h.HandleExport)
	analyze.DELETE("", h.HandleDeleteSession)

	config := api.Group("/config")
	config.GET("/aliases", h.HandleGetAliases)
	config.PUT("/aliases", h.HandlePutAliases)

	return h
}
