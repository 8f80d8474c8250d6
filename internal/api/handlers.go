// handlers.go - HTTP handlers for health and file management
package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loglens/backend/internal/normalize"
	"github.com/loglens/backend/internal/session"
	"github.com/loglens/backend/internal/storage"
	"github.com/loglens/backend/internal/upload"
)

const (
	sseInterval = 100 * time.Millisecond
	sseTimeout  = 5 * time.Minute
)

// Handlers bundles the services the API exposes.
type Handlers struct {
	store       storage.Store
	sessions    *session.Manager
	uploads     *upload.Manager
	version     string
	allowedExts map[string]bool // nil allows everything

	aliasMu    sync.Mutex
	aliasPath  string
	aliasRules *normalize.Rules
}

// NewHandlers creates the handler set. aliasPath may be empty, in which case
// alias rule updates are not persisted across restarts. allowedExts limits
// upload file extensions; nil allows all.
func NewHandlers(store storage.Store, sessions *session.Manager, uploads *upload.Manager, aliasPath, version string, allowedExts map[string]bool) *Handlers {
	return &Handlers{
		store:       store,
		sessions:    sessions,
		uploads:     uploads,
		version:     version,
		allowedExts: allowedExts,
		aliasPath:   aliasPath,
		aliasRules:  sessions.Normalizer().Rules(),
	}
}

// checkFileName rejects uploads whose extension is not on the allow list.
func (h *Handlers) checkFileName(name string) error {
	if h.allowedExts == nil {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || !h.allowedExts[ext] {
		return NewBadRequestError(fmt.Sprintf("file type not allowed: %q", ext), nil)
	}
	return nil
}

// HandleHealth returns service status.
func (h *Handlers) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"time":    time.Now().UnixMilli(),
	})
}

// uploadRequest is the JSON body for base64 file uploads.
type uploadRequest struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// HandleUploadFile accepts a file either as multipart form data or as a JSON
// body with base64 content, and registers it with the store.
func (h *Handlers) HandleUploadFile(c echo.Context) error {
	if file, err := c.FormFile("file"); err == nil {
		if err := h.checkFileName(file.Filename); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return NewInternalError("failed to open uploaded file", err)
		}
		defer src.Close()

		info, err := h.store.Save(file.Filename, src)
		if err != nil {
			return NewInternalError("failed to save file", err)
		}
		fmt.Printf("[Upload] Saved %s (%d bytes, format=%s)\n", info.Name, info.Size, info.Format)
		return c.JSON(http.StatusCreated, info)
	}

	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("expected multipart form or JSON body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}
	if err := h.checkFileName(req.Name); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("data is not valid base64", err)
	}

	info, err := h.store.Save(req.Name, bytes.NewReader(data))
	if err != nil {
		return NewInternalError("failed to save file", err)
	}
	fmt.Printf("[Upload] Saved %s (%d bytes, format=%s)\n", info.Name, info.Size, info.Format)
	return c.JSON(http.StatusCreated, info)
}

// chunkRequest is the JSON body for one chunk of a chunked upload.
type chunkRequest struct {
	UploadID   string `json:"uploadId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

// HandleUploadChunk stores one base64-encoded chunk.
func (h *Handlers) HandleUploadChunk(c echo.Context) error {
	var req chunkRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid chunk body", err)
	}
	if req.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if req.ChunkIndex < 0 {
		return NewValidationError("chunkIndex")
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("chunk data is not valid base64", err)
	}
	if err := h.store.SaveChunk(req.UploadID, req.ChunkIndex, bytes.NewReader(data)); err != nil {
		return NewInternalError("failed to save chunk", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uploadId":   req.UploadID,
		"chunkIndex": req.ChunkIndex,
	})
}

// completeRequest finishes a chunked upload and starts background assembly.
type completeRequest struct {
	UploadID       string `json:"uploadId"`
	FileName       string `json:"fileName"`
	TotalChunks    int    `json:"totalChunks"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
	Encoding       string `json:"encoding"`
}

// HandleCompleteUpload starts the background assembly job for a chunked
// upload and returns 202 with the job id.
func (h *Handlers) HandleCompleteUpload(c echo.Context) error {
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid completion body", err)
	}
	if req.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if req.FileName == "" {
		return NewValidationError("fileName")
	}
	if err := h.checkFileName(req.FileName); err != nil {
		return err
	}
	if req.TotalChunks <= 0 {
		return NewValidationError("totalChunks")
	}

	job := h.uploads.StartJob(req.UploadID, req.FileName, req.TotalChunks, req.OriginalSize, req.CompressedSize, req.Encoding)
	return c.JSON(http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleUploadJobStatus returns the current state of an assembly job.
func (h *Handlers) HandleUploadJobStatus(c echo.Context) error {
	jobID := c.Param("jobId")
	job, ok := h.uploads.Snapshot(jobID)
	if !ok {
		return NewNotFoundError("upload job", jobID)
	}
	return c.JSON(http.StatusOK, job)
}

// HandleUploadJobStream streams assembly job progress as server-sent events
// until the job finishes or the client disconnects.
func (h *Handlers) HandleUploadJobStream(c echo.Context) error {
	jobID := c.Param("jobId")
	if _, ok := h.uploads.Snapshot(jobID); !ok {
		return NewNotFoundError("upload job", jobID)
	}

	prepareSSE(c)

	ticker := time.NewTicker(sseInterval)
	defer ticker.Stop()
	timeout := time.After(sseTimeout)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-timeout:
			return nil
		case <-ticker.C:
			job, ok := h.uploads.Snapshot(jobID)
			if !ok {
				return nil
			}
			if err := sendSSEData(c, job); err != nil {
				return nil
			}
			if job.Status == upload.StatusComplete || job.Status == upload.StatusError {
				return nil
			}
		}
	}
}

// HandleGetRecentFiles lists files in the store, newest first.
func (h *Handlers) HandleGetRecentFiles(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return NewValidationError("limit")
		}
		limit = v
	}
	files, err := h.store.List(limit)
	if err != nil {
		return NewInternalError("failed to list files", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"files": files})
}

// HandleGetFile returns metadata for one file.
func (h *Handlers) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	return c.JSON(http.StatusOK, info)
}

// renameRequest carries the new name for a stored file.
type renameRequest struct {
	Name string `json:"name"`
}

// HandleRenameFile renames a stored file. The format is re-detected from the
// new name.
func (h *Handlers) HandleRenameFile(c echo.Context) error {
	id := c.Param("id")
	var req renameRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid rename body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}
	info, err := h.store.Rename(id, req.Name)
	if err != nil {
		return NewNotFoundError("file", id)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleDeleteFile removes a stored file.
func (h *Handlers) HandleDeleteFile(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		return NewNotFoundError("file", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// prepareSSE sets the response headers for a server-sent event stream.
func prepareSSE(c echo.Context) {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
}

// sendSSEData writes one JSON payload as an SSE data frame and flushes.
func sendSSEData(c echo.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
