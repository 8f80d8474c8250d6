// handlers_analyze.go - HTTP handlers for analysis sessions
package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loglens/backend/internal/adapter"
	"github.com/loglens/backend/internal/export"
	"github.com/loglens/backend/internal/filter"
	"github.com/loglens/backend/internal/models"
	"github.com/loglens/backend/internal/session"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// analyzeRequest starts an analysis over one or more stored files. Format
// forces an adapter for every file instead of per-file detection.
type analyzeRequest struct {
	FileID  string   `json:"fileId"`
	FileIDs []string `json:"fileIds"`
	Format  string   `json:"format"`
}

// HandleStartAnalyze kicks off background parsing and normalization of the
// requested files and returns the session descriptor with 202.
func (h *Handlers) HandleStartAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid analyze body", err)
	}

	ids := req.FileIDs
	if req.FileID != "" {
		ids = append(ids, req.FileID)
	}
	if len(ids) == 0 {
		return NewValidationError("fileIds")
	}
	if req.Format != "" {
		if _, err := adapter.GetGlobalRegistry().ByName(req.Format); err != nil {
			return NewValidationError("format")
		}
	}

	refs := make([]session.FileRef, 0, len(ids))
	for _, id := range ids {
		info, err := h.store.Get(id)
		if err != nil {
			return NewNotFoundError("file", id)
		}
		path, err := h.store.GetFilePath(id)
		if err != nil {
			return NewNotFoundError("file", id)
		}
		refs = append(refs, session.FileRef{ID: id, Name: info.Name, Path: path, Format: req.Format})
	}

	sess, err := h.sessions.StartSession(refs)
	if err != nil {
		return NewConflictError(err.Error())
	}
	fmt.Printf("[Analyze] Started session %s over %d file(s)\n", sess.ID[:8], len(refs))
	return c.JSON(http.StatusAccepted, sess)
}

// HandleAnalyzeStatus reports session state and refreshes its last-access time.
func (h *Handlers) HandleAnalyzeStatus(c echo.Context) error {
	id := c.Param("sessionId")
	sess, ok := h.sessions.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}
	h.sessions.TouchSession(id)
	return c.JSON(http.StatusOK, sess)
}

// HandleKeepAlive extends a session's lifetime without returning a body.
func (h *Handlers) HandleKeepAlive(c echo.Context) error {
	id := c.Param("sessionId")
	if !h.sessions.TouchSession(id) {
		return NewNotFoundError("session", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleProgressStream streams session progress as server-sent events until
// the session completes, fails, or the client disconnects.
func (h *Handlers) HandleProgressStream(c echo.Context) error {
	id := c.Param("sessionId")
	if _, ok := h.sessions.GetSession(id); !ok {
		return NewNotFoundError("session", id)
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
			sess, ok := h.sessions.GetSession(id)
			if !ok {
				return nil
			}
			if err := sendSSEData(c, sess); err != nil {
				return nil
			}
			if sess.Status == models.SessionStatusComplete || sess.Status == models.SessionStatusError {
				return nil
			}
		}
	}
}

// eventsResponse is the paginated event payload.
type eventsResponse struct {
	Events   []models.Event `json:"events"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

// HandleEvents returns a filtered, paginated slice of the session's events.
func (h *Handlers) HandleEvents(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}
	page, pageSize, err := paginationParams(c)
	if err != nil {
		return err
	}

	events, total, err := store.Query(c.Request().Context(), criteria, page, pageSize)
	if err != nil {
		return NewInternalError("event query failed", err)
	}
	return c.JSON(http.StatusOK, eventsResponse{
		Events:   events,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// HandleEventsMsgpack is the msgpack variant of HandleEvents for large result
// sets.
func (h *Handlers) HandleEventsMsgpack(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}
	page, pageSize, err := paginationParams(c)
	if err != nil {
		return err
	}

	events, total, err := store.Query(c.Request().Context(), criteria, page, pageSize)
	if err != nil {
		return NewInternalError("event query failed", err)
	}
	data, err := msgpack.Marshal(eventsResponse{
		Events:   events,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return NewInternalError("msgpack encoding failed", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleSeveritySummary returns event counts per severity level.
func (h *Handlers) HandleSeveritySummary(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}
	counts, err := store.CountBySeverity(c.Request().Context(), criteria)
	if err != nil {
		return NewInternalError("severity summary failed", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"severities": counts})
}

// HandleSourceSummary returns event counts per source.
func (h *Handlers) HandleSourceSummary(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}
	counts, err := store.CountBySource(c.Request().Context(), criteria)
	if err != nil {
		return NewInternalError("source summary failed", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sources": counts})
}

// HandleTimeline returns interval-bucketed event counts. The interval query
// parameter accepts Go durations ("5m", "1h"); the default is one hour.
func (h *Handlers) HandleTimeline(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}

	interval := time.Hour
	if raw := c.QueryParam("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return NewValidationError("interval")
		}
		interval = d
	}

	buckets, err := store.Buckets(c.Request().Context(), criteria, interval)
	if err != nil {
		return NewInternalError("timeline summary failed", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"intervalMs": interval.Milliseconds(),
		"buckets":    buckets,
	})
}

// HandleOverview returns aggregate stats for the filtered event set.
func (h *Handlers) HandleOverview(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}
	overview, err := store.Overview(c.Request().Context(), criteria)
	if err != nil {
		return NewInternalError("overview summary failed", err)
	}
	return c.JSON(http.StatusOK, overview)
}

// HandleListSeverities returns the canonical severity levels in enum order.
func (h *Handlers) HandleListSeverities(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"severities": models.Severities})
}

// HandleListSources returns the distinct sources seen in the session.
func (h *Handlers) HandleListSources(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"sources": store.Sources()})
}

// HandleExport streams the filtered events as an XLSX workbook. An empty
// result set is a client error, not an empty file.
func (h *Handlers) HandleExport(c echo.Context) error {
	store, err := h.sessionStore(c)
	if err != nil {
		return err
	}
	criteria, err := buildCriteria(c)
	if err != nil {
		return err
	}
	events, err := store.Filtered(c.Request().Context(), criteria)
	if err != nil {
		return NewInternalError("event query failed", err)
	}

	// Build the workbook before touching the response so an empty result
	// set still maps to a client error.
	var buf bytes.Buffer
	if err := export.XLSX(&buf, events); err != nil {
		return err
	}

	name := fmt.Sprintf("loglens-export-%s.xlsx", time.Now().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, name))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// HandleDeleteSession releases a session and its event store.
func (h *Handlers) HandleDeleteSession(c echo.Context) error {
	id := c.Param("sessionId")
	if !h.sessions.DeleteSession(id) {
		return NewNotFoundError("session", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// sessionStore fetches the event store for a completed session, touching it.
func (h *Handlers) sessionStore(c echo.Context) (session.EventStore, error) {
	id := c.Param("sessionId")
	sess, ok := h.sessions.GetSession(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	store, ok := h.sessions.StoreFor(id)
	if !ok {
		return nil, NewConflictError(fmt.Sprintf("session %s is not ready (status=%s)", id, sess.Status))
	}
	h.sessions.TouchSession(id)
	return store, nil
}

// buildCriteria translates query parameters into filter criteria. Times are
// unix milliseconds or RFC 3339; severities is a comma-separated list;
// sources may repeat.
func buildCriteria(c echo.Context) (filter.Criteria, error) {
	var criteria filter.Criteria

	from, err := parseTimeParam(c.QueryParam("from"))
	if err != nil {
		return criteria, NewValidationError("from")
	}
	criteria.From = from

	to, err := parseTimeParam(c.QueryParam("to"))
	if err != nil {
		return criteria, NewValidationError("to")
	}
	criteria.To = to

	if raw := c.QueryParam("severities"); raw != "" {
		set := make(map[models.Severity]bool)
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			sev := models.Severity(strings.ToUpper(part))
			if !sev.Valid() {
				return criteria, NewValidationError("severities")
			}
			set[sev] = true
		}
		criteria.Severities = set
	}

	if sources := c.QueryParams()["sources"]; len(sources) > 0 {
		set := make(map[string]bool, len(sources))
		for _, s := range sources {
			if s != "" {
				set[s] = true
			}
		}
		if len(set) > 0 {
			criteria.Sources = set
		}
	}

	criteria.Query = c.QueryParam("q")
	return criteria, nil
}

// parseTimeParam accepts unix milliseconds or RFC 3339. Empty means unset.
func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// paginationParams reads page and pageSize with the usual clamping rules.
func paginationParams(c echo.Context) (int, int, error) {
	page := 1
	if raw := c.QueryParam("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, NewValidationError("page")
		}
		page = v
	}
	pageSize := defaultPageSize
	if raw := c.QueryParam("pageSize"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxPageSize {
			return 0, 0, NewValidationError("pageSize")
		}
		pageSize = v
	}
	return page, pageSize, nil
}
