package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loglens/backend/internal/export"
	"github.com/loglens/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const analyzeCSV = `timestamp,level,source,message
2025-03-01 10:00:00,INFO,api,request handled
2025-03-01 10:00:01,ERROR,db,connection lost
2025-03-01 10:00:02,DEBUG,api,cache hit
2025-03-01 10:00:03,WEIRD,api,unclassified noise
`

// startSession uploads the sample CSV, starts an analysis, and waits for it
// to finish.
func startSession(t *testing.T, env *testEnv) string {
	t.Helper()

	info, err := env.store.Save("app.csv", bytes.NewReader([]byte(analyzeCSV)))
	require.NoError(t, err)

	c, rec := env.jsonRequest(http.MethodPost, "/api/analyze",
		fmt.Sprintf(`{"fileIds":["%s"]}`, info.ID))
	require.NoError(t, env.h.HandleStartAnalyze(c))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var sess models.AnalysisSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)

	require.Eventually(t, func() bool {
		s, ok := env.sessions.GetSession(sess.ID)
		return ok && (s.Status == models.SessionStatusComplete || s.Status == models.SessionStatusError)
	}, 10*time.Second, 10*time.Millisecond)

	s, ok := env.sessions.GetSession(sess.ID)
	require.True(t, ok)
	require.Equal(t, models.SessionStatusComplete, s.Status)
	return sess.ID
}

// analyzeGet invokes an analysis handler with the session param set.
func analyzeGet(env *testEnv, sessionID, target string, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)
	c.SetParamNames("sessionId")
	c.SetParamValues(sessionID)
	return rec, handler(c)
}

func TestAnalyzeRequiresFiles(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.jsonRequest(http.MethodPost, "/api/analyze", `{}`)
	err := env.h.HandleStartAnalyze(c)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestAnalyzeUnknownFile(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.jsonRequest(http.MethodPost, "/api/analyze", `{"fileId":"nope"}`)
	err := env.h.HandleStartAnalyze(c)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestEventsDefaultExcludesUnknown(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleEvents)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Events, 3)
	for _, ev := range resp.Events {
		assert.NotEqual(t, models.SeverityUnknown, ev.Severity)
	}
	// Chronological order.
	assert.Equal(t, "request handled", resp.Events[0].Message)
	assert.Equal(t, "cache hit", resp.Events[2].Message)
}

func TestEventsSeverityFilter(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/?severities=ERROR", env.h.HandleEvents)
	require.NoError(t, err)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, models.SeverityError, resp.Events[0].Severity)

	// Naming UNKNOWN opts it in.
	rec, err = analyzeGet(env, id, "/?severities=UNKNOWN", env.h.HandleEvents)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "unclassified noise", resp.Events[0].Message)
}

func TestEventsTimeBounds(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	from := time.Date(2025, 3, 1, 10, 0, 1, 0, time.UTC).UnixMilli()
	rec, err := analyzeGet(env, id, fmt.Sprintf("/?from=%d", from), env.h.HandleEvents)
	require.NoError(t, err)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Inclusive lower bound keeps the 10:00:01 event.
	assert.Equal(t, 2, resp.Total)
}

func TestEventsBadParams(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	for _, target := range []string{
		"/?severities=BOGUS",
		"/?from=not-a-time",
		"/?page=0",
		"/?pageSize=5000",
	} {
		_, err := analyzeGet(env, id, target, env.h.HandleEvents)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr, "target %s", target)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	}
}

func TestEventsPagination(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/?page=2&pageSize=2", env.h.HandleEvents)
	require.NoError(t, err)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Page)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "cache hit", resp.Events[0].Message)
}

func TestEventsMsgpack(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleEventsMsgpack)
	require.NoError(t, err)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var resp eventsResponse
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Events, 3)
}

func TestSeveritySummary(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleSeveritySummary)
	require.NoError(t, err)
	body := rec.Body.String()
	assert.Contains(t, body, `"severity":"ERROR","count":1`)
	// Zero counts are present for levels with no events.
	assert.Contains(t, body, `"severity":"WARN","count":0`)
}

func TestSourceSummary(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleSourceSummary)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"source":"api","count":2`)
	assert.Contains(t, rec.Body.String(), `"source":"db","count":1`)
}

func TestTimeline(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/?interval=5m", env.h.HandleTimeline)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"intervalMs":300000`)
	assert.Contains(t, rec.Body.String(), `"count":3`)

	_, err = analyzeGet(env, id, "/?interval=banana", env.h.HandleTimeline)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleOverview)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"events":3`)
	assert.Contains(t, rec.Body.String(), `"errors":1`)
}

func TestListSeveritiesAndSources(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleListSeverities)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"DEBUG","INFO","WARN","ERROR","UNKNOWN"`)

	rec, err = analyzeGet(env, id, "/", env.h.HandleListSources)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"api"`)
	assert.Contains(t, rec.Body.String(), `"db"`)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleExport)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "attachment")
	// XLSX files are zip archives.
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestExportEmptyResult(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	_, err := analyzeGet(env, id, "/?q=no-such-message", env.h.HandleExport)
	require.Error(t, err)
	var exportErr *export.ExportError
	assert.ErrorAs(t, err, &exportErr)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := startSession(t, env)

	rec, err := analyzeGet(env, id, "/", env.h.HandleAnalyzeStatus)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), `"status":"complete"`)

	// Keepalive.
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	c := env.e.NewContext(req, rec)
	c.SetParamNames("sessionId")
	c.SetParamValues(id)
	require.NoError(t, env.h.HandleKeepAlive(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Delete, then the session is gone.
	req = httptest.NewRequest(http.MethodDelete, "/", nil)
	rec = httptest.NewRecorder()
	c = env.e.NewContext(req, rec)
	c.SetParamNames("sessionId")
	c.SetParamValues(id)
	require.NoError(t, env.h.HandleDeleteSession(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = analyzeGet(env, id, "/", env.h.HandleAnalyzeStatus)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestSessionNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := analyzeGet(env, "missing", "/", env.h.HandleEvents)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestAliasRulesRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/config/aliases", nil)
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)
	require.NoError(t, env.h.HandleGetAliases(c))
	assert.Contains(t, rec.Body.String(), `"timestamp"`)

	rules := `
severities:
  ERROR: [kaput]
  INFO: [fine]
`
	req = httptest.NewRequest(http.MethodPut, "/api/config/aliases", bytes.NewBufferString(rules))
	rec = httptest.NewRecorder()
	c = env.e.NewContext(req, rec)
	require.NoError(t, env.h.HandlePutAliases(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	// New sessions classify with the uploaded table.
	norm := env.sessions.Normalizer()
	assert.Equal(t, models.SeverityError, norm.ParseSeverity("kaput"))
	assert.Equal(t, models.SeverityInfo, norm.ParseSeverity("fine"))
}

func TestPutAliasesRejectsBadDocument(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPut, "/api/config/aliases",
		bytes.NewBufferString("severities:\n  NOPE: [x]\n"))
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)

	err := env.h.HandlePutAliases(c)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
