package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loglens/backend/internal/adapter"
	"github.com/loglens/backend/internal/session"
	"github.com/loglens/backend/internal/storage"
	"github.com/loglens/backend/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	e        *echo.Echo
	h        *Handlers
	store    storage.Store
	sessions *session.Manager
	uploads  *upload.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmp := t.TempDir()
	store, err := storage.NewLocalStore(filepath.Join(tmp, "uploads"), adapter.NewRegistry())
	require.NoError(t, err)

	sessions := session.NewManager(filepath.Join(tmp, "duckdb"), 1<<30)
	uploads := upload.NewManager(store)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler

	return &testEnv{
		e:        e,
		h:        NewHandlers(store, sessions, uploads, "", "test", nil),
		store:    store,
		sessions: sessions,
		uploads:  uploads,
	}
}

func (env *testEnv) jsonRequest(method, target string, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return env.e.NewContext(req, rec), rec
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)

	require.NoError(t, env.h.HandleHealth(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestUploadMultipart(t *testing.T) {
	env := newTestEnv(t)

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", "app.csv")
	part.Write([]byte("timestamp,level,message\n2025-03-01 10:00:00,INFO,hello\n"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)

	require.NoError(t, env.h.HandleUploadFile(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"app.csv"`)
	assert.Contains(t, rec.Body.String(), `"format":"csv"`)
}

func TestUploadBase64JSON(t *testing.T) {
	env := newTestEnv(t)

	content := base64.StdEncoding.EncodeToString([]byte(`{"level":"ERROR","message":"boom"}`))
	c, rec := env.jsonRequest(http.MethodPost, "/api/files/upload",
		fmt.Sprintf(`{"name":"events.json","data":"%s"}`, content))

	require.NoError(t, env.h.HandleUploadFile(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"format":"json"`)
}

func TestUploadBase64BadData(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.jsonRequest(http.MethodPost, "/api/files/upload",
		`{"name":"x.txt","data":"not base64!!!"}`)

	err := env.h.HandleUploadFile(c)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestFileLifecycle(t *testing.T) {
	env := newTestEnv(t)

	info, err := env.store.Save("trace.txt", bytes.NewReader([]byte("2025-03-01 10:00:00 INFO started\n")))
	require.NoError(t, err)

	// Recent list contains the file.
	req := httptest.NewRequest(http.MethodGet, "/api/files/recent", nil)
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)
	require.NoError(t, env.h.HandleGetRecentFiles(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), info.ID)

	// Get by ID.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = env.e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	require.NoError(t, env.h.HandleGetFile(c))
	assert.Contains(t, rec.Body.String(), `"name":"trace.txt"`)

	// Rename re-detects the format from the new extension.
	c, rec = env.jsonRequest(http.MethodPut, "/", `{"name":"trace.log"}`)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	require.NoError(t, env.h.HandleRenameFile(c))
	assert.Contains(t, rec.Body.String(), `"name":"trace.log"`)

	// Delete, then fetching it is a 404.
	req = httptest.NewRequest(http.MethodDelete, "/", nil)
	rec = httptest.NewRecorder()
	c = env.e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	require.NoError(t, env.h.HandleDeleteFile(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = env.e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(info.ID)
	err = env.h.HandleGetFile(c)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestChunkedUploadJob(t *testing.T) {
	env := newTestEnv(t)

	uploadID := "chunked-upload-1"
	chunks := []string{"timestamp,level,message\n", "2025-03-01 10:00:00,INFO,first\n"}

	for i, chunk := range chunks {
		c, rec := env.jsonRequest(http.MethodPost, "/api/files/upload/chunk",
			fmt.Sprintf(`{"uploadId":"%s","chunkIndex":%d,"data":"%s"}`,
				uploadID, i, base64.StdEncoding.EncodeToString([]byte(chunk))))
		require.NoError(t, env.h.HandleUploadChunk(c))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	c, rec := env.jsonRequest(http.MethodPost, "/api/files/upload/complete",
		fmt.Sprintf(`{"uploadId":"%s","fileName":"combined.csv","totalChunks":2}`, uploadID))
	require.NoError(t, env.h.HandleCompleteUpload(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	require.Eventually(t, func() bool {
		job, ok := env.uploads.Snapshot(resp.JobID)
		return ok && job.Status == upload.StatusComplete
	}, 10*time.Second, 10*time.Millisecond)

	job, ok := env.uploads.Snapshot(resp.JobID)
	require.True(t, ok)
	require.NotNil(t, job.FileInfo)
	assert.Equal(t, "combined.csv", job.FileInfo.Name)
	assert.Equal(t, int64(len(chunks[0])+len(chunks[1])), job.FileInfo.Size)

	// Job status endpoint reflects the finished job.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec2 := httptest.NewRecorder()
	c = env.e.NewContext(req, rec2)
	c.SetParamNames("jobId")
	c.SetParamValues(resp.JobID)
	require.NoError(t, env.h.HandleUploadJobStatus(c))
	assert.Contains(t, rec2.Body.String(), `"status":"complete"`)
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(t)
	env.h.allowedExts = map[string]bool{".csv": true, ".log": true}

	content := base64.StdEncoding.EncodeToString([]byte("data"))
	c, _ := env.jsonRequest(http.MethodPost, "/api/files/upload",
		fmt.Sprintf(`{"name":"payload.exe","data":"%s"}`, content))

	err := env.h.HandleUploadFile(c)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	// Allowed extension still goes through.
	c, rec := env.jsonRequest(http.MethodPost, "/api/files/upload",
		fmt.Sprintf(`{"name":"ok.log","data":"%s"}`, content))
	require.NoError(t, env.h.HandleUploadFile(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestUploadJobStatusNotFound(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := env.e.NewContext(req, rec)
	c.SetParamNames("jobId")
	c.SetParamValues("missing")

	err := env.h.HandleUploadJobStatus(c)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestWebSocketHandlerMessageCap(t *testing.T) {
	env := newTestEnv(t)

	wsh := NewWebSocketHandler(env.h, 256*1024)
	assert.Equal(t, int64(256*1024), wsh.maxMessageBytes)

	// Zero leaves the connection unlimited.
	wsh = NewWebSocketHandler(env.h, 0)
	assert.Zero(t, wsh.maxMessageBytes)
}
