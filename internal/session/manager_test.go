package session

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loglens/backend/internal/filter"
	"github.com/loglens/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) FileRef {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return FileRef{ID: "file-" + name, Name: name, Path: path}
}

func waitForSession(t *testing.T, m *Manager, id string) *models.AnalysisSession {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := m.GetSession(id)
		return ok && (s.Status == models.SessionStatusComplete || s.Status == models.SessionStatusError)
	}, 10*time.Second, 10*time.Millisecond)

	s, ok := m.GetSession(id)
	require.True(t, ok)
	return s
}

func TestStartSessionCSV(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)

	ref := writeTempFile(t, dir, "app.csv",
		"timestamp,level,message\n"+
			"2025-01-01 09:00:00,info,startup complete\n"+
			"2025-01-01 10:00:00,error,disk failure\n")

	session, err := m.StartSession([]FileRef{ref})
	require.NoError(t, err)

	done := waitForSession(t, m, session.ID)
	assert.Equal(t, models.SessionStatusComplete, done.Status)
	assert.Equal(t, float64(100), done.Progress)
	assert.Equal(t, 2, done.EventCount)
	assert.Equal(t, 1, done.SourceCount)
	assert.Empty(t, done.Errors)
	assert.NotZero(t, done.StartTime)
	assert.NotZero(t, done.EndTime)

	store, ok := m.StoreFor(session.ID)
	require.True(t, ok)
	events, total, err := store.Query(context.Background(), filter.Criteria{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "startup complete", events[0].Message)
	// No source field in the file, so events inherit the file name.
	assert.Equal(t, "app.csv", events[0].Source)
}

func TestStartSessionMultiFileFailureContinues(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)

	good := writeTempFile(t, dir, "good.csv",
		"timestamp,level,message\n2025-01-01 09:00:00,warn,low disk\n")
	bad := FileRef{ID: "file-missing", Name: "missing.csv", Path: filepath.Join(dir, "missing.csv")}

	session, err := m.StartSession([]FileRef{bad, good})
	require.NoError(t, err)

	done := waitForSession(t, m, session.ID)
	assert.Equal(t, models.SessionStatusComplete, done.Status)
	assert.Equal(t, 1, done.EventCount)
	require.Len(t, done.Errors, 1)
	assert.Equal(t, "file-missing", done.Errors[0].FileID)
}

func TestStartSessionAllFilesFail(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)

	bad := FileRef{ID: "file-missing", Name: "missing.csv", Path: filepath.Join(dir, "missing.csv")}
	session, err := m.StartSession([]FileRef{bad})
	require.NoError(t, err)

	done := waitForSession(t, m, session.ID)
	assert.Equal(t, models.SessionStatusError, done.Status)
	require.NotEmpty(t, done.Errors)
}

func TestStartSessionGzip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)

	path := filepath.Join(dir, "app.log.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte("2025-01-01 09:00:00 ERROR pump offline\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	session, err := m.StartSession([]FileRef{{ID: "gz", Name: "app.log.gz", Path: path}})
	require.NoError(t, err)

	done := waitForSession(t, m, session.ID)
	assert.Equal(t, models.SessionStatusComplete, done.Status)
	assert.Equal(t, 1, done.EventCount)

	store, ok := m.StoreFor(session.ID)
	require.True(t, ok)
	events, _, err := store.Query(context.Background(), filter.Criteria{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityError, events[0].Severity)
	require.NotNil(t, events[0].Timestamp)
}

func TestStartSessionNoFiles(t *testing.T) {
	m := NewManager(t.TempDir(), 0)
	_, err := m.StartSession(nil)
	assert.Error(t, err)
}

func TestTouchAndCleanup(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)

	ref := writeTempFile(t, dir, "a.csv", "timestamp,level,message\n2025-01-01 09:00:00,info,x\n")
	session, err := m.StartSession([]FileRef{ref})
	require.NoError(t, err)
	waitForSession(t, m, session.ID)

	assert.True(t, m.TouchSession(session.ID))
	assert.False(t, m.TouchSession("nope"))

	// Recently touched sessions survive an aggressive cleanup.
	m.CleanupOldSessions(0)
	_, ok := m.GetSession(session.ID)
	assert.True(t, ok)

	assert.True(t, m.DeleteSession(session.ID))
	_, ok = m.GetSession(session.ID)
	assert.False(t, ok)
	assert.False(t, m.DeleteSession(session.ID))
}

func TestStoreForIncompleteSession(t *testing.T) {
	m := NewManager(t.TempDir(), 0)
	_, ok := m.StoreFor("missing")
	assert.False(t, ok)
}
