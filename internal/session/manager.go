package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loglens/backend/internal/adapter"
	"github.com/loglens/backend/internal/models"
	"github.com/loglens/backend/internal/normalize"
)

// MaxSessions limits concurrent sessions to prevent memory exhaustion.
const MaxSessions = 10

// SessionMaxAge is how long completed sessions are kept before cleanup.
const SessionMaxAge = 30 * time.Minute

// SessionKeepAliveWindow keeps recently accessed sessions alive past their
// age limit.
const SessionKeepAliveWindow = 5 * time.Minute

// FileRef names one stored file for a session: the storage ID, the display
// name and the on-disk path. Format, when set, forces an adapter instead of
// extension and content detection.
type FileRef struct {
	ID     string
	Name   string
	Path   string
	Format string
}

// Manager owns active analysis sessions.
type Manager struct {
	sessions map[string]*State
	mu       sync.RWMutex

	registry *adapter.Registry

	normMu     sync.RWMutex
	normalizer *normalize.Normalizer

	tempDir string

	// Sessions whose combined input size exceeds this spill to DuckDB.
	largeThreshold int64

	duckTuning DuckDBTuning
}

// State holds the session metadata and its event store.
type State struct {
	Session      *models.AnalysisSession
	Store        EventStore
	LastAccessed time.Time
}

// NewManager creates a session manager. tempDir holds the DuckDB spill files
// for large sessions; largeThreshold is the combined input size in bytes
// above which a session uses DuckDB instead of memory.
func NewManager(tempDir string, largeThreshold int64) *Manager {
	os.MkdirAll(tempDir, 0755)
	return &Manager{
		sessions:       make(map[string]*State),
		registry:       adapter.GetGlobalRegistry(),
		normalizer:     normalize.Default(),
		tempDir:        tempDir,
		largeThreshold: largeThreshold,
	}
}

// SetDuckDBTuning configures the resource limits for DuckDB spill stores
// created by subsequent sessions.
func (m *Manager) SetDuckDBTuning(t DuckDBTuning) {
	m.duckTuning = t
}

// SetNormalizer swaps the normalizer used by subsequent sessions. Running
// sessions keep the normalizer they started with.
func (m *Manager) SetNormalizer(n *normalize.Normalizer) {
	m.normMu.Lock()
	m.normalizer = n
	m.normMu.Unlock()
}

// Normalizer returns the current normalizer.
func (m *Manager) Normalizer() *normalize.Normalizer {
	m.normMu.RLock()
	defer m.normMu.RUnlock()
	return m.normalizer
}

// StartSession begins analyzing the given files in the background. A failing
// file is recorded as a session error; its siblings keep processing.
func (m *Manager) StartSession(files []FileRef) (*models.AnalysisSession, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to analyze")
	}

	m.cleanupOldSessionsIfNeeded()

	sessionID := uuid.New().String()
	fileIDs := make([]string, 0, len(files))
	var totalSize int64
	for _, f := range files {
		fileIDs = append(fileIDs, f.ID)
		if info, err := os.Stat(f.Path); err == nil {
			totalSize += info.Size()
		}
	}

	session := models.NewAnalysisSession(sessionID, fileIDs)
	session.Status = models.SessionStatusParsing

	var store EventStore
	if m.largeThreshold > 0 && totalSize > m.largeThreshold {
		duck, err := NewDuckStore(m.tempDir, sessionID, m.duckTuning)
		if err != nil {
			return nil, fmt.Errorf("creating session store: %w", err)
		}
		store = duck
	} else {
		store = NewMemStore()
	}

	m.mu.Lock()
	m.sessions[sessionID] = &State{
		Session:      session,
		Store:        store,
		LastAccessed: time.Now(),
	}
	m.mu.Unlock()

	go m.runAnalysis(sessionID, files, store, m.Normalizer())

	return session, nil
}

func (m *Manager) runAnalysis(sessionID string, files []FileRef, store EventStore, norm *normalize.Normalizer) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("[Analyze %s] PANIC recovered: %v\n", sessionID[:8], r)
			m.failSession(sessionID, models.SessionError{Reason: fmt.Sprintf("analysis panicked: %v", r)})
		}
	}()

	start := time.Now()
	warnings := 0

	for i, f := range files {
		if err := m.processFile(f, store, norm, &warnings); err != nil {
			fmt.Printf("[Analyze %s] file %s failed: %v\n", sessionID[:8], f.Name, err)
			m.appendSessionError(sessionID, models.SessionError{
				FileID: f.ID,
				File:   f.Name,
				Format: formatOf(err),
				Reason: err.Error(),
			})
		}

		progress := float64(i+1) / float64(len(files)) * 90.0
		m.mu.Lock()
		if state, ok := m.sessions[sessionID]; ok {
			state.Session.Progress = progress
			state.Session.EventCount = store.Len()
		}
		m.mu.Unlock()
	}

	if err := store.Finalize(); err != nil {
		m.failSession(sessionID, models.SessionError{Reason: fmt.Sprintf("finalizing store: %v", err)})
		return
	}

	elapsed := time.Since(start).Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		store.Close()
		return
	}

	state.Session.Progress = 100
	state.Session.EventCount = store.Len()
	state.Session.SourceCount = len(store.Sources())
	state.Session.WarningCount = warnings
	state.Session.ProcessingTimeMs = elapsed

	if tr := store.TimeRange(); tr != nil {
		state.Session.StartTime = tr.Start.UnixMilli()
		state.Session.EndTime = tr.End.UnixMilli()
	}

	// A session with nothing to show and at least one failing file surfaces
	// as an error; partial results stay available as complete.
	if store.Len() == 0 && len(state.Session.Errors) > 0 {
		state.Session.Status = models.SessionStatusError
	} else {
		state.Session.Status = models.SessionStatusComplete
	}
}

// processFile reads one stored file, runs the matching adapter and appends
// normalized events. Events with no source of their own inherit the file
// name.
func (m *Manager) processFile(ref FileRef, store EventStore, norm *normalize.Normalizer, warnings *int) error {
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	name := ref.Name
	if strings.HasSuffix(strings.ToLower(name), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
		name = strings.TrimSuffix(name, ".gz")
	}

	header := make([]byte, adapter.SniffLen)
	n, _ := io.ReadFull(r, header)
	var a adapter.Adapter
	if ref.Format != "" {
		a, err = m.registry.ByName(ref.Format)
		if err != nil {
			return err
		}
	} else {
		a = m.registry.Detect(name, header[:n])
	}
	r = io.MultiReader(bytes.NewReader(header[:n]), r)

	records, warns, err := a.Records(r)
	if err != nil {
		return err
	}
	*warnings += len(warns)

	for _, rec := range records {
		event, ok := norm.Normalize(rec)
		if !ok {
			*warnings++
			continue
		}
		if event.Source == "" {
			event.Source = ref.Name
		}
		store.Append(event)
	}
	return nil
}

func formatOf(err error) string {
	var parseErr *adapter.ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Format
	}
	return ""
}

func (m *Manager) appendSessionError(sessionID string, serr models.SessionError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	state.Session.Errors = append(state.Session.Errors, serr)
}

func (m *Manager) failSession(sessionID string, serr models.SessionError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	state.Session.Status = models.SessionStatusError
	state.Session.Errors = append(state.Session.Errors, serr)
}

// cleanupOldSessionsIfNeeded removes finished sessions when at capacity.
func (m *Manager) cleanupOldSessionsIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) < MaxSessions {
		return
	}

	var toDelete []string
	for id, state := range m.sessions {
		if state.Session.Status == models.SessionStatusComplete ||
			state.Session.Status == models.SessionStatusError {
			toDelete = append(toDelete, id)
		}
	}

	toFree := len(m.sessions) - MaxSessions + 1
	deleted := 0
	for _, id := range toDelete {
		if deleted >= toFree {
			break
		}
		if state, ok := m.sessions[id]; ok {
			state.Store.Close()
			delete(m.sessions, id)
			deleted++
			fmt.Printf("[Manager] Cleaned up old session %s to free memory\n", id[:8])
		}
	}
}

// CleanupOldSessions removes finished sessions older than maxAge, keeping
// sessions accessed within SessionKeepAliveWindow.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)

	for id, state := range m.sessions {
		if state.Session.Status != models.SessionStatusComplete &&
			state.Session.Status != models.SessionStatusError {
			continue
		}
		if state.LastAccessed.After(keepAliveCutoff) {
			continue
		}
		if state.LastAccessed.Before(cutoff) {
			state.Store.Close()
			delete(m.sessions, id)
			fmt.Printf("[Manager] Cleaned up aged session %s\n", id[:8])
		}
	}
}

// StartCleanupLoop runs periodic session cleanup until the context is done.
func (m *Manager) StartCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupOldSessions(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(id string) (*models.AnalysisSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return state.Session, true
}

// TouchSession marks a session as actively used so cleanup spares it.
func (m *Manager) TouchSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// StoreFor returns the event store of a completed session.
func (m *Manager) StoreFor(id string) (EventStore, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok || state.Session.Status != models.SessionStatusComplete {
		return nil, false
	}
	return state.Store, true
}

// DeleteSession removes a session and frees its store.
func (m *Manager) DeleteSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.Store.Close()
	delete(m.sessions, id)
	return true
}
