// Package session owns analysis sessions: it parses uploaded files into an
// event store and answers queries, summaries and exports against it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/loglens/backend/internal/filter"
	"github.com/loglens/backend/internal/models"
	"github.com/loglens/backend/internal/summarize"
)

// EventStore holds the normalized events of one session. Append and Finalize
// run on the parse goroutine only; the query methods are safe for concurrent
// use after Finalize.
type EventStore interface {
	Append(e models.Event)
	Finalize() error
	Len() int
	TimeRange() *models.TimeRange
	Sources() []string
	Query(ctx context.Context, c filter.Criteria, page, pageSize int) ([]models.Event, int, error)
	Filtered(ctx context.Context, c filter.Criteria) ([]models.Event, error)
	CountBySeverity(ctx context.Context, c filter.Criteria) ([]summarize.SeverityCount, error)
	CountBySource(ctx context.Context, c filter.Criteria) ([]summarize.SourceCount, error)
	Buckets(ctx context.Context, c filter.Criteria, interval time.Duration) ([]summarize.Bucket, error)
	Overview(ctx context.Context, c filter.Criteria) (summarize.Overview, error)
	Close() error
}

// MemStore keeps all events in memory. It is the default store for sessions
// below the large-session threshold.
type MemStore struct {
	mu     sync.RWMutex
	events []models.Event
}

// NewMemStore returns an empty in-memory event store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append adds one event.
func (s *MemStore) Append(e models.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Finalize sorts the events into canonical order.
func (s *MemStore) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summarize.SortEvents(s.events)
	return nil
}

// Len returns the number of stored events.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// TimeRange returns the span of timestamped events, or nil when none carry a
// timestamp.
func (s *MemStore) TimeRange() *models.TimeRange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ov := summarize.Summary(s.events)
	if ov.First == nil || ov.Last == nil {
		return nil
	}
	return &models.TimeRange{Start: *ov.First, End: *ov.Last}
}

// Sources returns the distinct sources in count order.
func (s *MemStore) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := summarize.BySource(s.events)
	out := make([]string, 0, len(counts))
	for _, sc := range counts {
		out = append(out, sc.Source)
	}
	return out
}

// Query returns one page of filtered events plus the filtered total.
func (s *MemStore) Query(ctx context.Context, c filter.Criteria, page, pageSize int) ([]models.Event, int, error) {
	filtered, err := s.Filtered(ctx, c)
	if err != nil {
		return nil, 0, err
	}

	total := len(filtered)
	if pageSize <= 0 {
		return filtered, total, nil
	}
	start := (page - 1) * pageSize
	if start < 0 {
		start = 0
	}
	if start >= total {
		return []models.Event{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// Filtered returns all events matching the criteria, in canonical order.
func (s *MemStore) Filtered(ctx context.Context, c filter.Criteria) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.Apply(s.events), nil
}

// CountBySeverity returns the severity histogram of the filtered events.
func (s *MemStore) CountBySeverity(ctx context.Context, c filter.Criteria) ([]summarize.SeverityCount, error) {
	filtered, err := s.Filtered(ctx, c)
	if err != nil {
		return nil, err
	}
	return summarize.BySeverity(filtered), nil
}

// CountBySource returns the per-source histogram of the filtered events.
func (s *MemStore) CountBySource(ctx context.Context, c filter.Criteria) ([]summarize.SourceCount, error) {
	filtered, err := s.Filtered(ctx, c)
	if err != nil {
		return nil, err
	}
	return summarize.BySource(filtered), nil
}

// Buckets returns the filtered timeline histogram.
func (s *MemStore) Buckets(ctx context.Context, c filter.Criteria, interval time.Duration) ([]summarize.Bucket, error) {
	filtered, err := s.Filtered(ctx, c)
	if err != nil {
		return nil, err
	}
	return summarize.ByBucket(filtered, interval), nil
}

// Overview computes the headline numbers for the filtered events.
func (s *MemStore) Overview(ctx context.Context, c filter.Criteria) (summarize.Overview, error) {
	filtered, err := s.Filtered(ctx, c)
	if err != nil {
		return summarize.Overview{}, err
	}
	return summarize.Summary(filtered), nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}
