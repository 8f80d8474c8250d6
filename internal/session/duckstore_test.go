package session

import (
	"context"
	"testing"
	"time"

	"github.com/loglens/backend/internal/filter"
	"github.com/loglens/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDuckStore(t *testing.T) *DuckStore {
	t.Helper()
	ds, err := NewDuckStore(t.TempDir(), "test", DuckDBTuning{})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestDuckPragmas(t *testing.T) {
	assert.Equal(t, []string{
		"PRAGMA memory_limit='1GB'",
		"PRAGMA threads=4",
		"PRAGMA enable_progress_bar=false",
	}, duckPragmas(DuckDBTuning{}))

	assert.Equal(t, []string{
		"PRAGMA memory_limit='4GB'",
		"PRAGMA threads=8",
		"PRAGMA enable_progress_bar=false",
	}, duckPragmas(DuckDBTuning{Threads: 8, MemoryLimit: "4GB"}))
}

func TestDuckStoreRoundTrip(t *testing.T) {
	ds := newDuckStore(t)

	ds.Append(models.Event{Timestamp: tsAt("2025-01-01 10:00:00"), Severity: models.SeverityError,
		Source: "db.log", Message: "connection refused", Extra: map[string]string{"pid": "42"}})
	ds.Append(models.Event{Timestamp: tsAt("2025-01-01 09:00:00"), Severity: models.SeverityInfo,
		Source: "app.log", Message: "startup complete"})
	ds.Append(models.Event{Severity: models.SeverityUnknown, Source: "notes.txt", Message: "untimed"})
	require.NoError(t, ds.Finalize())

	assert.Equal(t, 3, ds.Len())

	ctx := context.Background()
	events, total, err := ds.Query(ctx, filter.Criteria{}, 1, 10)
	require.NoError(t, err)
	// UNKNOWN is excluded by default.
	assert.Equal(t, 2, total)
	require.Len(t, events, 2)
	assert.Equal(t, "startup complete", events[0].Message)
	assert.Equal(t, "connection refused", events[1].Message)
	assert.Equal(t, map[string]string{"pid": "42"}, events[1].Extra)
	require.NotNil(t, events[0].Timestamp)
	assert.Equal(t, tsAt("2025-01-01 09:00:00").UnixMilli(), events[0].Timestamp.UnixMilli())

	tr := ds.TimeRange()
	require.NotNil(t, tr)
	assert.Equal(t, tsAt("2025-01-01 09:00:00").UnixMilli(), tr.Start.UnixMilli())
	assert.Equal(t, tsAt("2025-01-01 10:00:00").UnixMilli(), tr.End.UnixMilli())
}

func TestDuckStoreFilterPushdown(t *testing.T) {
	ds := newDuckStore(t)
	for i := 0; i < 10; i++ {
		ts := time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC)
		sev := models.SeverityInfo
		if i%2 == 0 {
			sev = models.SeverityError
		}
		ds.Append(models.Event{Timestamp: &ts, Severity: sev, Source: "a.log", Message: "m"})
	}
	require.NoError(t, ds.Finalize())

	ctx := context.Background()
	c := filter.Criteria{Severities: filter.WithSeverities(models.SeverityError)}
	_, total, err := ds.Query(ctx, c, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	from := time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)
	_, total, err = ds.Query(ctx, filter.Criteria{From: &from}, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	bySev, err := ds.CountBySeverity(ctx, filter.Criteria{})
	require.NoError(t, err)
	byName := make(map[models.Severity]int)
	for _, sc := range bySev {
		byName[sc.Severity] = sc.Count
	}
	assert.Equal(t, 5, byName[models.SeverityError])
	assert.Equal(t, 5, byName[models.SeverityInfo])

	buckets, err := ds.Buckets(ctx, filter.Criteria{}, time.Hour)
	require.NoError(t, err)
	assert.Len(t, buckets, 10)

	ov, err := ds.Overview(ctx, filter.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, 10, ov.Events)
	assert.Equal(t, 5, ov.Errors)
	assert.Equal(t, 1, ov.Sources)
}

func TestDuckStoreSourcesOrdered(t *testing.T) {
	ds := newDuckStore(t)
	ds.Append(models.Event{Severity: models.SeverityInfo, Source: "b.log", Message: "1"})
	ds.Append(models.Event{Severity: models.SeverityInfo, Source: "a.log", Message: "2"})
	ds.Append(models.Event{Severity: models.SeverityInfo, Source: "a.log", Message: "3"})
	require.NoError(t, ds.Finalize())

	assert.Equal(t, []string{"a.log", "b.log"}, ds.Sources())
}
