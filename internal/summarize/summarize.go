// Package summarize computes aggregate views over canonical events: counts by
// severity, by source and by time bucket, plus the dashboard overview. All
// functions are pure and return deterministically ordered slices.
package summarize

import (
	"sort"
	"time"

	"github.com/loglens/backend/internal/models"
)

// SeverityCount is one row of a severity histogram.
type SeverityCount struct {
	Severity models.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// SourceCount is one row of a per-source histogram.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Bucket is one time-bucket of the timeline, aligned to the bucket interval.
type Bucket struct {
	Start      time.Time               `json:"start"`
	Count      int                     `json:"count"`
	BySeverity map[models.Severity]int `json:"bySeverity"`
}

// Overview carries the headline numbers for a session.
type Overview struct {
	Events         int        `json:"events"`
	Sources        int        `json:"sources"`
	Errors         int        `json:"errors"`
	Warnings       int        `json:"warnings"`
	UniqueMessages int        `json:"uniqueMessages"`
	First          *time.Time `json:"first,omitempty"`
	Last           *time.Time `json:"last,omitempty"`
}

// SortEvents orders events chronologically, with ties broken by severity enum
// order, then source, then message. Events without a timestamp sort after all
// timestamped ones. The sort is in place and stable.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		switch {
		case a.Timestamp == nil && b.Timestamp != nil:
			return false
		case a.Timestamp != nil && b.Timestamp == nil:
			return true
		case a.Timestamp != nil && b.Timestamp != nil:
			if !a.Timestamp.Equal(*b.Timestamp) {
				return a.Timestamp.Before(*b.Timestamp)
			}
		}
		if a.Severity != b.Severity {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Message < b.Message
	})
}

// BySeverity counts events per severity. Every severity appears in the
// result, zero counts included, in enum order.
func BySeverity(events []models.Event) []SeverityCount {
	counts := make(map[models.Severity]int, len(models.Severities))
	for _, e := range events {
		counts[e.Severity]++
	}
	out := make([]SeverityCount, 0, len(models.Severities))
	for _, sev := range models.Severities {
		out = append(out, SeverityCount{Severity: sev, Count: counts[sev]})
	}
	return out
}

// BySource counts events per source, ordered by count descending with
// alphabetical tie-break. Sourceless events are grouped under "".
func BySource(events []models.Event) []SourceCount {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Source]++
	}
	out := make([]SourceCount, 0, len(counts))
	for src, n := range counts {
		out = append(out, SourceCount{Source: src, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// ByBucket groups timestamped events into fixed intervals, each bucket
// aligned to a Unix-epoch multiple of the interval so results line up with
// the SQL pushdown. Events without a timestamp do not contribute. Buckets
// come back in chronological order; empty gaps between occupied buckets are
// not filled in.
func ByBucket(events []models.Event, interval time.Duration) []Bucket {
	if interval <= 0 {
		interval = time.Hour
	}
	intervalMs := interval.Milliseconds()
	if intervalMs <= 0 {
		intervalMs = 1
	}
	byStart := make(map[int64]*Bucket)
	for _, e := range events {
		if e.Timestamp == nil {
			continue
		}
		ms := e.Timestamp.UnixMilli()
		startMs := ms - ms%intervalMs
		if ms < 0 && ms%intervalMs != 0 {
			startMs -= intervalMs
		}
		b, ok := byStart[startMs]
		if !ok {
			b = &Bucket{Start: time.UnixMilli(startMs).UTC(), BySeverity: make(map[models.Severity]int)}
			byStart[startMs] = b
		}
		b.Count++
		b.BySeverity[e.Severity]++
	}
	out := make([]Bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Summary computes the overview numbers in one pass.
func Summary(events []models.Event) Overview {
	ov := Overview{Events: len(events)}
	sources := make(map[string]bool)
	messages := make(map[string]bool)
	for _, e := range events {
		sources[e.Source] = true
		messages[e.Message] = true
		switch e.Severity {
		case models.SeverityError:
			ov.Errors++
		case models.SeverityWarn:
			ov.Warnings++
		}
		if e.Timestamp != nil {
			t := *e.Timestamp
			if ov.First == nil || t.Before(*ov.First) {
				first := t
				ov.First = &first
			}
			if ov.Last == nil || t.After(*ov.Last) {
				last := t
				ov.Last = &last
			}
		}
	}
	ov.Sources = len(sources)
	ov.UniqueMessages = len(messages)
	return ov
}
