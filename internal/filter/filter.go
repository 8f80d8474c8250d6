// Package filter narrows event slices by time range, severity set, source set
// and full-text query. Filtering is pure: it never mutates input events and
// applying the same criteria twice returns the same result.
package filter

import (
	"strings"
	"time"

	"github.com/loglens/backend/internal/models"
)

// Criteria describes one filter pass. Zero-value Criteria matches every event
// with a known severity.
//
// Severities and Sources distinguish nil from empty: nil means "no constraint"
// (all known severities, all sources) while an empty non-nil set matches
// nothing. UNKNOWN severity is excluded unless the set names it explicitly.
type Criteria struct {
	From       *time.Time
	To         *time.Time
	Severities map[models.Severity]bool
	Sources    map[string]bool
	Query      string
}

// WithSeverities is a convenience constructor for the severity set.
func WithSeverities(sevs ...models.Severity) map[models.Severity]bool {
	set := make(map[models.Severity]bool, len(sevs))
	for _, s := range sevs {
		set[s] = true
	}
	return set
}

// EffectiveSeverities resolves the severity constraint: the explicit set when
// one is given, otherwise every severity except UNKNOWN.
func (c Criteria) EffectiveSeverities() map[models.Severity]bool {
	if c.Severities != nil {
		return c.Severities
	}
	set := make(map[models.Severity]bool, len(models.Severities))
	for _, s := range models.Severities {
		if s != models.SeverityUnknown {
			set[s] = true
		}
	}
	return set
}

// Match reports whether a single event passes the criteria.
//
// Time bounds are inclusive at both ends. An event without a timestamp fails
// any criteria that sets a time bound; with no bounds it is kept.
func (c Criteria) Match(e models.Event) bool {
	if c.From != nil || c.To != nil {
		if e.Timestamp == nil {
			return false
		}
		if c.From != nil && e.Timestamp.Before(*c.From) {
			return false
		}
		if c.To != nil && e.Timestamp.After(*c.To) {
			return false
		}
	}

	if !c.EffectiveSeverities()[e.Severity] {
		return false
	}

	if c.Sources != nil && !c.Sources[e.Source] {
		return false
	}

	if c.Query != "" {
		q := strings.ToLower(c.Query)
		if !strings.Contains(strings.ToLower(e.Message), q) &&
			!strings.Contains(strings.ToLower(e.Source), q) {
			return false
		}
	}
	return true
}

// Apply filters events in order, preserving the input ordering. The returned
// slice is freshly allocated; the input is never modified.
func (c Criteria) Apply(events []models.Event) []models.Event {
	out := make([]models.Event, 0, len(events))
	for _, e := range events {
		if c.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// IsZero reports whether the criteria impose no constraints at all.
func (c Criteria) IsZero() bool {
	return c.From == nil && c.To == nil && c.Severities == nil &&
		c.Sources == nil && c.Query == ""
}
