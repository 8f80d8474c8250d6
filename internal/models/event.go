// Package models contains domain types for the LogLens analyzer backend.
package models

import "time"

// Severity is the normalized log level of an event.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarn    Severity = "WARN"
	SeverityError   Severity = "ERROR"
	SeverityUnknown Severity = "UNKNOWN"
)

// Severities lists all severities in enum order.
var Severities = []Severity{
	SeverityDebug,
	SeverityInfo,
	SeverityWarn,
	SeverityError,
	SeverityUnknown,
}

// Rank returns the position of the severity in enum order.
// Used to break ordering ties in summaries.
func (s Severity) Rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityError:
		return 3
	default:
		return 4
	}
}

// Valid reports whether s is one of the known severity values.
func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityUnknown:
		return true
	}
	return false
}

// Event is the canonical normalized log record. Timestamp and Severity are
// best-effort: free-text and document sources may yield events with a nil
// timestamp and SeverityUnknown.
type Event struct {
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// RawRecord is the loosely-typed output of a format adapter. It is ephemeral:
// records exist only between the adapter and the normalizer.
type RawRecord struct {
	// Fields holds the record's key/value pairs. Structural adapters (CSV,
	// spreadsheet, JSON) fill it from headers/keys; line-oriented adapters
	// put the whole line under "message".
	Fields map[string]string

	// Keys preserves the original field order so normalization stays
	// deterministic regardless of map iteration.
	Keys []string

	// Line is the 1-based source line or row for diagnostics.
	Line int

	// Timestamp and Severity are pre-extracted hints for formats where the
	// adapter already knows more than the field names do (embedded timestamp
	// patterns, syslog priority, severity markers).
	Timestamp *time.Time
	Severity  Severity
}

// Set appends a field, keeping Keys in insertion order.
func (r *RawRecord) Set(key, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	if _, exists := r.Fields[key]; !exists {
		r.Keys = append(r.Keys, key)
	}
	r.Fields[key] = value
}

// ParseWarning records a non-fatal problem (skipped row, unparsable cell)
// collected alongside the record sequence.
type ParseWarning struct {
	Line    int    `json:"line"`
	Content string `json:"content,omitempty"`
	Reason  string `json:"reason"`
}

// TimeRange is the inclusive time window covered by a set of events.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
