package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/loglens/backend/internal/models"
)

// Normalizer converts raw records to canonical events using a compiled rules
// table. A Normalizer is immutable after construction and safe for concurrent
// use.
type Normalizer struct {
	rules *Rules

	// alias -> rank within the alias list, lower wins
	tsAliases  map[string]int
	sevAliases map[string]int
	srcAliases map[string]int
	msgAliases map[string]int

	sevWords map[string]models.Severity
	layouts  []string
}

// New compiles the given rules into a Normalizer.
func New(rules *Rules) *Normalizer {
	n := &Normalizer{
		rules:      rules,
		tsAliases:  aliasRanks(rules.Fields.Timestamp),
		sevAliases: aliasRanks(rules.Fields.Severity),
		srcAliases: aliasRanks(rules.Fields.Source),
		msgAliases: aliasRanks(rules.Fields.Message),
		sevWords:   make(map[string]models.Severity),
		layouts:    rules.TimeLayouts,
	}
	for sev, words := range rules.Severities {
		for _, w := range words {
			n.sevWords[strings.ToLower(strings.TrimSpace(w))] = models.Severity(sev)
		}
	}
	return n
}

// Default returns a Normalizer backed by the built-in rules.
func Default() *Normalizer {
	return New(DefaultRules())
}

// Rules returns the rules this normalizer was built from.
func (n *Normalizer) Rules() *Rules {
	return n.rules
}

func aliasRanks(aliases []string) map[string]int {
	m := make(map[string]int, len(aliases))
	for i, a := range aliases {
		key := strings.ToLower(strings.TrimSpace(a))
		if _, seen := m[key]; !seen {
			m[key] = i
		}
	}
	return m
}

// Normalize maps one raw record to a canonical event. The second return is
// false when the record yields nothing usable: no message, no timestamp, no
// source and no extra fields.
//
// Mapping is deterministic. Each record field feeds at most one canonical
// field; when several fields alias the same target, the alias listed first in
// the rules wins and the losers go to Extra.
func (n *Normalizer) Normalize(rec models.RawRecord) (models.Event, bool) {
	tsKey := n.pickField(rec, n.tsAliases)
	sevKey := n.pickField(rec, n.sevAliases)
	srcKey := n.pickField(rec, n.srcAliases)
	msgKey := n.pickField(rec, n.msgAliases)

	var event models.Event

	if tsKey != "" {
		if ts, ok := n.ParseTimestamp(rec.Fields[tsKey]); ok {
			event.Timestamp = ts
		} else {
			// Unparseable timestamp field stays visible in Extra.
			tsKey = ""
		}
	}
	if event.Timestamp == nil && rec.Timestamp != nil {
		t := *rec.Timestamp
		event.Timestamp = &t
	}

	if sevKey != "" {
		if sev, ok := n.lookupSeverity(rec.Fields[sevKey]); ok {
			event.Severity = sev
		} else {
			// Unrecognized severity value stays visible in Extra.
			sevKey = ""
		}
	}
	if event.Severity == "" || event.Severity == models.SeverityUnknown {
		if rec.Severity != "" && rec.Severity != models.SeverityUnknown {
			event.Severity = rec.Severity
		} else if event.Severity == "" {
			event.Severity = models.SeverityUnknown
		}
	}

	if srcKey != "" {
		event.Source = strings.TrimSpace(rec.Fields[srcKey])
	}
	if msgKey != "" {
		event.Message = strings.TrimSpace(rec.Fields[msgKey])
	}

	consumed := map[string]bool{tsKey: true, sevKey: true, srcKey: true, msgKey: true}
	for _, key := range rec.Keys {
		if consumed[key] {
			continue
		}
		val := rec.Fields[key]
		if strings.TrimSpace(val) == "" {
			continue
		}
		if event.Extra == nil {
			event.Extra = make(map[string]string)
		}
		event.Extra[key] = val
	}

	if event.Message == "" && event.Timestamp == nil && event.Source == "" && len(event.Extra) == 0 {
		return models.Event{}, false
	}
	return event, true
}

// pickField returns the record key matching the lowest-ranked alias, or ""
// when no key matches.
func (n *Normalizer) pickField(rec models.RawRecord, ranks map[string]int) string {
	best := ""
	bestRank := math.MaxInt
	for _, key := range rec.Keys {
		rank, ok := ranks[strings.ToLower(strings.TrimSpace(key))]
		if !ok || rank >= bestRank {
			continue
		}
		if strings.TrimSpace(rec.Fields[key]) == "" {
			continue
		}
		best, bestRank = key, rank
	}
	return best
}

// ParseSeverity maps a raw severity word onto the canonical enum. Unrecognized
// values come back as UNKNOWN, never as an error.
func (n *Normalizer) ParseSeverity(raw string) models.Severity {
	if sev, ok := n.lookupSeverity(raw); ok {
		return sev
	}
	return models.SeverityUnknown
}

// lookupSeverity reports whether the raw word maps to a configured severity.
func (n *Normalizer) lookupSeverity(raw string) (models.Severity, bool) {
	word := strings.ToLower(strings.TrimSpace(raw))
	if word == "" {
		return models.SeverityUnknown, false
	}
	sev, ok := n.sevWords[word]
	if !ok {
		return models.SeverityUnknown, false
	}
	return sev, true
}

// ParseTimestamp parses a timestamp string against the configured layouts.
// Fractional ISO forms take a fast path that avoids time.Parse; epoch seconds
// and milliseconds are accepted as bare integers.
func (n *Normalizer) ParseTimestamp(raw string) (*time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}

	if t, ok := fastTimestamp(s); ok {
		return &t, true
	}

	if isDigits(s) {
		switch len(s) {
		case 10:
			secs, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				t := time.Unix(secs, 0).UTC()
				return &t, true
			}
		case 13:
			ms, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				t := time.UnixMilli(ms).UTC()
				return &t, true
			}
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, true
	}
	for _, layout := range n.layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, true
		}
	}
	return nil, false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// fastTimestamp decodes "YYYY-MM-DD HH:MM:SS[.fraction]" (space or 'T'
// separator) without going through time.Parse. Hot loops normalize millions of
// rows, and this form dominates the inputs.
func fastTimestamp(s string) (time.Time, bool) {
	if len(s) < 19 {
		return time.Time{}, false
	}
	if s[4] != '-' || s[7] != '-' || (s[10] != ' ' && s[10] != 'T') || s[13] != ':' || s[16] != ':' {
		return time.Time{}, false
	}

	year, ok1 := atoi4(s[0:4])
	month, ok2 := atoi2(s[5:7])
	day, ok3 := atoi2(s[8:10])
	hour, ok4 := atoi2(s[11:13])
	minute, ok5 := atoi2(s[14:16])
	sec, ok6 := atoi2(s[17:19])
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return time.Time{}, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, false
	}

	nsec := 0
	if len(s) > 19 {
		if s[19] != '.' || len(s) == 20 {
			return time.Time{}, false
		}
		scale := 100_000_000
		for i := 20; i < len(s); i++ {
			c := s[i]
			if c < '0' || c > '9' {
				return time.Time{}, false
			}
			if scale > 0 {
				nsec += int(c-'0') * scale
				scale /= 10
			}
		}
	}

	return time.Date(year, time.Month(month), day, hour, minute, sec, nsec, time.UTC), true
}

func atoi2(s string) (int, bool) {
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

func atoi4(s string) (int, bool) {
	hi, ok := atoi2(s[0:2])
	if !ok {
		return 0, false
	}
	lo, ok := atoi2(s[2:4])
	if !ok {
		return 0, false
	}
	return hi*100 + lo, true
}
