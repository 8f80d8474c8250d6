package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/loglens/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(pairs ...string) models.RawRecord {
	var rec models.RawRecord
	for i := 0; i+1 < len(pairs); i += 2 {
		rec.Set(pairs[i], pairs[i+1])
	}
	return rec
}

func TestNormalizeBasicMapping(t *testing.T) {
	n := Default()

	event, ok := n.Normalize(record(
		"timestamp", "2025-03-01 12:00:00",
		"level", "warning",
		"host", "plc-07",
		"message", "valve pressure high",
	))
	require.True(t, ok)

	require.NotNil(t, event.Timestamp)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), *event.Timestamp)
	assert.Equal(t, models.SeverityWarn, event.Severity)
	assert.Equal(t, "plc-07", event.Source)
	assert.Equal(t, "valve pressure high", event.Message)
	assert.Empty(t, event.Extra)
}

func TestNormalizeAliasPriority(t *testing.T) {
	n := Default()

	// "message" outranks "msg"; the loser lands in Extra.
	event, ok := n.Normalize(record(
		"msg", "secondary",
		"message", "primary",
	))
	require.True(t, ok)
	assert.Equal(t, "primary", event.Message)
	assert.Equal(t, map[string]string{"msg": "secondary"}, event.Extra)
}

func TestNormalizeUnmappedFieldsGoToExtra(t *testing.T) {
	n := Default()

	event, ok := n.Normalize(record(
		"message", "boot complete",
		"thread", "main",
		"pid", "4312",
	))
	require.True(t, ok)
	assert.Equal(t, "boot complete", event.Message)
	assert.Equal(t, map[string]string{"thread": "main", "pid": "4312"}, event.Extra)
}

func TestNormalizeUnparseableTimestampKept(t *testing.T) {
	n := Default()

	event, ok := n.Normalize(record(
		"timestamp", "yesterday-ish",
		"message", "something happened",
	))
	require.True(t, ok)
	assert.Nil(t, event.Timestamp)
	assert.Equal(t, models.SeverityUnknown, event.Severity)
	assert.Equal(t, "yesterday-ish", event.Extra["timestamp"])
}

func TestNormalizeUnrecognizedSeverityKept(t *testing.T) {
	n := Default()

	event, ok := n.Normalize(record(
		"severity", "greenish",
		"message", "something happened",
	))
	require.True(t, ok)
	assert.Equal(t, models.SeverityUnknown, event.Severity)
	assert.Equal(t, "greenish", event.Extra["severity"])
}

func TestNormalizeLineHintsUsedAsFallback(t *testing.T) {
	n := Default()

	hint := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := record("message", "disk failure imminent")
	rec.Timestamp = &hint
	rec.Severity = models.SeverityError

	event, ok := n.Normalize(rec)
	require.True(t, ok)
	require.NotNil(t, event.Timestamp)
	assert.Equal(t, hint, *event.Timestamp)
	assert.Equal(t, models.SeverityError, event.Severity)
}

func TestNormalizeFieldBeatsLineHint(t *testing.T) {
	n := Default()

	hint := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := record(
		"timestamp", "2025-06-15T08:30:00Z",
		"severity", "info",
		"message", "ok",
	)
	rec.Timestamp = &hint
	rec.Severity = models.SeverityError

	event, ok := n.Normalize(rec)
	require.True(t, ok)
	assert.Equal(t, 2025, event.Timestamp.Year())
	assert.Equal(t, models.SeverityInfo, event.Severity)
}

func TestNormalizeEmptyRecordRejected(t *testing.T) {
	n := Default()

	_, ok := n.Normalize(record("message", "   "))
	assert.False(t, ok)

	_, ok = n.Normalize(models.RawRecord{})
	assert.False(t, ok)
}

func TestNormalizeDeterministic(t *testing.T) {
	n := Default()
	rec := record(
		"time", "2025-02-02 02:02:02",
		"lvl", "err",
		"logger", "core",
		"detail", "overflow",
		"code", "E42",
	)

	first, ok := n.Normalize(rec)
	require.True(t, ok)
	for i := 0; i < 50; i++ {
		again, ok := n.Normalize(rec)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestParseSeverityWords(t *testing.T) {
	n := Default()

	cases := map[string]models.Severity{
		"debug":    models.SeverityDebug,
		"TRACE":    models.SeverityDebug,
		"Info":     models.SeverityInfo,
		"notice":   models.SeverityInfo,
		"WARNING":  models.SeverityWarn,
		"w":        models.SeverityWarn,
		"ERROR":    models.SeverityError,
		"fatal":    models.SeverityError,
		"CRITICAL": models.SeverityError,
		"panic":    models.SeverityError,
		"":         models.SeverityUnknown,
		"banana":   models.SeverityUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, n.ParseSeverity(raw), "raw=%q", raw)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	n := Default()

	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-01 12:30:45", time.Date(2025, 3, 1, 12, 30, 45, 0, time.UTC)},
		{"2025-03-01 12:30:45.123456", time.Date(2025, 3, 1, 12, 30, 45, 123456000, time.UTC)},
		{"2025-03-01T12:30:45Z", time.Date(2025, 3, 1, 12, 30, 45, 0, time.UTC)},
		{"2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"20250301-12:30:45", time.Date(2025, 3, 1, 12, 30, 45, 0, time.UTC)},
		{"1741782645", time.Unix(1741782645, 0).UTC()},
		{"1741782645123", time.UnixMilli(1741782645123).UTC()},
	}
	for _, tc := range cases {
		got, ok := n.ParseTimestamp(tc.in)
		require.True(t, ok, "input %q", tc.in)
		assert.True(t, tc.want.Equal(*got), "input %q: got %v", tc.in, *got)
	}

	for _, bad := range []string{"", "not a time", "2025-13-01 00:00:00", "12345"} {
		_, ok := n.ParseTimestamp(bad)
		assert.False(t, ok, "input %q", bad)
	}
}

func TestFastTimestampMatchesTimeParse(t *testing.T) {
	inputs := []string{
		"2025-03-01 12:30:45",
		"2025-03-01T12:30:45",
		"2025-03-01 12:30:45.5",
		"2025-03-01 12:30:45.123456789",
		"1999-12-31 23:59:59",
	}
	for _, in := range inputs {
		got, ok := fastTimestamp(in)
		require.True(t, ok, "input %q", in)

		layout := "2006-01-02 15:04:05.999999999"
		if strings.ContainsRune(in, 'T') {
			layout = "2006-01-02T15:04:05.999999999"
		}
		want, err := time.Parse(layout, in)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "input %q: got %v want %v", in, got, want)
	}
}

func TestRulesOverrideFromYAML(t *testing.T) {
	doc := `
fields:
  message: [payload]
severities:
  ERROR: [kaput]
`
	rules, err := ParseRules(strings.NewReader(doc))
	require.NoError(t, err)

	n := New(rules)
	event, ok := n.Normalize(record("payload", "it broke", "level", "kaput"))
	require.True(t, ok)
	assert.Equal(t, "it broke", event.Message)
	assert.Equal(t, models.SeverityError, event.Severity)

	// Untouched sections keep their defaults.
	assert.NotEmpty(t, rules.TimeLayouts)
	assert.Contains(t, rules.Fields.Timestamp, "timestamp")
}

func TestRulesRejectBadSeverityKey(t *testing.T) {
	_, err := ParseRules(strings.NewReader("severities:\n  BOGUS: [x]\n"))
	assert.Error(t, err)

	_, err = ParseRules(strings.NewReader("severities:\n  UNKNOWN: [x]\n"))
	assert.Error(t, err)
}
