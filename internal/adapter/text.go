package adapter

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"time"

	syslog "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"
	"github.com/loglens/backend/internal/models"
)

// Timestamp shapes seen in the wild. The slash-embedded and compact forms come
// from equipment logs where the stamp is buried mid-line.
var (
	// "2025-07-31 22:37:42.123" or "2025-07-31T22:37:42"
	isoTimestampRegex = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2}(?:\.\d+)?)`)
	// "/20250731/22:40:10.619000/"
	embeddedTimestampRegex = regexp.MustCompile(`/(\d{8})/(\d{2}:\d{2}:\d{2}(?:\.\d+)?)`)
	// "20250808-00:00:29"
	compactTimestampRegex = regexp.MustCompile(`(\d{8})-(\d{2}:\d{2}:\d{2})`)
)

// TextAdapter handles free-form line-oriented logs. It is the registry
// fallback: every line becomes one record with best-effort timestamp and
// severity hints.
type TextAdapter struct {
	rfc5424Parser syslog.Machine
	rfc3164Parser syslog.Machine
}

func NewTextAdapter() *TextAdapter {
	return &TextAdapter{
		rfc5424Parser: rfc5424.NewParser(rfc5424.WithBestEffort()),
		rfc3164Parser: rfc3164.NewParser(rfc3164.WithBestEffort()),
	}
}

func (a *TextAdapter) Name() string { return FormatText }

func (a *TextAdapter) Extensions() []string { return []string{".txt", ".log"} }

// Sniff accepts anything that is mostly printable.
func (a *TextAdapter) Sniff(header []byte) bool {
	if len(header) == 0 {
		return true
	}
	printable := 0
	for _, b := range header {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) || b >= 0x80 {
			printable++
		}
	}
	return float64(printable)/float64(len(header)) >= 0.9
}

func (a *TextAdapter) Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error) {
	var records []models.RawRecord
	var warns []models.ParseWarning

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		records = append(records, a.lineRecord(line, lineNum))
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, parseErrorf(FormatText, "reading input: %v", err)
	}

	return records, warns, nil
}

// lineRecord builds one raw record from a log line. Syslog lines are parsed
// properly; everything else goes through the heuristic extractors.
func (a *TextAdapter) lineRecord(line string, lineNum int) models.RawRecord {
	if strings.HasPrefix(line, "<") {
		if rec, ok := a.syslogRecord(line, lineNum); ok {
			return rec
		}
	}

	var rec models.RawRecord
	rec.Line = lineNum
	rec.Set("message", line)
	rec.Timestamp = ExtractLineTimestamp(line)
	rec.Severity = LineSeverity(line)
	return rec
}

// syslogRecord tries RFC5424 then RFC3164. Both parsers run in best-effort
// mode, so only a nil message means the line is not syslog at all.
func (a *TextAdapter) syslogRecord(line string, lineNum int) (models.RawRecord, bool) {
	var (
		ts       *time.Time
		sev      *uint8
		hostname *string
		appname  *string
		message  *string
	)

	if m, err := a.rfc5424Parser.Parse([]byte(line)); err == nil && m != nil {
		msg := m.(*rfc5424.SyslogMessage)
		ts, hostname, appname, message = msg.Timestamp, msg.Hostname, msg.Appname, msg.Message
		if msg.Priority != nil {
			s := *msg.Priority % 8
			sev = &s
		}
	} else if m, err := a.rfc3164Parser.Parse([]byte(line)); err == nil && m != nil {
		msg := m.(*rfc3164.SyslogMessage)
		ts, hostname, appname, message = msg.Timestamp, msg.Hostname, msg.Appname, msg.Message
		if msg.Priority != nil {
			s := *msg.Priority % 8
			sev = &s
		}
	} else {
		return models.RawRecord{}, false
	}

	if message == nil && ts == nil {
		return models.RawRecord{}, false
	}

	var rec models.RawRecord
	rec.Line = lineNum
	if message != nil {
		rec.Set("message", *message)
	} else {
		rec.Set("message", line)
	}
	if hostname != nil && *hostname != "-" {
		rec.Set("source", *hostname)
	}
	if appname != nil && *appname != "-" {
		rec.Set("app", *appname)
	}
	rec.Timestamp = ts
	if sev != nil {
		rec.Severity = syslogSeverity(*sev)
	}
	return rec, true
}

// syslogSeverity maps the numeric syslog severity (0=emergency .. 7=debug)
// onto the canonical enum.
func syslogSeverity(sev uint8) models.Severity {
	switch {
	case sev <= 3:
		return models.SeverityError
	case sev == 4:
		return models.SeverityWarn
	case sev <= 6:
		return models.SeverityInfo
	default:
		return models.SeverityDebug
	}
}

// ExtractLineTimestamp pulls the first recognizable timestamp out of a line.
// Returns nil when no shape matches.
func ExtractLineTimestamp(line string) *time.Time {
	if m := isoTimestampRegex.FindStringSubmatch(line); m != nil {
		if t, err := time.Parse("2006-01-02 15:04:05.999999999", m[1]+" "+m[2]); err == nil {
			return &t
		}
	}
	if m := embeddedTimestampRegex.FindStringSubmatch(line); m != nil {
		if t, err := time.Parse("20060102 15:04:05.999999999", m[1]+" "+m[2]); err == nil {
			return &t
		}
	}
	if m := compactTimestampRegex.FindStringSubmatch(line); m != nil {
		if t, err := time.Parse("20060102 15:04:05", m[1]+" "+m[2]); err == nil {
			return &t
		}
	}
	return nil
}

// LineSeverity infers severity from slash markers ("/W/") and tab markers
// used by equipment logs, then from plain keywords.
func LineSeverity(line string) models.Severity {
	switch {
	case strings.Contains(line, "/F/"), strings.Contains(line, "\tF\t"):
		return models.SeverityError
	case strings.Contains(line, "/E/"), strings.Contains(line, "\tE\t"):
		return models.SeverityError
	case strings.Contains(line, "/W/"), strings.Contains(line, "\tW\t"):
		return models.SeverityWarn
	case strings.Contains(line, "/I/"), strings.Contains(line, "\tI\t"):
		return models.SeverityInfo
	case strings.Contains(line, "/D/"), strings.Contains(line, "\tD\t"):
		return models.SeverityDebug
	}

	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "fatal"), strings.Contains(lower, "error"),
		strings.Contains(lower, "critical"), strings.Contains(lower, "fail"):
		return models.SeverityError
	case strings.Contains(lower, "warn"):
		return models.SeverityWarn
	case strings.Contains(lower, "debug"), strings.Contains(lower, "trace"):
		return models.SeverityDebug
	case strings.Contains(lower, "info"), strings.Contains(lower, "notice"):
		return models.SeverityInfo
	}
	return models.SeverityUnknown
}

// linesToRecords applies the free-text heuristics to already-extracted text
// (PDF pages, document paragraphs).
func linesToRecords(text string) []models.RawRecord {
	var records []models.RawRecord
	lineNum := 0
	for _, raw := range strings.Split(text, "\n") {
		lineNum++
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		var rec models.RawRecord
		rec.Line = lineNum
		rec.Set("message", line)
		rec.Timestamp = ExtractLineTimestamp(line)
		rec.Severity = LineSeverity(line)
		records = append(records, rec)
	}
	return records
}
