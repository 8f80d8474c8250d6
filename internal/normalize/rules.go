// Package normalize maps heterogeneous raw records onto the canonical event
// schema. The alias and layout tables live in a Rules value that can be
// overridden with a YAML file at runtime.
package normalize

import (
	"fmt"
	"io"
	"os"

	"github.com/loglens/backend/internal/models"
	"gopkg.in/yaml.v3"
)

// FieldAliases lists, per canonical field, the record field names that map to
// it. Matching is case-insensitive and first-alias-wins.
type FieldAliases struct {
	Timestamp []string `yaml:"timestamp" json:"timestamp"`
	Severity  []string `yaml:"severity" json:"severity"`
	Source    []string `yaml:"source" json:"source"`
	Message   []string `yaml:"message" json:"message"`
}

// Rules is the normalizer configuration: field aliases, severity word lists
// keyed by canonical severity, and the timestamp layouts tried in order.
type Rules struct {
	Fields      FieldAliases        `yaml:"fields" json:"fields"`
	Severities  map[string][]string `yaml:"severities" json:"severities"`
	TimeLayouts []string            `yaml:"timeLayouts" json:"timeLayouts"`
}

// DefaultRules returns the built-in tables. There is no authoritative alias
// set for arbitrary log files; this one is assembled from the field names the
// supported formats actually produce.
func DefaultRules() *Rules {
	return &Rules{
		Fields: FieldAliases{
			Timestamp: []string{
				"timestamp", "ts", "time", "datetime", "date", "@timestamp",
				"raise date", "created", "created_at", "logged_at", "eventtime",
			},
			Severity: []string{
				"severity", "level", "lvl", "sev", "loglevel", "log_level",
				"priority", "status",
			},
			Source: []string{
				"source", "source_file", "host", "hostname", "device",
				"device name", "app", "application", "logger", "facility",
				"component", "service",
			},
			Message: []string{
				"message", "msg", "text", "description", "raw", "raw_line",
				"detail", "details", "event", "alarm name",
			},
		},
		Severities: map[string][]string{
			string(models.SeverityDebug): {"debug", "dbg", "trace", "verbose", "fine", "d"},
			string(models.SeverityInfo):  {"info", "information", "informational", "notice", "ok", "i"},
			string(models.SeverityWarn):  {"warn", "warning", "w"},
			string(models.SeverityError): {
				"error", "err", "fatal", "critical", "crit", "severe",
				"emergency", "alert", "panic", "fail", "failed", "e", "f",
			},
		},
		TimeLayouts: []string{
			"2006-01-02 15:04:05.999999999",
			"2006-01-02T15:04:05.999999999Z07:00",
			"2006-01-02T15:04:05.999999999",
			"2006-01-02 15:04:05 -0700",
			"2006-01-02",
			"20060102-15:04:05",
			"01/02/2006 15:04:05",
			"02 Jan 2006 15:04:05",
			"Jan _2 15:04:05",
		},
	}
}

// ParseRules reads a YAML rules document. Empty sections fall back to the
// defaults so a file can override just the severity words, say.
func ParseRules(r io.Reader) (*Rules, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseRulesFromBytes(data)
}

// ParseRulesFromBytes parses YAML rules from a byte slice.
func ParseRulesFromBytes(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	defaults := DefaultRules()
	if len(rules.Fields.Timestamp) == 0 {
		rules.Fields.Timestamp = defaults.Fields.Timestamp
	}
	if len(rules.Fields.Severity) == 0 {
		rules.Fields.Severity = defaults.Fields.Severity
	}
	if len(rules.Fields.Source) == 0 {
		rules.Fields.Source = defaults.Fields.Source
	}
	if len(rules.Fields.Message) == 0 {
		rules.Fields.Message = defaults.Fields.Message
	}
	if len(rules.Severities) == 0 {
		rules.Severities = defaults.Severities
	}
	if len(rules.TimeLayouts) == 0 {
		rules.TimeLayouts = defaults.TimeLayouts
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// LoadRules reads rules from a YAML file on disk.
func LoadRules(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRules(f)
}

// Validate checks that severity keys are canonical enum values.
func (r *Rules) Validate() error {
	for key := range r.Severities {
		if !models.Severity(key).Valid() {
			return fmt.Errorf("unknown severity %q in rules", key)
		}
		if models.Severity(key) == models.SeverityUnknown {
			return fmt.Errorf("UNKNOWN cannot be aliased; it is the fallback")
		}
	}
	return nil
}
