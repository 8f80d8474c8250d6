// Package adapter converts uploaded file bytes into sequences of raw records.
// One adapter per supported format; a registry dispatches on the declared
// format tag first and falls back to content sniffing.
package adapter

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/loglens/backend/internal/models"
)

// Format tags understood by the registry.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatXLS  = "xls"
	FormatJSON = "json"
	FormatText = "text"
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
)

// SniffLen is how many leading bytes Sniff implementations receive.
const SniffLen = 512

// Adapter extracts raw records from one file format. Adapters do structural
// extraction only; semantic normalization happens downstream.
type Adapter interface {
	// Name returns the format tag of the adapter.
	Name() string
	// Extensions returns the file extensions (lowercase, with dot) that map
	// to this adapter.
	Extensions() []string
	// Sniff reports whether the leading bytes look like this format.
	Sniff(header []byte) bool
	// Records parses the input into raw records. An empty input yields an
	// empty sequence, not an error. Partially malformed rows are skipped and
	// reported in the warning list.
	Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error)
}

// ParseError indicates unreadable or corrupt input for a particular format.
// It is fatal for the file it names, never for sibling files.
type ParseError struct {
	Format string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(format, msg string, args ...interface{}) *ParseError {
	return &ParseError{Format: format, Err: fmt.Errorf(msg, args...)}
}

// Registry holds all available adapters and resolves the right one for a file.
type Registry struct {
	adapters []Adapter
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a registry with all built-in adapters. The text adapter
// goes last: it accepts anything and acts as the fallback.
func NewRegistry() *Registry {
	return &Registry{
		adapters: []Adapter{
			NewCSVAdapter(),
			NewXLSXAdapter(),
			NewXLSAdapter(),
			NewJSONAdapter(),
			NewPDFAdapter(),
			NewDOCXAdapter(),
			NewTextAdapter(),
		},
	}
}

// GetGlobalRegistry returns the singleton registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Names returns the format tags of all registered adapters.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Name())
	}
	return names
}

// ByName returns the adapter for an explicit format tag.
func (r *Registry) ByName(tag string) (Adapter, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, a := range r.adapters {
		if a.Name() == tag {
			return a, nil
		}
	}
	return nil, fmt.Errorf("unsupported format: %s", tag)
}

// Detect resolves the adapter for a file, preferring the file extension and
// falling back to content sniffing. The text adapter catches everything that
// nothing else claims.
func (r *Registry) Detect(fileName string, header []byte) Adapter {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext != "" {
		for _, a := range r.adapters {
			for _, e := range a.Extensions() {
				if e == ext {
					return a
				}
			}
		}
	}

	for _, a := range r.adapters {
		if a.Sniff(header) {
			return a
		}
	}

	// NewRegistry always installs the text adapter last, so Detect cannot
	// fall through in practice.
	return r.adapters[len(r.adapters)-1]
}

// readAll drains the reader for adapters that need random access
// (OOXML containers, PDF cross-reference tables, legacy OLE documents).
func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tableRecords converts header+rows cell data (CSV or spreadsheet) into raw
// records. Rows with no header get positional field names. Blank rows are
// skipped silently; rows that are all padding beyond the header width produce
// a warning.
func tableRecords(header []string, rows [][]string, firstLine int) ([]models.RawRecord, []models.ParseWarning) {
	records := make([]models.RawRecord, 0, len(rows))
	var warns []models.ParseWarning

	for i, row := range rows {
		line := firstLine + i
		if isBlankRow(row) {
			continue
		}

		var rec models.RawRecord
		rec.Line = line
		for j, cell := range row {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			if j < len(header) && header[j] != "" {
				rec.Set(header[j], cell)
			} else {
				rec.Set(fmt.Sprintf("column_%d", j+1), cell)
			}
		}
		if len(rec.Fields) == 0 {
			warns = append(warns, models.ParseWarning{
				Line:   line,
				Reason: "row has no usable cells",
			})
			continue
		}
		records = append(records, rec)
	}

	return records, warns
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// looksLikeHeader reports whether a leading table row is a header row rather
// than data: every cell non-empty and unique, and no cell parses as a number
// or starts with a digit-heavy timestamp shape.
func looksLikeHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(row))
	for _, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			return false
		}
		lower := strings.ToLower(cell)
		if _, dup := seen[lower]; dup {
			return false
		}
		seen[lower] = struct{}{}
		if cellLooksNumeric(cell) || isoTimestampRegex.MatchString(cell) {
			return false
		}
	}
	return true
}

func cellLooksNumeric(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '+' || s[0] == '-' {
		i++
		if i >= len(s) {
			return false
		}
	}
	digits := 0
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' || c == ',' || c == '_':
		default:
			return false
		}
	}
	return digits > 0
}
