// Package export renders filtered events to XLSX workbooks.
package export

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/loglens/backend/internal/models"
	"github.com/loglens/backend/internal/summarize"
	"github.com/xuri/excelize/v2"
)

const (
	eventsSheet   = "Events"
	summarySheet  = "Summary"
	timestampCell = "2006-01-02 15:04:05.000"
)

var eventHeader = []string{"Timestamp", "Severity", "Source", "Message", "Extra"}

// ExportError signals that nothing could be exported. Handlers map it to a
// client error rather than a server fault.
type ExportError struct {
	Reason string
}

func (e *ExportError) Error() string {
	return "export: " + e.Reason
}

// XLSX writes the events as a two-sheet workbook: the event rows and a
// severity summary. Exporting zero events is an *ExportError.
func XLSX(w io.Writer, events []models.Event) error {
	if len(events) == 0 {
		return &ExportError{Reason: "no rows match the current filters"}
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), eventsSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := writeEvents(f, events); err != nil {
		return err
	}
	if err := writeSummary(f, events); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func writeEvents(f *excelize.File, events []models.Event) error {
	for col, name := range eventHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(eventsSheet, cell, name); err != nil {
			return err
		}
	}

	for i, e := range events {
		row := i + 2
		values := []any{
			FormatTimestamp(e.Timestamp),
			string(e.Severity),
			e.Source,
			e.Message,
			FlattenExtra(e.Extra),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(eventsSheet, cell, v); err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
		}
	}
	return nil
}

func writeSummary(f *excelize.File, events []models.Event) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	if err := f.SetCellValue(summarySheet, "A1", "Severity"); err != nil {
		return err
	}
	if err := f.SetCellValue(summarySheet, "B1", "Count"); err != nil {
		return err
	}
	for i, sc := range summarize.BySeverity(events) {
		row := i + 2
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), string(sc.Severity)); err != nil {
			return err
		}
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), sc.Count); err != nil {
			return err
		}
	}
	return nil
}

// FormatTimestamp renders a timestamp for a cell. Events without one get an
// empty cell.
func FormatTimestamp(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.Format(timestampCell)
}

// FlattenExtra renders the extra map as "key=value; key=value" with keys
// sorted, so the same event always produces the same cell.
func FlattenExtra(extra map[string]string) string {
	if len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(extra[k])
	}
	return b.String()
}
