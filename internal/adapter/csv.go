package adapter

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loglens/backend/internal/models"
)

// CSVAdapter handles delimited text files. The delimiter is detected from the
// first line (comma, semicolon or tab); a leading header row is detected
// heuristically and otherwise columns get positional names.
type CSVAdapter struct{}

func NewCSVAdapter() *CSVAdapter { return &CSVAdapter{} }

func (a *CSVAdapter) Name() string { return FormatCSV }

func (a *CSVAdapter) Extensions() []string { return []string{".csv", ".tsv"} }

func (a *CSVAdapter) Sniff(header []byte) bool {
	text := string(header)
	line, _, _ := strings.Cut(text, "\n")
	// At least two delimited columns on the first line.
	return strings.Count(line, ",") >= 1 || strings.Count(line, ";") >= 1 || strings.Count(line, "\t") >= 1
}

func (a *CSVAdapter) Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error) {
	br := bufio.NewReader(r)

	firstLine, err := br.Peek(SniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, nil, parseErrorf(FormatCSV, "reading input: %v", err)
	}
	if len(firstLine) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	reader := csv.NewReader(br)
	reader.Comma = detectDelimiter(string(firstLine))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	var warns []models.ParseWarning
	lineNum := 0
	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				// Best-effort: skip the malformed row and keep going.
				warns = append(warns, models.ParseWarning{
					Line:   lineNum,
					Reason: fmt.Sprintf("malformed row: %v", perr.Err),
				})
				continue
			}
			return nil, nil, parseErrorf(FormatCSV, "reading input: %v", err)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return []models.RawRecord{}, warns, nil
	}

	header, body, firstDataLine := splitHeader(rows)
	records, tableWarns := tableRecords(header, body, firstDataLine)
	warns = append(warns, tableWarns...)

	// Headerless single-column files are really just text logs; give each
	// record the usual line hints so normalization still finds something.
	if header == nil {
		for i := range records {
			if msg, ok := records[i].Fields["column_1"]; ok && len(records[i].Fields) == 1 {
				records[i].Timestamp = ExtractLineTimestamp(msg)
				records[i].Severity = LineSeverity(msg)
			}
		}
	}

	return records, warns, nil
}

// splitHeader decides whether the first row is a header. Returns the header
// (nil if absent), the data rows, and the line number of the first data row.
func splitHeader(rows [][]string) ([]string, [][]string, int) {
	first := rows[0]
	if looksLikeHeader(first) {
		header := make([]string, len(first))
		for i, cell := range first {
			header[i] = strings.TrimSpace(cell)
		}
		return header, rows[1:], 2
	}
	return nil, rows, 1
}

func detectDelimiter(line string) rune {
	line, _, _ = strings.Cut(line, "\n")
	best := ','
	bestCount := strings.Count(line, ",")
	if n := strings.Count(line, ";"); n > bestCount {
		best, bestCount = ';', n
	}
	if n := strings.Count(line, "\t"); n > bestCount {
		best = '\t'
	}
	return best
}
