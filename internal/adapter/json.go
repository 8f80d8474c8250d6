package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/loglens/backend/internal/models"
)

// JSONAdapter handles structured-record files: a top-level array of objects,
// an object wrapping such an array under a well-known key, or newline-
// delimited JSON.
type JSONAdapter struct{}

// Wrapper keys checked, in order, when the top level is an object.
var jsonArrayKeys = []string{"records", "events", "logs", "entries", "items", "data"}

func NewJSONAdapter() *JSONAdapter { return &JSONAdapter{} }

func (a *JSONAdapter) Name() string { return FormatJSON }

func (a *JSONAdapter) Extensions() []string { return []string{".json", ".ndjson", ".jsonl"} }

func (a *JSONAdapter) Sniff(header []byte) bool {
	trimmed := bytes.TrimLeft(header, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func (a *JSONAdapter) Records(r io.Reader) ([]models.RawRecord, []models.ParseWarning, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, nil, parseErrorf(FormatJSON, "reading input: %v", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []models.RawRecord{}, nil, nil
	}

	// Top-level array of objects.
	if trimmed[0] == '[' {
		var objs []map[string]interface{}
		if err := json.Unmarshal(trimmed, &objs); err != nil {
			return nil, nil, parseErrorf(FormatJSON, "malformed array: %v", err)
		}
		return objectRecords(objs, 1)
	}

	// Single object: either a wrapper around an array, NDJSON, or one record.
	if bytes.ContainsRune(trimmed, '\n') && looksLikeNDJSON(trimmed) {
		return a.ndjsonRecords(trimmed)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, nil, parseErrorf(FormatJSON, "malformed object: %v", err)
	}

	for _, key := range jsonArrayKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		items, ok := raw.([]interface{})
		if !ok {
			continue
		}
		objs := make([]map[string]interface{}, 0, len(items))
		var warns []models.ParseWarning
		for i, item := range items {
			m, ok := item.(map[string]interface{})
			if !ok {
				warns = append(warns, models.ParseWarning{
					Line:   i + 1,
					Reason: fmt.Sprintf("%s[%d] is not an object", key, i),
				})
				continue
			}
			objs = append(objs, m)
		}
		records, objWarns, err := objectRecords(objs, 1)
		return records, append(warns, objWarns...), err
	}

	// A single bare record.
	return objectRecords([]map[string]interface{}{obj}, 1)
}

// ndjsonRecords parses newline-delimited JSON. Malformed lines are skipped
// with a warning; the file as a whole only fails when nothing parses.
func (a *JSONAdapter) ndjsonRecords(data []byte) ([]models.RawRecord, []models.ParseWarning, error) {
	var records []models.RawRecord
	var warns []models.ParseWarning

	lineNum := 0
	parsed := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		lineNum++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(line, &obj); err != nil {
			warns = append(warns, models.ParseWarning{
				Line:    lineNum,
				Content: truncate(string(line), 120),
				Reason:  fmt.Sprintf("malformed JSON line: %v", err),
			})
			continue
		}
		rec := objectRecord(obj, lineNum)
		if len(rec.Fields) > 0 {
			records = append(records, rec)
			parsed++
		}
	}

	if parsed == 0 && len(warns) > 0 {
		return nil, nil, parseErrorf(FormatJSON, "no valid JSON lines in input")
	}
	return records, warns, nil
}

func looksLikeNDJSON(data []byte) bool {
	first, _, _ := bytes.Cut(data, []byte("\n"))
	first = bytes.TrimSpace(first)
	return len(first) > 1 && first[0] == '{' && first[len(first)-1] == '}'
}

func objectRecords(objs []map[string]interface{}, firstLine int) ([]models.RawRecord, []models.ParseWarning, error) {
	records := make([]models.RawRecord, 0, len(objs))
	for i, obj := range objs {
		rec := objectRecord(obj, firstLine+i)
		if len(rec.Fields) > 0 {
			records = append(records, rec)
		}
	}
	return records, nil, nil
}

// objectRecord flattens one JSON object into a raw record. Keys are visited
// in sorted order so the record is deterministic.
func objectRecord(obj map[string]interface{}, line int) models.RawRecord {
	var rec models.RawRecord
	rec.Line = line

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rec.Set(k, stringifyJSONValue(obj[k]))
	}
	return rec
}

func stringifyJSONValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		// Nested objects and arrays keep their JSON text.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
