package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loglens/backend/internal/filter"
	"github.com/loglens/backend/internal/models"
	"github.com/loglens/backend/internal/summarize"
	"github.com/marcboeker/go-duckdb"
)

// DuckStore spills session events into a temporary DuckDB file so sessions
// larger than RAM stay queryable. Filtering and aggregation are pushed down
// into SQL.
type DuckStore struct {
	db         *sql.DB
	dbPath     string
	eventCount int
	batchSize  int
	batch      []models.Event
	sources    map[string]int
	minTs      int64
	maxTs      int64
	hasTs      bool
	lastError  error

	// Cache for total counts per WHERE clause to avoid repeated COUNT queries.
	countCache   map[string]int
	countCacheMu sync.RWMutex

	// Limits concurrent queries to keep memory bounded.
	querySem chan struct{}
}

// DuckDBTuning bounds the resources a spill store may use. Zero values fall
// back to the built-in defaults.
type DuckDBTuning struct {
	Threads     int
	MemoryLimit string
}

// duckPragmas renders tuning as connection pragmas.
func duckPragmas(t DuckDBTuning) []string {
	if t.Threads <= 0 {
		t.Threads = 4
	}
	if t.MemoryLimit == "" {
		t.MemoryLimit = "1GB"
	}
	return []string{
		fmt.Sprintf("PRAGMA memory_limit='%s'", t.MemoryLimit),
		fmt.Sprintf("PRAGMA threads=%d", t.Threads),
		"PRAGMA enable_progress_bar=false",
	}
}

// NewDuckStore creates a DuckDB-backed store in the given temp directory.
func NewDuckStore(tempDir string, sessionID string, tuning DuckDBTuning) (*DuckStore, error) {
	dbPath := filepath.Join(tempDir, fmt.Sprintf("session_%s.duckdb", sessionID))

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		for _, pragma := range duckPragmas(tuning) {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	// ts is NULL for events without a usable timestamp; severity is stored
	// as its enum rank so ordering works in SQL.
	_, err = db.Exec(`
		CREATE TABLE events (
			id       BIGINT PRIMARY KEY,
			ts       BIGINT,
			severity TINYINT NOT NULL,
			source   VARCHAR,
			message  VARCHAR,
			extra    VARCHAR
		)
	`)
	if err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	return &DuckStore{
		db:         db,
		dbPath:     dbPath,
		batchSize:  50000,
		batch:      make([]models.Event, 0, 50000),
		sources:    make(map[string]int, 100),
		countCache: make(map[string]int),
		querySem:   make(chan struct{}, 3),
	}, nil
}

// Append batches one event for insertion. Batches are flushed through the
// native Appender API.
func (ds *DuckStore) Append(e models.Event) {
	ds.batch = append(ds.batch, e)
	ds.sources[e.Source]++

	if e.Timestamp != nil {
		tsMs := e.Timestamp.UnixMilli()
		if !ds.hasTs || tsMs < ds.minTs {
			ds.minTs = tsMs
		}
		if !ds.hasTs || tsMs > ds.maxTs {
			ds.maxTs = tsMs
		}
		ds.hasTs = true
	}

	ds.eventCount++

	if len(ds.batch) >= ds.batchSize {
		if err := ds.flushBatch(); err != nil {
			ds.lastError = err
			fmt.Printf("[DuckStore] flush error: %v\n", err)
		}
	}
}

// LastError returns the last error that occurred during a batch flush.
func (ds *DuckStore) LastError() error {
	return ds.lastError
}

func (ds *DuckStore) flushBatch() error {
	if len(ds.batch) == 0 {
		return nil
	}

	conn, err := ds.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(driver.Conn)
		if !ok {
			return fmt.Errorf("not a duckdb connection")
		}

		appender, err := duckdb.NewAppenderFromConn(dConn, "", "events")
		if err != nil {
			return fmt.Errorf("creating appender: %w", err)
		}
		defer appender.Close()

		baseID := ds.eventCount - len(ds.batch)
		for i, e := range ds.batch {
			var ts any
			if e.Timestamp != nil {
				ts = e.Timestamp.UnixMilli()
			}
			var extra any
			if len(e.Extra) > 0 {
				data, err := json.Marshal(e.Extra)
				if err != nil {
					return fmt.Errorf("encoding extra for row %d: %w", i, err)
				}
				extra = string(data)
			}

			err := appender.AppendRow(
				int64(baseID+i),
				ts,
				int8(e.Severity.Rank()),
				e.Source,
				e.Message,
				extra,
			)
			if err != nil {
				return fmt.Errorf("appending row %d: %w", i, err)
			}
		}

		return appender.Flush()
	})
	if err != nil {
		return fmt.Errorf("appender: %w", err)
	}

	ds.batch = ds.batch[:0]
	return nil
}

// Finalize flushes the remaining batch and creates indexes. Indexes are built
// once after all inserts; building them during the parse slows it down.
func (ds *DuckStore) Finalize() error {
	if err := ds.flushBatch(); err != nil {
		return err
	}
	if ds.lastError != nil {
		return ds.lastError
	}

	if _, err := ds.db.Exec("CREATE INDEX idx_ts ON events(ts)"); err != nil {
		return fmt.Errorf("creating ts index: %w", err)
	}
	if ds.eventCount > 100000 {
		if _, err := ds.db.Exec("CREATE INDEX idx_severity ON events(severity)"); err != nil {
			fmt.Printf("[DuckStore] severity index failed: %v\n", err)
		}
		if _, err := ds.db.Exec("CREATE INDEX idx_source ON events(source)"); err != nil {
			fmt.Printf("[DuckStore] source index failed: %v\n", err)
		}
	}
	return nil
}

// Len returns the total number of appended events.
func (ds *DuckStore) Len() int {
	return ds.eventCount
}

// TimeRange returns the span of timestamped events, or nil when none carry a
// timestamp.
func (ds *DuckStore) TimeRange() *models.TimeRange {
	if !ds.hasTs {
		return nil
	}
	return &models.TimeRange{
		Start: time.UnixMilli(ds.minTs).UTC(),
		End:   time.UnixMilli(ds.maxTs).UTC(),
	}
}

// Sources returns distinct sources ordered by event count descending with an
// alphabetical tie-break, matching the in-memory store.
func (ds *DuckStore) Sources() []string {
	counts := make([]summarize.SourceCount, 0, len(ds.sources))
	for src, n := range ds.sources {
		counts = append(counts, summarize.SourceCount{Source: src, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Source < counts[j].Source
	})
	out := make([]string, 0, len(counts))
	for _, sc := range counts {
		out = append(out, sc.Source)
	}
	return out
}

// canonical ORDER BY: chronological, untimed events last, ties by severity
// rank then source then message. id keeps the order stable.
const orderClause = " ORDER BY ts ASC NULLS LAST, severity ASC, source ASC, message ASC, id ASC"

const selectColumns = "SELECT ts, severity, source, message, extra FROM events"

// Query returns one page of filtered events plus the filtered total.
func (ds *DuckStore) Query(ctx context.Context, c filter.Criteria, page, pageSize int) ([]models.Event, int, error) {
	select {
	case ds.querySem <- struct{}{}:
		defer func() { <-ds.querySem }()
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	where, args := buildWhereClause(c)

	cacheKey := cacheKeyFor(where, args)
	ds.countCacheMu.RLock()
	total, found := ds.countCache[cacheKey]
	ds.countCacheMu.RUnlock()

	if !found {
		countQuery := "SELECT COUNT(*) FROM events"
		if where != "" {
			countQuery += " WHERE " + where
		}
		if err := ds.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count query: %w", err)
		}
		ds.countCacheMu.Lock()
		ds.countCache[cacheKey] = total
		ds.countCacheMu.Unlock()
	}

	if total == 0 {
		return []models.Event{}, 0, nil
	}

	query := selectColumns
	if where != "" {
		query += " WHERE " + where
	}
	query += orderClause
	if pageSize > 0 {
		offset := (page - 1) * pageSize
		if offset < 0 {
			offset = 0
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, offset)
	}

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Filtered returns all events matching the criteria, in canonical order.
func (ds *DuckStore) Filtered(ctx context.Context, c filter.Criteria) ([]models.Event, error) {
	events, _, err := ds.Query(ctx, c, 1, 0)
	return events, err
}

// CountBySeverity pushes the severity histogram down into SQL. Every severity
// appears in the result, zero counts included, in enum order.
func (ds *DuckStore) CountBySeverity(ctx context.Context, c filter.Criteria) ([]summarize.SeverityCount, error) {
	where, args := buildWhereClause(c)
	query := "SELECT severity, COUNT(*) FROM events"
	if where != "" {
		query += " WHERE " + where
	}
	query += " GROUP BY severity"

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("severity histogram: %w", err)
	}
	defer rows.Close()

	byRank := make(map[int]int)
	for rows.Next() {
		var rank, count int
		if err := rows.Scan(&rank, &count); err != nil {
			return nil, err
		}
		byRank[rank] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]summarize.SeverityCount, 0, len(models.Severities))
	for i, sev := range models.Severities {
		out = append(out, summarize.SeverityCount{Severity: sev, Count: byRank[i]})
	}
	return out, nil
}

// CountBySource pushes the per-source histogram down into SQL.
func (ds *DuckStore) CountBySource(ctx context.Context, c filter.Criteria) ([]summarize.SourceCount, error) {
	where, args := buildWhereClause(c)
	query := "SELECT source, COUNT(*) FROM events"
	if where != "" {
		query += " WHERE " + where
	}
	query += " GROUP BY source ORDER BY COUNT(*) DESC, source ASC"

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source histogram: %w", err)
	}
	defer rows.Close()

	var out []summarize.SourceCount
	for rows.Next() {
		var sc summarize.SourceCount
		var source sql.NullString
		if err := rows.Scan(&source, &sc.Count); err != nil {
			return nil, err
		}
		sc.Source = source.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Buckets pushes the timeline histogram down into SQL. Untimed events do not
// contribute.
func (ds *DuckStore) Buckets(ctx context.Context, c filter.Criteria, interval time.Duration) ([]summarize.Bucket, error) {
	if interval <= 0 {
		interval = time.Hour
	}
	intervalMs := interval.Milliseconds()

	where, args := buildWhereClause(c)
	tsClause := "ts IS NOT NULL"
	if where != "" {
		where += " AND " + tsClause
	} else {
		where = tsClause
	}

	query := fmt.Sprintf(
		"SELECT (ts // %d) * %d AS bucket, severity, COUNT(*) FROM events WHERE %s GROUP BY bucket, severity ORDER BY bucket ASC",
		intervalMs, intervalMs, where)

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline histogram: %w", err)
	}
	defer rows.Close()

	var out []summarize.Bucket
	for rows.Next() {
		var startMs int64
		var rank, count int
		if err := rows.Scan(&startMs, &rank, &count); err != nil {
			return nil, err
		}
		start := time.UnixMilli(startMs).UTC()
		if len(out) == 0 || !out[len(out)-1].Start.Equal(start) {
			out = append(out, summarize.Bucket{
				Start:      start,
				BySeverity: make(map[models.Severity]int),
			})
		}
		b := &out[len(out)-1]
		b.Count += count
		b.BySeverity[severityFromRank(rank)] += count
	}
	return out, rows.Err()
}

// Overview computes the headline numbers for the filtered events in one
// aggregate query.
func (ds *DuckStore) Overview(ctx context.Context, c filter.Criteria) (summarize.Overview, error) {
	where, args := buildWhereClause(c)
	query := fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(DISTINCT source),
		       COUNT(DISTINCT message),
		       COALESCE(SUM(CASE WHEN severity = %d THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN severity = %d THEN 1 ELSE 0 END), 0),
		       MIN(ts),
		       MAX(ts)
		FROM events
	`, models.SeverityError.Rank(), models.SeverityWarn.Rank())
	if where != "" {
		query += " WHERE " + where
	}

	var ov summarize.Overview
	var minTs, maxTs sql.NullInt64
	err := ds.db.QueryRowContext(ctx, query, args...).Scan(
		&ov.Events, &ov.Sources, &ov.UniqueMessages, &ov.Errors, &ov.Warnings, &minTs, &maxTs)
	if err != nil {
		return summarize.Overview{}, fmt.Errorf("overview query: %w", err)
	}
	if minTs.Valid {
		first := time.UnixMilli(minTs.Int64).UTC()
		ov.First = &first
	}
	if maxTs.Valid {
		last := time.UnixMilli(maxTs.Int64).UTC()
		ov.Last = &last
	}
	return ov, nil
}

// Close closes the database and removes the temp file.
func (ds *DuckStore) Close() error {
	if ds.db != nil {
		ds.db.Close()
	}
	if ds.dbPath != "" {
		os.Remove(ds.dbPath)
	}
	return nil
}

func buildWhereClause(c filter.Criteria) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if c.From != nil {
		clauses = append(clauses, "ts IS NOT NULL AND ts >= ?")
		args = append(args, c.From.UnixMilli())
	}
	if c.To != nil {
		clauses = append(clauses, "ts IS NOT NULL AND ts <= ?")
		args = append(args, c.To.UnixMilli())
	}

	eff := c.EffectiveSeverities()
	if len(eff) == 0 {
		return "1 = 0", nil
	}
	if len(eff) < len(models.Severities) {
		placeholders := make([]string, 0, len(eff))
		for _, sev := range models.Severities {
			if eff[sev] {
				placeholders = append(placeholders, "?")
				args = append(args, sev.Rank())
			}
		}
		clauses = append(clauses, "severity IN ("+strings.Join(placeholders, ", ")+")")
	}

	if c.Sources != nil {
		if len(c.Sources) == 0 {
			return "1 = 0", nil
		}
		placeholders := make([]string, 0, len(c.Sources))
		sources := make([]string, 0, len(c.Sources))
		for src := range c.Sources {
			sources = append(sources, src)
		}
		// Stable placeholder order keeps the count cache key deterministic.
		sort.Strings(sources)
		for _, src := range sources {
			placeholders = append(placeholders, "?")
			args = append(args, src)
		}
		clauses = append(clauses, "source IN ("+strings.Join(placeholders, ", ")+")")
	}

	if c.Query != "" {
		pattern := "%" + escapeLike(c.Query) + "%"
		clauses = append(clauses, `(message ILIKE ? ESCAPE '\' OR source ILIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	return strings.Join(clauses, " AND "), args
}

// escapeLike neutralizes LIKE metacharacters so user queries match literal
// text, the same semantics the in-memory store gets from strings.Contains.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func cacheKeyFor(where string, args []interface{}) string {
	if where == "" {
		return "__total__"
	}
	return fmt.Sprintf("%s|%v", where, args)
}

func scanEvents(rows *sql.Rows, capacity int) ([]models.Event, error) {
	if capacity < 0 {
		capacity = 0
	}
	events := make([]models.Event, 0, capacity)
	for rows.Next() {
		var ts sql.NullInt64
		var rank int
		var source, message, extra sql.NullString

		if err := rows.Scan(&ts, &rank, &source, &message, &extra); err != nil {
			return nil, err
		}

		e := models.Event{
			Severity: severityFromRank(rank),
			Source:   source.String,
			Message:  message.String,
		}
		if ts.Valid {
			t := time.UnixMilli(ts.Int64).UTC()
			e.Timestamp = &t
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &e.Extra); err != nil {
				return nil, fmt.Errorf("decoding extra: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func severityFromRank(rank int) models.Severity {
	if rank < 0 || rank >= len(models.Severities) {
		return models.SeverityUnknown
	}
	return models.Severities[rank]
}
