package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// StatsFileName is the statistics database inside the data directory.
const StatsFileName = "query_stats.db"

// maxZeroResultQueries bounds the persisted zero-result buffer.
const maxZeroResultQueries = 100

// SQLiteStatsStore persists query statistics in SQLite so that
// `policyrag doctor --stats` can report on past sessions.
type SQLiteStatsStore struct {
	db *sql.DB
}

var _ StatsStore = (*SQLiteStatsStore)(nil)

// OpenStatsStore opens or creates the statistics database at path. An empty
// path opens an in-memory database.
func OpenStatsStore(path string) (*SQLiteStatsStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}
	if err := initStatsSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStatsStore{db: db}, nil
}

func initStatsSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_outcome_stats (
		date TEXT NOT NULL,
		outcome TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, outcome)
	);

	CREATE TABLE IF NOT EXISTS query_terms (
		term TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create stats schema: %w", err)
	}
	return nil
}

// SaveOutcomeCounts adds counts to the given day.
func (s *SQLiteStatsStore) SaveOutcomeCounts(date string, counts map[Outcome]int64) error {
	return s.addDaily(`
		INSERT INTO query_outcome_stats (date, outcome, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, outcome) DO UPDATE SET count = count + excluded.count
	`, date, toStringCounts(counts))
}

// SaveLatencyCounts adds counts to the given day.
func (s *SQLiteStatsStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	return s.addDaily(`
		INSERT INTO query_latency_stats (date, bucket, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
	`, date, toStringCounts(counts))
}

func toStringCounts[K ~string](in map[K]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func (s *SQLiteStatsStore) addDaily(query, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for k, n := range counts {
		if _, err := stmt.Exec(date, k, n); err != nil {
			return fmt.Errorf("insert daily count: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertTermCounts adds term frequencies.
func (s *SQLiteStatsStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for term, n := range terms {
		if _, err := stmt.Exec(term, n); err != nil {
			return fmt.Errorf("upsert term count: %w", err)
		}
	}
	return tx.Commit()
}

// AddZeroResultQuery appends to the zero-result buffer, keeping the newest 100.
func (s *SQLiteStatsStore) AddZeroResultQuery(query string, timestamp time.Time) error {
	if _, err := s.db.Exec(`INSERT INTO zero_result_queries (query, timestamp) VALUES (?, ?)`,
		query, timestamp); err != nil {
		return fmt.Errorf("insert zero-result query: %w", err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM zero_result_queries
		WHERE id NOT IN (SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)
	`, maxZeroResultQueries); err != nil {
		return fmt.Errorf("trim zero-result queries: %w", err)
	}
	return nil
}

// Load reads the persisted statistics from the given day onward (YYYY-MM-DD).
func (s *SQLiteStatsStore) Load(from string, topN int) (*Snapshot, error) {
	snap := &Snapshot{
		OutcomeCounts:       make(map[Outcome]int64),
		LatencyDistribution: make(map[LatencyBucket]int64),
	}

	outcomes, err := s.sumDaily(`SELECT outcome, SUM(count) FROM query_outcome_stats WHERE date >= ? GROUP BY outcome`, from)
	if err != nil {
		return nil, err
	}
	for k, n := range outcomes {
		snap.OutcomeCounts[Outcome(k)] = n
		snap.TotalQueries += n
	}
	snap.ZeroResultCount = snap.OutcomeCounts[OutcomeEmpty]

	latencies, err := s.sumDaily(`SELECT bucket, SUM(count) FROM query_latency_stats WHERE date >= ? GROUP BY bucket`, from)
	if err != nil {
		return nil, err
	}
	for k, n := range latencies {
		snap.LatencyDistribution[LatencyBucket(k)] = n
	}

	rows, err := s.db.Query(`SELECT term, count FROM query_terms ORDER BY count DESC, term LIMIT ?`, topN)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		snap.TopTerms = append(snap.TopTerms, tc)
	}
	rows.Close()

	zrows, err := s.db.Query(`SELECT query FROM zero_result_queries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer zrows.Close()
	for zrows.Next() {
		var q string
		if err := zrows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		snap.ZeroResultQueries = append(snap.ZeroResultQueries, q)
	}
	return snap, zrows.Err()
}

func (s *SQLiteStatsStore) sumDaily(query, from string) (map[string]int64, error) {
	rows, err := s.db.Query(query, from)
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[k] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStatsStore) Close() error {
	return s.db.Close()
}
