package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SparseHit is a keyword-leg result from the point store.
type SparseHit struct {
	ID    uint64
	Score float64
}

// PointStore persists payloads, dense vectors and sparse postings in SQLite.
// Sparse scoring is BM25-style: document weights are stored at ingest and
// IDF is computed from posting counts at query time.
type PointStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// validateSQLiteIntegrity checks an existing database before opening it.
// Returns nil when the file is absent or healthy.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewPointStore opens or creates the point database at path. An empty path
// creates an in-memory store for tests. A corrupt file is removed and
// recreated empty; the caller must re-ingest.
func NewPointStore(path string) (*PointStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Warn("point_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("point store corrupted at %s and cannot remove: %w (original error: %v)", path, err, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: one writer, and :memory: must not fan out.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &PointStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PointStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS points (
		id            INTEGER PRIMARY KEY,
		chunk_id      TEXT NOT NULL,
		source_type   TEXT NOT NULL DEFAULT '',
		organization  TEXT NOT NULL DEFAULT '',
		clinical_area TEXT NOT NULL DEFAULT '',
		payload       TEXT NOT NULL,
		dense         BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_points_source_type ON points(source_type);
	CREATE INDEX IF NOT EXISTS idx_points_organization ON points(organization);
	CREATE INDEX IF NOT EXISTS idx_points_clinical_area ON points(clinical_area);

	CREATE TABLE IF NOT EXISTS postings (
		term     INTEGER NOT NULL,
		point_id INTEGER NOT NULL,
		weight   REAL NOT NULL,
		PRIMARY KEY (term, point_id)
	) WITHOUT ROWID;
	CREATE INDEX IF NOT EXISTS idx_postings_point ON postings(point_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert writes points, replacing existing rows and postings by ID.
func (s *PointStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("point store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pointStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO points(id, chunk_id, source_type, organization, clinical_area, payload, dense)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare point statement: %w", err)
	}
	defer pointStmt.Close()

	clearStmt, err := tx.PrepareContext(ctx, `DELETE FROM postings WHERE point_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer clearStmt.Close()

	postingStmt, err := tx.PrepareContext(ctx, `INSERT INTO postings(term, point_id, weight) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare posting statement: %w", err)
	}
	defer postingStmt.Close()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", p.Payload.ChunkID, err)
		}
		id := int64(p.ID)
		if _, err := pointStmt.ExecContext(ctx, id, p.Payload.ChunkID, p.Payload.SourceType,
			p.Payload.Organization, p.Payload.ClinicalArea, string(payload), encodeDense(p.Dense)); err != nil {
			return fmt.Errorf("failed to write point %s: %w", p.Payload.ChunkID, err)
		}
		if _, err := clearStmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to clear postings for %s: %w", p.Payload.ChunkID, err)
		}
		for i, term := range p.Sparse.Indices {
			if _, err := postingStmt.ExecContext(ctx, int64(term), id, float64(p.Sparse.Values[i])); err != nil {
				return fmt.Errorf("failed to write posting for %s: %w", p.Payload.ChunkID, err)
			}
		}
	}

	return tx.Commit()
}

// SparseSearch scores points sharing terms with q as
// sum(q_w * idf(term) * doc_w), with idf = ln(1 + (N - n + 0.5) / (n + 0.5)).
func (s *PointStore) SparseSearch(ctx context.Context, q SparseVector, filter Filter, limit int) ([]SparseHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("point store is closed")
	}
	if q.IsEmpty() || limit <= 0 {
		return []SparseHit{}, nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count points: %w", err)
	}
	if total == 0 {
		return []SparseHit{}, nil
	}

	queryWeight := make(map[int64]float64, len(q.Indices))
	termArgs := make([]any, len(q.Indices))
	for i, term := range q.Indices {
		queryWeight[int64(term)] = float64(q.Values[i])
		termArgs[i] = int64(term)
	}
	inTerms := placeholders(len(termArgs))

	docFreq := make(map[int64]int, len(q.Indices))
	rows, err := s.db.QueryContext(ctx,
		`SELECT term, COUNT(*) FROM postings WHERE term IN (`+inTerms+`) GROUP BY term`, termArgs...)
	if err != nil {
		return nil, fmt.Errorf("document frequency query failed: %w", err)
	}
	for rows.Next() {
		var term int64
		var n int
		if err := rows.Scan(&term, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan document frequency: %w", err)
		}
		docFreq[term] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	where, filterArgs := filterClause(filter)
	args := append(termArgs, filterArgs...)
	rows, err = s.db.QueryContext(ctx, `
		SELECT ps.point_id, ps.term, ps.weight
		FROM postings ps JOIN points p ON p.id = ps.point_id
		WHERE ps.term IN (`+inTerms+`)`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sparse search failed: %w", err)
	}
	defer rows.Close()

	scores := make(map[uint64]float64)
	for rows.Next() {
		var id, term int64
		var w float64
		if err := rows.Scan(&id, &term, &w); err != nil {
			return nil, fmt.Errorf("failed to scan posting: %w", err)
		}
		n := float64(docFreq[term])
		idf := math.Log(1 + (float64(total)-n+0.5)/(n+0.5))
		scores[uint64(id)] += queryWeight[term] * idf * w
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := make([]SparseHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, SparseHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Payloads returns the payloads for ids that exist and pass filter.
func (s *PointStore) Payloads(ctx context.Context, ids []uint64, filter Filter) (map[uint64]Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("point store is closed")
	}
	out := make(map[uint64]Payload, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	where, filterArgs := filterClause(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM points p WHERE p.id IN (`+placeholders(len(ids))+`)`+where,
		append(args, filterArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("payload query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan payload: %w", err)
		}
		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode payload %d: %w", id, err)
		}
		out[uint64(id)] = p
	}
	return out, rows.Err()
}

// DenseVectors calls fn for every stored dense vector. Used to rebuild the
// HNSW graph when its files are missing.
func (s *PointStore) DenseVectors(ctx context.Context, fn func(id uint64, vec []float32) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("point store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, dense FROM points WHERE dense IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("dense query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("failed to scan dense vector: %w", err)
		}
		if err := fn(uint64(id), decodeDense(blob)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored points.
func (s *PointStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("point store is closed")
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&n)
	return n, err
}

// CountBySourceType returns point counts grouped by source_type.
func (s *PointStore) CountBySourceType(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("point store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source_type, COUNT(*) FROM points GROUP BY source_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// Reset deletes every point and posting.
func (s *PointStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("point store is closed")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM postings; DELETE FROM points;`)
	return err
}

// Ping checks the database connection.
func (s *PointStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("point store is closed")
	}
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database.
func (s *PointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// filterClause renders f as " AND ..." conditions on table alias p.
func filterClause(f Filter) (string, []any) {
	var b strings.Builder
	var args []any
	add := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		fmt.Fprintf(&b, " AND p.%s IN (%s)", column, placeholders(len(values)))
		for _, v := range values {
			args = append(args, v)
		}
	}
	add("source_type", f.SourceTypes)
	add("organization", f.Organizations)
	add("clinical_area", f.ClinicalAreas)
	return b.String(), args
}

func encodeDense(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeDense(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
