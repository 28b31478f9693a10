package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Local index file names inside the data directory.
const (
	PointsFileName = "points.db"
	GraphFileName  = "dense.hnsw"
)

// filterOverfetch widens the dense leg when a filter will discard results.
const filterOverfetch = 4

// LocalConfig configures the embedded hybrid index.
type LocalConfig struct {
	// DataDir holds points.db and dense.hnsw. Empty keeps everything in memory.
	DataDir    string
	Dimensions int
	RRFK       int
}

// LocalIndex is an embedded HybridIndex: dense retrieval over an HNSW
// graph, sparse retrieval over SQLite postings, fused with RRF.
type LocalIndex struct {
	cfg    LocalConfig
	dense  *DenseIndex
	points *PointStore
	fusion *RRFFusion

	saveMu sync.Mutex
	dirty  bool
}

var _ HybridIndex = (*LocalIndex)(nil)

// OpenLocal opens or creates the local index. When the graph file is
// missing or stale it is rebuilt from vectors stored in SQLite.
func OpenLocal(ctx context.Context, cfg LocalConfig) (*LocalIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}

	dbPath := ""
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(cfg.DataDir, PointsFileName)
	}

	points, err := NewPointStore(dbPath)
	if err != nil {
		return nil, err
	}

	idx := &LocalIndex{
		cfg:    cfg,
		dense:  NewDenseIndex(cfg.Dimensions),
		points: points,
		fusion: NewRRFFusion(cfg.RRFK),
	}

	if err := idx.loadGraph(ctx); err != nil {
		_ = points.Close()
		return nil, err
	}
	return idx, nil
}

func (l *LocalIndex) graphPath() string {
	if l.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(l.cfg.DataDir, GraphFileName)
}

func (l *LocalIndex) loadGraph(ctx context.Context) error {
	if path := l.graphPath(); path != "" {
		if err := l.dense.Load(path); err != nil {
			if _, ok := err.(ErrDimensionMismatch); ok {
				return fmt.Errorf("index at %s was built with a different embedding model: %w", l.cfg.DataDir, err)
			}
			slog.Warn("dense_graph_unreadable", slog.String("path", path), slog.String("error", err.Error()))
			l.dense.Reset()
		}
	}

	stored, err := l.points.Count(ctx)
	if err != nil {
		return err
	}
	if stored == l.dense.Count() {
		return nil
	}

	slog.Info("dense_graph_rebuild", slog.Int("points", stored), slog.Int("graph", l.dense.Count()))
	l.dense.Reset()
	err = l.points.DenseVectors(ctx, func(id uint64, vec []float32) error {
		return l.dense.Add([]uint64{id}, [][]float32{vec})
	})
	if err != nil {
		return fmt.Errorf("rebuild dense graph: %w", err)
	}
	l.dirty = true
	return l.Flush()
}

// denseLeg returns up to q.Limit dense hits, over-fetching when a filter
// will discard some.
func (l *LocalIndex) denseLeg(ctx context.Context, q Query) ([]uint64, error) {
	k := q.Limit
	if !q.Filter.IsEmpty() {
		k *= filterOverfetch
	}
	hits, err := l.dense.Search(q.Dense, k)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	ids := make([]uint64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	if !q.Filter.IsEmpty() {
		if ids, err = l.keepMatching(ctx, ids, q.Filter); err != nil {
			return nil, err
		}
	}
	if len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (l *LocalIndex) sparseLeg(ctx context.Context, q Query) ([]uint64, error) {
	hits, err := l.points.SparseSearch(ctx, q.Sparse, q.Filter, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	ids := make([]uint64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// Query implements HybridIndex.
func (l *LocalIndex) Query(ctx context.Context, q Query) ([]ScoredPoint, error) {
	if q.Limit <= 0 {
		return []ScoredPoint{}, nil
	}

	// Dense and sparse legs run concurrently.
	var denseIDs, sparseIDs []uint64
	g, gctx := errgroup.WithContext(ctx)
	if len(q.Dense) > 0 {
		g.Go(func() error {
			ids, err := l.denseLeg(gctx, q)
			denseIDs = ids
			return err
		})
	}
	if !q.Sparse.IsEmpty() {
		g.Go(func() error {
			ids, err := l.sparseLeg(gctx, q)
			sparseIDs = ids
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := l.fusion.Fuse(denseIDs, sparseIDs)
	if len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}

	ids := make([]uint64, len(fused))
	for i, h := range fused {
		ids[i] = h.ID
	}
	payloads, err := l.points.Payloads(ctx, ids, Filter{})
	if err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, 0, len(fused))
	for _, h := range fused {
		p, ok := payloads[h.ID]
		if !ok {
			continue
		}
		out = append(out, ScoredPoint{ID: h.ID, Score: h.Score, Payload: p})
	}
	return out, nil
}

// keepMatching filters ids by payload, preserving order.
func (l *LocalIndex) keepMatching(ctx context.Context, ids []uint64, f Filter) ([]uint64, error) {
	payloads, err := l.points.Payloads(ctx, ids, f)
	if err != nil {
		return nil, err
	}
	kept := ids[:0]
	for _, id := range ids {
		if _, ok := payloads[id]; ok {
			kept = append(kept, id)
		}
	}
	return kept, nil
}

// Upsert implements HybridIndex. Call Flush to persist the dense graph.
func (l *LocalIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	ids := make([]uint64, 0, len(points))
	vecs := make([][]float32, 0, len(points))
	for _, p := range points {
		if len(p.Dense) != l.cfg.Dimensions {
			return ErrDimensionMismatch{Expected: l.cfg.Dimensions, Got: len(p.Dense)}
		}
		ids = append(ids, p.ID)
		vecs = append(vecs, p.Dense)
	}

	if err := l.points.Upsert(ctx, points); err != nil {
		return err
	}
	if err := l.dense.Add(ids, vecs); err != nil {
		return err
	}

	l.saveMu.Lock()
	l.dirty = true
	l.saveMu.Unlock()
	return nil
}

// Flush writes the dense graph to disk if it changed.
func (l *LocalIndex) Flush() error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	path := l.graphPath()
	if !l.dirty || path == "" {
		return nil
	}
	if err := l.dense.Save(path); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

// Recreate implements HybridIndex.
func (l *LocalIndex) Recreate(ctx context.Context) error {
	if err := l.points.Reset(ctx); err != nil {
		return err
	}
	l.dense.Reset()

	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	if path := l.graphPath(); path != "" {
		for _, p := range []string{path, path + ".meta"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	l.dirty = false
	return nil
}

// Stats implements HybridIndex.
func (l *LocalIndex) Stats(ctx context.Context) (Stats, error) {
	n, err := l.points.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	bySource, err := l.points.CountBySourceType(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Backend:      "local",
		Points:       n,
		Dimensions:   l.cfg.Dimensions,
		BySourceType: bySource,
	}, nil
}

// Health implements HybridIndex.
func (l *LocalIndex) Health(ctx context.Context) error {
	return l.points.Ping(ctx)
}

// Close flushes the graph and closes the database.
func (l *LocalIndex) Close() error {
	flushErr := l.Flush()
	_ = l.dense.Close()
	if err := l.points.Close(); err != nil {
		return err
	}
	return flushErr
}
