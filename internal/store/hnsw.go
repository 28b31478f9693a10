package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/coder/hnsw"
)

// HNSW graph defaults.
const (
	DefaultHNSWM        = 16
	DefaultHNSWEfSearch = 64
)

// DenseHit is a nearest-neighbour result from the dense index.
type DenseHit struct {
	ID    uint64
	Score float32 // cosine similarity, 1 is identical
}

// DenseIndex is an in-memory cosine HNSW graph over point IDs, persisted
// with Save/Load.
type DenseIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	// Point IDs map to graph keys so replaced points can be orphaned
	// instead of deleted; coder/hnsw misbehaves when the last node is removed.
	idMap   map[uint64]uint64
	keyMap  map[uint64]uint64
	nextKey uint64

	closed bool
}

// denseMeta holds the ID mapping for persistence.
type denseMeta struct {
	IDMap   map[uint64]uint64
	NextKey uint64
	Dims    int
}

// NewDenseIndex creates an empty cosine index for dims-dimensional vectors.
func NewDenseIndex(dims int) *DenseIndex {
	return &DenseIndex{
		graph:  newGraph(),
		dims:   dims,
		idMap:  make(map[uint64]uint64),
		keyMap: make(map[uint64]uint64),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = DefaultHNSWM
	g.EfSearch = DefaultHNSWEfSearch
	g.Ml = 0.25
	return g
}

// Dimensions returns the vector dimension.
func (d *DenseIndex) Dimensions() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dims
}

// Add inserts or replaces vectors by point ID.
func (d *DenseIndex) Add(ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("dense index is closed")
	}
	for _, v := range vectors {
		if len(v) != d.dims {
			return ErrDimensionMismatch{Expected: d.dims, Got: len(v)}
		}
	}

	for i, id := range ids {
		if old, ok := d.idMap[id]; ok {
			delete(d.keyMap, old)
		}

		key := d.nextKey
		d.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		d.graph.Add(hnsw.MakeNode(key, vec))
		d.idMap[id] = key
		d.keyMap[key] = id
	}
	d.compactLocked()
	return nil
}

// Orphans returns the number of replaced nodes still held by the graph.
func (d *DenseIndex) Orphans() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.graph.Len() - len(d.idMap)
}

// compactLocked rebuilds the graph from live nodes once replaced nodes
// exceed a quarter of them. Callers hold d.mu.
func (d *DenseIndex) compactLocked() {
	live := len(d.idMap)
	orphans := d.graph.Len() - live
	if orphans <= 0 || orphans*4 <= live {
		return
	}

	ids := make([]uint64, 0, live)
	for id := range d.idMap {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	graph := newGraph()
	idMap := make(map[uint64]uint64, live)
	keyMap := make(map[uint64]uint64, live)
	var next uint64
	for _, id := range ids {
		vec, ok := d.graph.Lookup(d.idMap[id])
		if !ok {
			continue
		}
		graph.Add(hnsw.MakeNode(next, vec))
		idMap[id] = next
		keyMap[next] = id
		next++
	}

	slog.Debug("dense_graph_compacted",
		slog.Int("live", len(idMap)),
		slog.Int("orphans_dropped", orphans))

	d.graph = graph
	d.idMap = idMap
	d.keyMap = keyMap
	d.nextKey = next
}

// Search returns up to k nearest live points to query.
func (d *DenseIndex) Search(query []float32, k int) ([]DenseHit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fmt.Errorf("dense index is closed")
	}
	if len(query) != d.dims {
		return nil, ErrDimensionMismatch{Expected: d.dims, Got: len(query)}
	}
	if d.graph.Len() == 0 || k <= 0 {
		return []DenseHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeVectorInPlace(q)

	// Orphaned nodes can occupy result slots; over-fetch by their count.
	orphans := d.graph.Len() - len(d.idMap)
	nodes := d.graph.Search(q, k+orphans)

	hits := make([]DenseHit, 0, min(k, len(nodes)))
	for _, n := range nodes {
		id, ok := d.keyMap[n.Key]
		if !ok {
			continue
		}
		dist := d.graph.Distance(q, n.Value)
		hits = append(hits, DenseHit{ID: id, Score: 1 - dist})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Count returns the number of live points.
func (d *DenseIndex) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.idMap)
}

// Reset drops every vector.
func (d *DenseIndex) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.graph = newGraph()
	d.idMap = make(map[uint64]uint64)
	d.keyMap = make(map[uint64]uint64)
	d.nextKey = 0
}

// Save persists the graph to path and the ID mapping to path+".meta",
// each written to a temp file and renamed into place.
func (d *DenseIndex) Save(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return fmt.Errorf("dense index is closed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := writeAtomic(path, func(f *os.File) error { return d.graph.Export(f) }); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	meta := denseMeta{IDMap: d.idMap, NextKey: d.nextKey, Dims: d.dims}
	if err := writeAtomic(path+".meta", func(f *os.File) error { return gob.NewEncoder(f).Encode(meta) }); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// Load replaces the index contents with those saved at path. A missing
// file leaves the index empty.
func (d *DenseIndex) Load(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("dense index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := metaFile.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta denseMeta
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode dense metadata: %w", err)
	}
	if meta.Dims != d.dims {
		return ErrDimensionMismatch{Expected: d.dims, Got: meta.Dims}
	}

	graphFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = graphFile.Close() }()

	graph := newGraph()
	// coder/hnsw Import requires an io.ByteReader.
	if err := graph.Import(bufio.NewReader(graphFile)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	d.graph = graph
	d.idMap = meta.IDMap
	d.nextKey = meta.NextKey
	d.keyMap = make(map[uint64]uint64, len(meta.IDMap))
	for id, key := range d.idMap {
		d.keyMap[key] = id
	}
	return nil
}

// Close releases the graph.
func (d *DenseIndex) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.graph = nil
	return nil
}

// ErrDimensionMismatch reports a vector of the wrong size.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
