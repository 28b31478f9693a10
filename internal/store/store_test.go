package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDims = 4

func testPoint(chunkID, sourceType string, dense []float32, terms ...uint32) Point {
	sparse := SparseVector{}
	for _, t := range terms {
		sparse.Indices = append(sparse.Indices, t)
		sparse.Values = append(sparse.Values, 1.0)
	}
	return Point{
		ID:     PointID(chunkID),
		Dense:  dense,
		Sparse: sparse,
		Payload: Payload{
			ChunkID:      chunkID,
			Text:         "text of " + chunkID,
			SourceType:   sourceType,
			Organization: "Org",
			FileName:     chunkID + ".pdf",
		},
	}
}

func TestPointID_StableAndBounded(t *testing.T) {
	a := PointID("doc_1_chunk_0")
	b := PointID("doc_1_chunk_0")
	c := PointID("doc_1_chunk_1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Less(t, a, uint64(1)<<60)
}

func TestPayload_Year(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    int
	}{
		{"sortable date", Payload{SortableDate: "20230115"}, 2023},
		{"last updated fallback", Payload{LastUpdated: "2021-06"}, 2021},
		{"sortable wins", Payload{SortableDate: "20240101", LastUpdated: "2019-01"}, 2024},
		{"unknown", Payload{LastUpdated: "Unknown"}, 0},
		{"empty", Payload{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.Year())
		})
	}
}

func TestFlexString_AcceptsNumberAndString(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`{"sortable_date": 20240301, "last_updated": "2024-03"}`), &p))
	assert.Equal(t, FlexString("20240301"), p.SortableDate)
	assert.Equal(t, FlexString("2024-03"), p.LastUpdated)

	require.NoError(t, json.Unmarshal([]byte(`{"sortable_date": null}`), &p))
	assert.Equal(t, FlexString(""), p.SortableDate)
}

func TestFilter_Matches(t *testing.T) {
	p := Payload{SourceType: "Local", Organization: "ICB", ClinicalArea: "Diabetes"}

	assert.True(t, Filter{}.Matches(p))
	assert.True(t, Filter{SourceTypes: []string{"National", "Local"}}.Matches(p))
	assert.False(t, Filter{SourceTypes: []string{"National"}}.Matches(p))
	assert.False(t, Filter{SourceTypes: []string{"Local"}, Organizations: []string{"NICE"}}.Matches(p))
}

func TestRRFFusion_Fuse(t *testing.T) {
	f := NewRRFFusion(60)

	// Given: 2 is ranked in both lists, 1 and 3 in one each
	hits := f.Fuse([]uint64{1, 2}, []uint64{2, 3})

	// Then: the shared document wins and ties break by ID
	require.Len(t, hits, 3)
	assert.Equal(t, uint64(2), hits[0].ID)
	assert.InDelta(t, 1.0/62+1.0/61, hits[0].Score, 1e-12)
	assert.Equal(t, uint64(1), hits[1].ID)
	assert.Equal(t, uint64(3), hits[2].ID)
	assert.Equal(t, hits[1].Score, hits[2].Score)
}

func TestNewRRFFusion_DefaultK(t *testing.T) {
	assert.Equal(t, DefaultRRFConstant, NewRRFFusion(0).K)
}

func TestDenseIndex_SearchAndReplace(t *testing.T) {
	d := NewDenseIndex(testDims)

	require.NoError(t, d.Add([]uint64{1, 2}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	hits, err := d.Search([]float32{1, 0.1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(1), hits[0].ID)

	// When: point 1 is replaced with a vector pointing elsewhere
	require.NoError(t, d.Add([]uint64{1}, [][]float32{{0, 0, 1, 0}}))

	// Then: the count is unchanged and the old vector no longer matches as 1
	assert.Equal(t, 2, d.Count())
	hits, err = d.Search([]float32{0, 0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(1), hits[0].ID)
}

func TestDenseIndex_CompactsOrphans(t *testing.T) {
	// Given: eight live points
	d := NewDenseIndex(testDims)
	vec := func(i int) []float32 { return []float32{float32(i + 1), 1, float32(i % 3), 0} }
	for i := 0; i < 8; i++ {
		require.NoError(t, d.Add([]uint64{uint64(i)}, [][]float32{vec(i)}))
	}

	// When: two points are replaced
	require.NoError(t, d.Add([]uint64{0, 1}, [][]float32{vec(0), vec(1)}))

	// Then: the replaced nodes stay as orphans at a quarter of live points
	assert.Equal(t, 2, d.Orphans())

	// When: a third replacement tips the ratio
	require.NoError(t, d.Add([]uint64{2}, [][]float32{vec(2)}))

	// Then: the graph is rebuilt from live points only
	assert.Zero(t, d.Orphans())
	assert.Equal(t, 8, d.Count())
	for i := 0; i < 8; i++ {
		hits, err := d.Search(vec(i), 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, uint64(i), hits[0].ID)
	}
}

func TestDenseIndex_RepeatedReplaceStaysBounded(t *testing.T) {
	d := NewDenseIndex(testDims)
	require.NoError(t, d.Add([]uint64{1, 2, 3, 4}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}))

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Add([]uint64{1}, [][]float32{{1, 0.01 * float32(i), 0, 0}}))
		assert.LessOrEqual(t, d.Orphans()*4, d.Count())
	}

	hits, err := d.Search([]float32{0, 0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(4), hits[0].ID)
}

func TestDenseIndex_DimensionMismatch(t *testing.T) {
	d := NewDenseIndex(testDims)
	err := d.Add([]uint64{1}, [][]float32{{1, 2}})
	var dm ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 2, dm.Got)

	_, err = d.Search([]float32{1}, 1)
	assert.Error(t, err)
}

func TestDenseIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.hnsw")
	d := NewDenseIndex(testDims)
	require.NoError(t, d.Add([]uint64{7, 8}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	require.NoError(t, d.Save(path))

	loaded := NewDenseIndex(testDims)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 2, loaded.Count())

	hits, err := loaded.Search([]float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(8), hits[0].ID)

	wrong := NewDenseIndex(8)
	assert.Error(t, wrong.Load(path))
}

func TestPointStore_SparseSearchIDF(t *testing.T) {
	ctx := context.Background()
	s, err := NewPointStore("")
	require.NoError(t, err)
	defer s.Close()

	// Given: term 100 is rare, term 200 is in every document
	require.NoError(t, s.Upsert(ctx, []Point{
		testPoint("a", "Local", nil, 100, 200),
		testPoint("b", "National", nil, 200),
		testPoint("c", "National", nil, 200),
	}))

	// When: querying both terms
	hits, err := s.SparseSearch(ctx, SparseVector{Indices: []uint32{100, 200}, Values: []float32{1, 1}}, Filter{}, 10)

	// Then: the document with the rare term ranks first
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, PointID("a"), hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestPointStore_SparseSearchFilter(t *testing.T) {
	ctx := context.Background()
	s, err := NewPointStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, []Point{
		testPoint("a", "Local", nil, 1),
		testPoint("b", "National", nil, 1),
	}))

	hits, err := s.SparseSearch(ctx, SparseVector{Indices: []uint32{1}, Values: []float32{1}},
		Filter{SourceTypes: []string{"National"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, PointID("b"), hits[0].ID)
}

func TestPointStore_UpsertReplacesPostings(t *testing.T) {
	ctx := context.Background()
	s, err := NewPointStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(ctx, []Point{testPoint("a", "Local", nil, 1)}))
	require.NoError(t, s.Upsert(ctx, []Point{testPoint("a", "Local", nil, 2)}))

	hits, err := s.SparseSearch(ctx, SparseVector{Indices: []uint32{1}, Values: []float32{1}}, Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLocalIndex_HybridQuery(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, []Point{
		testPoint("dense-match", "Local", []float32{1, 0, 0, 0}, 9),
		testPoint("sparse-match", "National", []float32{0, 0, 0, 1}, 5),
		testPoint("both", "Legal", []float32{0.9, 0.1, 0, 0}, 5, 6),
	}))

	results, err := idx.Query(ctx, Query{
		Dense:  []float32{1, 0, 0, 0},
		Sparse: SparseVector{Indices: []uint32{5, 6}, Values: []float32{1, 1}},
		Limit:  3,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "both", results[0].Payload.ChunkID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestLocalIndex_QueryFilter(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, []Point{
		testPoint("local", "Local", []float32{1, 0, 0, 0}, 1),
		testPoint("national", "National", []float32{1, 0, 0, 0}, 1),
	}))

	results, err := idx.Query(ctx, Query{
		Dense:  []float32{1, 0, 0, 0},
		Sparse: SparseVector{Indices: []uint32{1}, Values: []float32{1}},
		Filter: Filter{SourceTypes: []string{"National"}},
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "national", results[0].Payload.ChunkID)
}

func TestLocalIndex_QuerySingleLeg(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, []Point{
		testPoint("dense-only", "Local", []float32{1, 0, 0, 0}, 9),
		testPoint("sparse-only", "National", []float32{0, 0, 0, 1}, 5),
	}))

	// When: only a dense vector is given
	results, err := idx.Query(ctx, Query{Dense: []float32{1, 0, 0, 0}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dense-only", results[0].Payload.ChunkID)

	// When: only a sparse vector is given
	results, err = idx.Query(ctx, Query{Sparse: SparseVector{Indices: []uint32{5}, Values: []float32{1}}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sparse-only", results[0].Payload.ChunkID)
}

func TestLocalIndex_QueryCancelled(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.Upsert(ctx, []Point{testPoint("a", "Local", []float32{1, 0, 0, 0}, 1)}))

	// Given: a context cancelled before the query
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	// When: both legs run
	_, err = idx.Query(cancelled, Query{
		Dense:  []float32{1, 0, 0, 0},
		Sparse: SparseVector{Indices: []uint32{1}, Values: []float32{1}},
		Limit:  3,
	})

	// Then: the sparse leg's cancellation fails the query
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalIndex_ConcurrentQueries(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()

	var points []Point
	for i := 0; i < 20; i++ {
		points = append(points, testPoint(fmt.Sprintf("c%d", i), "Local", []float32{float32(i + 1), 1, 0, 0}, uint32(i%4)))
	}
	require.NoError(t, idx.Upsert(ctx, points))

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := idx.Query(ctx, Query{
				Dense:  []float32{1, 1, 0, 0},
				Sparse: SparseVector{Indices: []uint32{1, 2}, Values: []float32{1, 1}},
				Filter: Filter{SourceTypes: []string{"Local"}},
				Limit:  5,
			})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestLocalIndex_PersistsAndRebuilds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := OpenLocal(ctx, LocalConfig{DataDir: dir, Dimensions: testDims})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Upsert(ctx, []Point{
			testPoint(fmt.Sprintf("c%d", i), "Local", []float32{float32(i + 1), 1, 0, 0}, uint32(i)),
		}))
	}
	require.NoError(t, idx.Close())

	// When: reopening with the graph files present
	idx, err = OpenLocal(ctx, LocalConfig{DataDir: dir, Dimensions: testDims})
	require.NoError(t, err)
	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Points)
	assert.Equal(t, 5, idx.dense.Count())
	assert.Equal(t, map[string]int{"Local": 5}, stats.BySourceType)
	require.NoError(t, idx.Close())
}

func TestLocalIndex_Recreate(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{DataDir: t.TempDir(), Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, []Point{testPoint("a", "Local", []float32{1, 0, 0, 0}, 1)}))
	require.NoError(t, idx.Recreate(ctx))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Points)
	assert.Zero(t, idx.dense.Count())
}

func TestLocalIndex_UpsertRejectsWrongDims(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenLocal(ctx, LocalConfig{Dimensions: testDims})
	require.NoError(t, err)
	defer idx.Close()

	err = idx.Upsert(ctx, []Point{testPoint("a", "Local", []float32{1}, 1)})
	assert.ErrorAs(t, err, &ErrDimensionMismatch{})
}
