package store

import (
	"context"
	"sync"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeQdrant records requests and replays canned responses.
type fakeQdrant struct {
	mu sync.Mutex

	exists       bool
	points       []*qdrant.ScoredPoint
	counts       map[string]uint64
	queryErrs    []error
	deleteErr    error
	queryCalls   int
	created      *qdrant.CreateCollection
	deleted      bool
	fieldIndexes map[string]qdrant.FieldType
	queries      []*qdrant.QueryPoints
	upserts      []*qdrant.UpsertPoints
	closed       bool
}

func newFakeQdrant(exists bool) *fakeQdrant {
	return &fakeQdrant{
		exists:       exists,
		counts:       map[string]uint64{},
		fieldIndexes: map[string]qdrant.FieldType{},
	}
}

func (f *fakeQdrant) CollectionExists(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = req
	f.exists = true
	return nil
}

func (f *fakeQdrant) DeleteCollection(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = true
	return f.deleteErr
}

func (f *fakeQdrant) CreateFieldIndex(_ context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fieldIndexes[req.GetFieldName()] = req.GetFieldType()
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	f.queries = append(f.queries, req)
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		return nil, err
	}
	return f.points, nil
}

func (f *fakeQdrant) Count(_ context.Context, req *qdrant.CountPoints) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ""
	for _, c := range req.GetFilter().GetMust() {
		key = c.GetField().GetMatch().GetKeyword()
	}
	return f.counts[key], nil
}

func (f *fakeQdrant) Close() error {
	f.closed = true
	return nil
}

func newTestQdrant(t *testing.T, fake *fakeQdrant) *QdrantIndex {
	t.Helper()
	q, err := newQdrantIndexWithClient(QdrantConfig{Collection: "policies", Dimensions: 2}, fake)
	require.NoError(t, err)
	return q
}

func TestQdrantIndex_QueryUsesPrefetchAndRRF(t *testing.T) {
	// Given: a collection returning one point with an integer date
	fake := newFakeQdrant(true)
	fake.points = []*qdrant.ScoredPoint{{
		Id:    qdrant.NewIDNum(42),
		Score: 0.5,
		Payload: map[string]*qdrant.Value{
			"chunk_id":      {Kind: &qdrant.Value_StringValue{StringValue: "c1"}},
			"source_type":   {Kind: &qdrant.Value_StringValue{StringValue: "Local"}},
			"sortable_date": {Kind: &qdrant.Value_IntegerValue{IntegerValue: 20240101}},
		},
	}}
	q := newTestQdrant(t, fake)

	// When: querying with both vectors and a filter
	results, err := q.Query(context.Background(), Query{
		Dense:  []float32{0.1, 0.2},
		Sparse: SparseVector{Indices: []uint32{3}, Values: []float32{1}},
		Filter: Filter{SourceTypes: []string{"Local"}},
		Limit:  6,
	})

	// Then: the point is decoded
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(42), results[0].ID)
	assert.InDelta(t, 0.5, results[0].Score, 1e-6)
	assert.Equal(t, "c1", results[0].Payload.ChunkID)
	assert.Equal(t, 2024, results[0].Payload.Year())

	// And: the request prefetches dense then sparse and fuses with RRF
	require.Len(t, fake.queries, 1)
	req := fake.queries[0]
	assert.Equal(t, "policies", req.GetCollectionName())
	assert.Equal(t, qdrant.Fusion_RRF, req.GetQuery().GetFusion())
	assert.Equal(t, uint64(6), req.GetLimit())
	require.Len(t, req.GetPrefetch(), 2)
	assert.Equal(t, DenseVectorName, req.GetPrefetch()[0].GetUsing())
	assert.Equal(t, SparseVectorName, req.GetPrefetch()[1].GetUsing())
	for _, p := range req.GetPrefetch() {
		assert.Equal(t, uint64(6), p.GetLimit())
		require.Len(t, p.GetFilter().GetMust(), 1)
		match := p.GetFilter().GetMust()[0].GetField()
		assert.Equal(t, "source_type", match.GetKey())
		assert.Equal(t, []string{"Local"}, match.GetMatch().GetKeywords().GetStrings())
	}
}

func TestQdrantIndex_QueryWithoutVectorsSkipsServer(t *testing.T) {
	fake := newFakeQdrant(true)
	q := newTestQdrant(t, fake)

	results, err := q.Query(context.Background(), Query{Limit: 5})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fake.queryCalls)
}

func TestQdrantIndex_EnsureCollectionCreatesIndexes(t *testing.T) {
	// Given: no collection
	fake := newFakeQdrant(false)
	q := newTestQdrant(t, fake)

	// When: ensuring the collection
	require.NoError(t, q.EnsureCollection(context.Background()))

	// Then: dense cosine and IDF sparse vectors are configured
	require.NotNil(t, fake.created)
	dense := fake.created.GetVectorsConfig().GetParamsMap().GetMap()[DenseVectorName]
	require.NotNil(t, dense)
	assert.Equal(t, uint64(2), dense.GetSize())
	assert.Equal(t, qdrant.Distance_Cosine, dense.GetDistance())
	sparse := fake.created.GetSparseVectorsConfig().GetMap()[SparseVectorName]
	require.NotNil(t, sparse)
	assert.Equal(t, qdrant.Modifier_Idf, sparse.GetModifier())

	// And: payload indexes exist for every filter field
	assert.Equal(t, map[string]qdrant.FieldType{
		"source_type":    qdrant.FieldType_FieldTypeKeyword,
		"organization":   qdrant.FieldType_FieldTypeKeyword,
		"clinical_area":  qdrant.FieldType_FieldTypeKeyword,
		"priority_score": qdrant.FieldType_FieldTypeFloat,
	}, fake.fieldIndexes)
}

func TestQdrantIndex_EnsureCollectionSkipsExisting(t *testing.T) {
	fake := newFakeQdrant(true)
	q := newTestQdrant(t, fake)

	require.NoError(t, q.EnsureCollection(context.Background()))

	assert.Nil(t, fake.created)
	assert.Empty(t, fake.fieldIndexes)
}

func TestQdrantIndex_RecreateIgnoresMissingCollection(t *testing.T) {
	fake := newFakeQdrant(false)
	fake.deleteErr = status.Error(codes.NotFound, "collection not found")
	q := newTestQdrant(t, fake)

	require.NoError(t, q.Recreate(context.Background()))

	assert.True(t, fake.deleted)
	assert.NotNil(t, fake.created)
}

func TestQdrantIndex_Stats(t *testing.T) {
	fake := newFakeQdrant(true)
	fake.counts = map[string]uint64{"": 3, "Local": 2, "National": 1}
	q := newTestQdrant(t, fake)

	stats, err := q.Stats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "qdrant", stats.Backend)
	assert.Equal(t, 3, stats.Points)
	assert.Equal(t, 2, stats.Dimensions)
	assert.Equal(t, map[string]int{"Local": 2, "National": 1}, stats.BySourceType)
}

func TestQdrantIndex_HealthRequiresCollection(t *testing.T) {
	fake := newFakeQdrant(false)
	q := newTestQdrant(t, fake)

	assert.Error(t, q.Health(context.Background()))

	fake.exists = true
	assert.NoError(t, q.Health(context.Background()))
}

func TestQdrantIndex_UpsertSendsNamedVectors(t *testing.T) {
	fake := newFakeQdrant(true)
	q := newTestQdrant(t, fake)

	err := q.Upsert(context.Background(), []Point{{
		ID:      7,
		Dense:   []float32{1, 0},
		Sparse:  SparseVector{Indices: []uint32{1}, Values: []float32{2}},
		Payload: Payload{ChunkID: "c7", SourceType: "National", PriorityScore: 0.8},
	}})

	require.NoError(t, err)
	require.Len(t, fake.upserts, 1)
	req := fake.upserts[0]
	assert.True(t, req.GetWait())
	require.Len(t, req.GetPoints(), 1)
	p := req.GetPoints()[0]
	assert.Equal(t, uint64(7), p.GetId().GetNum())
	named := p.GetVectors().GetVectors().GetVectors()
	assert.Contains(t, named, DenseVectorName)
	assert.Contains(t, named, SparseVectorName)
	assert.Equal(t, "c7", p.GetPayload()["chunk_id"].GetStringValue())
	assert.InDelta(t, 0.8, p.GetPayload()["priority_score"].GetDoubleValue(), 1e-9)
}

func TestQdrantIndex_UpsertRejectsWrongDims(t *testing.T) {
	fake := newFakeQdrant(true)
	q := newTestQdrant(t, fake)

	err := q.Upsert(context.Background(), []Point{{ID: 1, Dense: []float32{1, 2, 3}}})

	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Expected)
	assert.Empty(t, fake.upserts)
}

func TestQdrantIndex_RetriesUnavailable(t *testing.T) {
	// Given: a server that is briefly unavailable
	fake := newFakeQdrant(true)
	fake.queryErrs = []error{status.Error(codes.Unavailable, "connection refused")}
	q := newTestQdrant(t, fake)

	// When: querying
	_, err := q.Query(context.Background(), Query{Dense: []float32{1, 0}, Limit: 3})

	// Then: the second attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, 2, fake.queryCalls)
}

func TestQdrantIndex_DoesNotRetryClientErrors(t *testing.T) {
	fake := newFakeQdrant(true)
	fake.queryErrs = []error{status.Error(codes.InvalidArgument, "bad vector")}
	q := newTestQdrant(t, fake)

	_, err := q.Query(context.Background(), Query{Dense: []float32{1, 0}, Limit: 3})

	require.Error(t, err)
	assert.Equal(t, 1, fake.queryCalls)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQdrantClientConfig(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "explicit port", url: "http://qdrant:6334", host: "qdrant", port: 6334},
		{name: "default port", url: "http://localhost", host: "localhost", port: 6334},
		{name: "https enables tls", url: "https://cloud.example.com:443", host: "cloud.example.com", port: 443, tls: true},
		{name: "no host", url: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := qdrantClientConfig(QdrantConfig{URL: tt.url, APIKey: "k"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, cfg.Host)
			assert.Equal(t, tt.port, cfg.Port)
			assert.Equal(t, tt.tls, cfg.UseTLS)
			assert.Equal(t, "k", cfg.APIKey)
		})
	}
}
