package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
)

// Qdrant defaults. The client speaks gRPC.
const (
	DefaultQdrantURL        = "http://localhost:6334"
	DefaultQdrantCollection = "nhs_expert_policy"
	DefaultQdrantTimeout    = 5 * time.Second
	defaultQdrantGRPCPort   = 6334
)

// qdrantKeywordFields get keyword payload indexes for filtering and counts.
var qdrantKeywordFields = []string{"source_type", "organization", "clinical_area"}

// qdrantSourceTypes are counted individually by Stats.
var qdrantSourceTypes = []string{"Local", "National", "Legal", "Governance"}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimensions int
	Timeout    time.Duration
}

// qdrantAPI is the part of *qdrant.Client the index uses.
type qdrantAPI interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, collectionName string) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantIndex is a HybridIndex backed by a Qdrant collection with a named
// dense vector and a named IDF-weighted sparse vector. Fusion runs
// server-side through the Query API.
type QdrantIndex struct {
	client qdrantAPI
	cfg    QdrantConfig
}

var _ HybridIndex = (*QdrantIndex)(nil)

// NewQdrantIndex creates a client. The connection is established lazily;
// call EnsureCollection before ingesting.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	cfg, err := qdrantDefaults(cfg)
	if err != nil {
		return nil, err
	}
	clientCfg, err := qdrantClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, cfg: cfg}, nil
}

func newQdrantIndexWithClient(cfg QdrantConfig, client qdrantAPI) (*QdrantIndex, error) {
	cfg, err := qdrantDefaults(cfg)
	if err != nil {
		return nil, err
	}
	return &QdrantIndex{client: client, cfg: cfg}, nil
}

func qdrantDefaults(cfg QdrantConfig) (QdrantConfig, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultQdrantURL
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultQdrantCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQdrantTimeout
	}
	if cfg.Dimensions <= 0 {
		return cfg, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	return cfg, nil
}

// qdrantClientConfig maps a URL such as https://host:6334 onto the gRPC
// client settings. A missing port means 6334; https enables TLS.
func qdrantClientConfig(cfg QdrantConfig) (*qdrant.Config, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid qdrant url %q", cfg.URL)
	}
	port := defaultQdrantGRPCPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid qdrant port %q: %w", p, err)
		}
	}
	return &qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	}, nil
}

func toQdrantFilter(f Filter) *qdrant.Filter {
	if f.IsEmpty() {
		return nil
	}
	qf := &qdrant.Filter{}
	add := func(key string, values []string) {
		if len(values) > 0 {
			qf.Must = append(qf.Must, qdrant.NewMatchKeywords(key, values...))
		}
	}
	add("source_type", f.SourceTypes)
	add("organization", f.Organizations)
	add("clinical_area", f.ClinicalAreas)
	return qf
}

// Query implements HybridIndex using prefetch on both vectors and RRF fusion.
func (q *QdrantIndex) Query(ctx context.Context, query Query) ([]ScoredPoint, error) {
	if query.Limit <= 0 {
		return []ScoredPoint{}, nil
	}

	filter := toQdrantFilter(query.Filter)
	limit := qdrant.PtrOf(uint64(query.Limit))

	var prefetch []*qdrant.PrefetchQuery
	if len(query.Dense) > 0 {
		prefetch = append(prefetch, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQueryDense(query.Dense),
			Using:  qdrant.PtrOf(DenseVectorName),
			Limit:  limit,
			Filter: filter,
		})
	}
	if !query.Sparse.IsEmpty() {
		prefetch = append(prefetch, &qdrant.PrefetchQuery{
			Query:  qdrant.NewQuerySparse(query.Sparse.Indices, query.Sparse.Values),
			Using:  qdrant.PtrOf(SparseVectorName),
			Limit:  limit,
			Filter: filter,
		})
	}
	if len(prefetch) == 0 {
		return []ScoredPoint{}, nil
	}

	req := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Prefetch:       prefetch,
		Query:          qdrant.NewQueryFusion(qdrant.Fusion_RRF),
		Limit:          limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	}

	var points []*qdrant.ScoredPoint
	err := q.call(ctx, "query", func(ctx context.Context) error {
		var err error
		points, err = q.client.Query(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, len(points))
	for i, p := range points {
		out[i] = ScoredPoint{
			ID:      p.GetId().GetNum(),
			Score:   float64(p.GetScore()),
			Payload: payloadFromQdrant(p.GetPayload()),
		}
	}
	return out, nil
}

// Upsert implements HybridIndex.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if len(p.Dense) != q.cfg.Dimensions {
			return ErrDimensionMismatch{Expected: q.cfg.Dimensions, Got: len(p.Dense)}
		}
		vectors := map[string]*qdrant.Vector{DenseVectorName: qdrant.NewVectorDense(p.Dense)}
		if !p.Sparse.IsEmpty() {
			vectors[SparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(p.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: payloadToQdrant(p.Payload),
		}
	}

	req := &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	}
	return q.call(ctx, "upsert", func(ctx context.Context) error {
		_, err := q.client.Upsert(ctx, req)
		return err
	})
}

// EnsureCollection creates the collection and its payload indexes when
// missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return q.create(ctx)
}

func (q *QdrantIndex) create(ctx context.Context) error {
	req := &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			DenseVectorName: {Size: uint64(q.cfg.Dimensions), Distance: qdrant.Distance_Cosine},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			SparseVectorName: {Modifier: qdrant.Modifier_Idf.Enum()},
		}),
	}
	if err := q.call(ctx, "create collection", func(ctx context.Context) error {
		return q.client.CreateCollection(ctx, req)
	}); err != nil {
		return err
	}

	for _, field := range qdrantKeywordFields {
		if err := q.createFieldIndex(ctx, field, qdrant.FieldType_FieldTypeKeyword); err != nil {
			return err
		}
	}
	return q.createFieldIndex(ctx, "priority_score", qdrant.FieldType_FieldTypeFloat)
}

func (q *QdrantIndex) createFieldIndex(ctx context.Context, field string, fieldType qdrant.FieldType) error {
	req := &qdrant.CreateFieldIndexCollection{
		CollectionName: q.cfg.Collection,
		FieldName:      field,
		FieldType:      fieldType.Enum(),
		Wait:           qdrant.PtrOf(true),
	}
	return q.call(ctx, "create payload index "+field, func(ctx context.Context) error {
		_, err := q.client.CreateFieldIndex(ctx, req)
		return err
	})
}

// Recreate implements HybridIndex.
func (q *QdrantIndex) Recreate(ctx context.Context) error {
	err := q.call(ctx, "delete collection", func(ctx context.Context) error {
		return q.client.DeleteCollection(ctx, q.cfg.Collection)
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return q.create(ctx)
}

// Stats implements HybridIndex. Per-source counts are exact filtered counts;
// a failed count leaves BySourceType partial rather than failing Stats.
func (q *QdrantIndex) Stats(ctx context.Context) (Stats, error) {
	total, err := q.count(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Backend:      "qdrant",
		Points:       int(total),
		Dimensions:   q.cfg.Dimensions,
		BySourceType: make(map[string]int),
	}
	for _, st := range qdrantSourceTypes {
		n, err := q.count(ctx, &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("source_type", st)}})
		if err != nil || n == 0 {
			continue
		}
		stats.BySourceType[st] = int(n)
	}
	return stats, nil
}

func (q *QdrantIndex) count(ctx context.Context, filter *qdrant.Filter) (uint64, error) {
	req := &qdrant.CountPoints{
		CollectionName: q.cfg.Collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	}
	var n uint64
	err := q.call(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = q.client.Count(ctx, req)
		return err
	})
	return n, err
}

// Health implements HybridIndex: the collection must exist.
func (q *QdrantIndex) Health(ctx context.Context) error {
	exists, err := q.exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("collection %q does not exist", q.cfg.Collection)
	}
	return nil
}

func (q *QdrantIndex) exists(ctx context.Context) (bool, error) {
	var exists bool
	err := q.call(ctx, "collection exists", func(ctx context.Context) error {
		var err error
		exists, err = q.client.CollectionExists(ctx, q.cfg.Collection)
		return err
	})
	return exists, err
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// call runs fn with a per-attempt timeout, retrying transient failures.
func (q *QdrantIndex) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := perrors.DefaultRetryConfig()
	cfg.ShouldRetry = func(err error) bool { return ctx.Err() == nil && retryable(err) }
	err := perrors.Retry(ctx, cfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", op, err)
	}
	return nil
}

func isNotFound(err error) bool {
	s, ok := status.FromError(err)
	return ok && s.Code() == codes.NotFound
}

// retryable reports whether a failed call may succeed when repeated:
// unavailable, overloaded or timed-out servers.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded, codes.Internal:
		return true
	default:
		return false
	}
}

func payloadToQdrant(p Payload) map[string]*qdrant.Value {
	str := func(s string) *qdrant.Value {
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
	}
	return map[string]*qdrant.Value{
		"chunk_id":        str(p.ChunkID),
		"text":            str(p.Text),
		"source_type":     str(p.SourceType),
		"organization":    str(p.Organization),
		"file_name":       str(p.FileName),
		"file_path":       str(p.FilePath),
		"clinical_area":   str(p.ClinicalArea),
		"last_updated":    str(string(p.LastUpdated)),
		"sortable_date":   str(string(p.SortableDate)),
		"context_header":  str(p.ContextHeader),
		"priority_score":  {Kind: &qdrant.Value_DoubleValue{DoubleValue: p.PriorityScore}},
		"is_presentation": {Kind: &qdrant.Value_BoolValue{BoolValue: p.IsPresentation}},
	}
}

func payloadFromQdrant(m map[string]*qdrant.Value) Payload {
	return Payload{
		ChunkID:        valueString(m["chunk_id"]),
		Text:           valueString(m["text"]),
		SourceType:     valueString(m["source_type"]),
		Organization:   valueString(m["organization"]),
		FileName:       valueString(m["file_name"]),
		FilePath:       valueString(m["file_path"]),
		ClinicalArea:   valueString(m["clinical_area"]),
		LastUpdated:    FlexString(valueString(m["last_updated"])),
		SortableDate:   FlexString(valueString(m["sortable_date"])),
		PriorityScore:  valueFloat(m["priority_score"]),
		IsPresentation: m["is_presentation"].GetBoolValue(),
		ContextHeader:  valueString(m["context_header"]),
	}
}

// valueString renders strings and numbers as text. Collections loaded by
// other tools store dates as integers.
func valueString(v *qdrant.Value) string {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(k.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(k.DoubleValue, 'f', -1, 64)
	default:
		return ""
	}
}

func valueFloat(v *qdrant.Value) float64 {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_IntegerValue:
		return float64(k.IntegerValue)
	default:
		return 0
	}
}
