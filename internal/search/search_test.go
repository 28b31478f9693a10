package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/policyrag/internal/embed"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/llm"
	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/store"
)

const currentYear = 2025

func cand(id string, score float64, sourceType, date string) Candidate {
	return Candidate{
		ChunkID:    id,
		FusedScore: score,
		Payload: store.Payload{
			ChunkID:      id,
			Text:         "text of " + id,
			SourceType:   sourceType,
			SortableDate: store.FlexString(date),
		},
	}
}

// --- Expander ---

func TestParseTerms(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		k       int
		want    []string
		wantErr bool
	}{
		{"plain array", `["IFR bariatric", "NICE TA", "commissioning"]`, 3, []string{"IFR bariatric", "NICE TA", "commissioning"}, false},
		{"code fence", "```json\n[\"a\", \"b\"]\n```", 3, []string{"a", "b"}, false},
		{"prose around array", `Here you go: ["x", "y"] hope that helps`, 3, []string{"x", "y"}, false},
		{"truncates to k", `["a", "b", "c", "d"]`, 2, []string{"a", "b"}, false},
		{"drops duplicates case-insensitively", `["Metformin", "metformin ", "HbA1c"]`, 3, []string{"Metformin", "HbA1c"}, false},
		{"drops non-strings and blanks", `["a", 3, null, "  ", "b"]`, 3, []string{"a", "b"}, false},
		{"object is rejected", `{"terms": "a"}`, 3, nil, true},
		{"empty array", `[]`, 3, nil, true},
		{"not json", `bariatric surgery`, 3, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTerms(tt.raw, tt.k)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpander_Expand(t *testing.T) {
	// Given a generator that answers with three terms
	gen := llm.NewStaticGenerator(`["bariatric IFR criteria", "NICE CG189 obesity", "ICB commissioning policy"]`)
	e := NewExpander(gen, ExpanderConfig{Terms: 3})

	// When expanding
	exp := e.Expand(context.Background(), "Can I get weight loss surgery?")

	// Then the terms are returned and the prompt asked for K terms
	assert.False(t, exp.Fallback)
	assert.Equal(t, []string{"bariatric IFR criteria", "NICE CG189 obesity", "ICB commissioning policy"}, exp.Terms)
	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "exactly 3 distinct search terms")
	assert.Contains(t, reqs[0].Prompt, "Can I get weight loss surgery?")
	assert.Equal(t, DefaultExpansionTemperature, reqs[0].Temperature)
}

func TestExpander_FallsBackToQuery(t *testing.T) {
	tests := []struct {
		name string
		gen  llm.Generator
	}{
		{"generator error", llm.NewStaticGenerator("").WithError(errors.New("connection refused"))},
		{"malformed output", llm.NewStaticGenerator("I cannot help with that")},
		{"no generator", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExpander(tt.gen, ExpanderConfig{})
			exp := e.Expand(context.Background(), "hip replacement")

			assert.True(t, exp.Fallback)
			assert.Equal(t, []string{"hip replacement"}, exp.Terms)
			assert.NotEmpty(t, exp.Reason)
		})
	}
}

func TestExpander_CircuitOpensAfterFailures(t *testing.T) {
	// Given a failing generator and a breaker that opens after two failures
	gen := llm.NewStaticGenerator("").WithError(errors.New("boom"))
	e := NewExpander(gen, ExpanderConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	// When expanding more times than the threshold
	for i := 0; i < 4; i++ {
		exp := e.Expand(context.Background(), "q")
		assert.True(t, exp.Fallback)
	}

	// Then the generator is not called once the circuit is open
	assert.Len(t, gen.Requests(), 2)
}

func TestExpander_CancelledCallsDoNotOpenCircuit(t *testing.T) {
	// Given a healthy generator and a breaker that opens after two failures
	gen := llm.NewStaticGenerator(`["IVF eligibility", "fertility commissioning"]`)
	e := NewExpander(gen, ExpanderConfig{Terms: 2, MaxFailures: 2, ResetTimeout: time.Hour})

	// When callers keep giving up before the generator answers
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		exp := e.Expand(cancelled, "ivf")
		assert.True(t, exp.Fallback)
	}

	// Then the circuit stays closed and the next live request is expanded
	assert.Equal(t, perrors.StateClosed, e.breaker.State())
	assert.Zero(t, e.breaker.Failures())
	exp := e.Expand(context.Background(), "ivf")
	assert.False(t, exp.Fallback)
	assert.Equal(t, []string{"IVF eligibility", "fertility commissioning"}, exp.Terms)
}

// --- Aggregate ---

func TestAggregate_KeepsMaxScore(t *testing.T) {
	// Given the same chunk from two terms
	lists := [][]Candidate{
		{cand("a", 0.4, "National", ""), cand("b", 0.9, "Local", "")},
		{cand("a", 0.7, "National", ""), cand("c", 0.2, "Legal", "")},
	}

	// When aggregating
	out := Aggregate(lists)

	// Then each chunk appears once with its best score, in first-seen order
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, 0.7, out[0].FusedScore)
	assert.Equal(t, 1, out[0].Term)
	assert.Equal(t, "b", out[1].ChunkID)
	assert.Equal(t, "c", out[2].ChunkID)
}

func TestAggregate_TieKeepsFirstSeen(t *testing.T) {
	first := cand("a", 0.5, "National", "")
	first.Payload.Text = "from term 0"
	second := cand("a", 0.5, "National", "")
	second.Payload.Text = "from term 1"

	out := Aggregate([][]Candidate{{first}, {second}})

	require.Len(t, out, 1)
	assert.Equal(t, "from term 0", out[0].Payload.Text)
	assert.Equal(t, 0, out[0].Term)
}

func TestAggregate_Idempotent(t *testing.T) {
	// Given overlapping lists from three terms
	lists := [][]Candidate{
		{cand("a", 0.4, "National", "20200101"), cand("b", 0.9, "Local", "20240101")},
		{cand("a", 0.7, "National", "20200101"), cand("c", 0.2, "Legal", "")},
		{cand("b", 0.9, "Local", "20240101"), cand("d", 0.1, "Governance", "2019")},
	}
	snapshot := make([][]Candidate, len(lists))
	for i, l := range lists {
		snapshot[i] = append([]Candidate(nil), l...)
	}

	// When aggregating the same input twice
	first := Aggregate(lists)
	second := Aggregate(lists)

	// Then both runs keep the same chunk ids with identical surviving scores
	require.Len(t, first, 4)
	assert.Equal(t, first, second)
	scores := make(map[string]float64, len(first))
	for _, c := range first {
		scores[c.ChunkID] = c.FusedScore
	}
	assert.Equal(t, map[string]float64{"a": 0.7, "b": 0.9, "c": 0.2, "d": 0.1}, scores)

	// And the input lists are left untouched
	assert.Equal(t, snapshot, lists)

	// And feeding the deduplicated output back in changes nothing
	again := Aggregate([][]Candidate{first})
	require.Len(t, again, len(first))
	for i := range first {
		assert.Equal(t, first[i].ChunkID, again[i].ChunkID)
		assert.Equal(t, first[i].FusedScore, again[i].FusedScore)
	}
}

func TestAggregate_Empty(t *testing.T) {
	assert.Equal(t, []Candidate{}, Aggregate(nil))
	assert.Equal(t, []Candidate{}, Aggregate([][]Candidate{{}, nil}))
}

// --- Rerank ---

func TestRerank_SimilarityDominatesAuthority(t *testing.T) {
	// Given a strong national chunk from 2020 and a weaker local chunk from 2025
	cands := []Candidate{
		cand("local", 0.20, "Local", "20250101"),
		cand("national", 0.80, "National", "20200101"),
	}

	// When reranking in 2025
	ranked, err := Rerank(scoring.DefaultPolicy(), cands, currentYear)
	require.NoError(t, err)

	// Then similarity outweighs the authority tier
	require.Len(t, ranked, 2)
	assert.Equal(t, "national", ranked[0].ChunkID)
	assert.InDelta(t, 0.86, ranked[0].Final, 1e-9)
	assert.Equal(t, "local", ranked[1].ChunkID)
	assert.InDelta(t, 0.30, ranked[1].Final, 1e-9)
}

func TestRerank_AuthorityBreaksEqualSimilarity(t *testing.T) {
	tiers := []string{"Governance", "National", "Local"}
	cands := make([]Candidate, 0, len(tiers))
	for _, st := range tiers {
		cands = append(cands, cand(st, 0.5, st, "20230101"))
	}

	ranked, err := Rerank(scoring.DefaultPolicy(), cands, currentYear)
	require.NoError(t, err)

	ids := []string{ranked[0].ChunkID, ranked[1].ChunkID, ranked[2].ChunkID}
	assert.Equal(t, []string{"Local", "National", "Governance"}, ids)
}

func TestRerank_SingleCandidateNormalisesToOne(t *testing.T) {
	ranked, err := Rerank(scoring.DefaultPolicy(), []Candidate{cand("x", 0.016, "Legal", "")}, currentYear)
	require.NoError(t, err)

	require.Len(t, ranked, 1)
	assert.Equal(t, 1.0, ranked[0].Similarity)
	assert.Equal(t, scoring.NeutralRecency, ranked[0].Recency)
	assert.InDelta(t, 0.7+0.2*0.5+0.1*0.5, ranked[0].Final, 1e-9)
}

func TestRerank_TiesOrderedByChunkID(t *testing.T) {
	cands := []Candidate{
		cand("c", 0.5, "National", "20250101"),
		cand("a", 0.5, "National", "20250101"),
		cand("b", 0.5, "National", "20250101"),
	}

	ranked, err := Rerank(scoring.DefaultPolicy(), cands, currentYear)
	require.NoError(t, err)

	ids := []string{ranked[0].ChunkID, ranked[1].ChunkID, ranked[2].ChunkID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRerank_ScoresWithinBounds(t *testing.T) {
	cands := []Candidate{
		cand("a", 3.2, "Local", "20300101"),
		cand("b", -1.0, "Governance", "19900101"),
		cand("c", 0.0, "legal", ""),
		cand("d", 1.1, " national ", "2021-04"),
	}

	ranked, err := Rerank(scoring.DefaultPolicy(), cands, currentYear)
	require.NoError(t, err)

	for _, r := range ranked {
		assert.GreaterOrEqual(t, r.Similarity, 0.0)
		assert.LessOrEqual(t, r.Similarity, 1.0)
		assert.GreaterOrEqual(t, r.Final, 0.0)
		assert.LessOrEqual(t, r.Final, 1.0)
	}
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Final, ranked[i].Final)
	}
}

func TestRerank_UnknownSourceTypeFails(t *testing.T) {
	cands := []Candidate{
		cand("ok", 0.5, "Local", ""),
		cand("bad", 0.4, "Blog", ""),
	}

	ranked, err := Rerank(scoring.DefaultPolicy(), cands, currentYear)

	require.Error(t, err)
	assert.Nil(t, ranked)
	assert.True(t, perrors.IsUnavailable(err))
	assert.Equal(t, perrors.ErrCodeUnknownSourceType, perrors.GetCode(err))

	var pe *perrors.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Details["chunk_id"])
}

func TestRerank_Empty(t *testing.T) {
	ranked, err := Rerank(scoring.DefaultPolicy(), nil, currentYear)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

// --- HybridClient ---

type fakeIndex struct {
	mu      sync.Mutex
	points  []store.ScoredPoint
	err     error
	block   bool
	queries []store.Query
}

func (f *fakeIndex) Query(ctx context.Context, q store.Query) ([]store.ScoredPoint, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

func (f *fakeIndex) Upsert(context.Context, []store.Point) error { return nil }
func (f *fakeIndex) Recreate(context.Context) error              { return nil }
func (f *fakeIndex) Stats(context.Context) (store.Stats, error)  { return store.Stats{}, nil }
func (f *fakeIndex) Health(context.Context) error                { return f.err }
func (f *fakeIndex) Close() error                                { return nil }

type failingEmbedder struct {
	*embed.StaticEmbedder
}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, perrors.New(perrors.ErrCodeEmbeddingUnavailable, "embedding service down", nil)
}

type recorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recorder) TermSearchFailed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func newClient(t *testing.T, idx store.HybridIndex, emb embed.Embedder, rec FailureRecorder) *HybridClient {
	t.Helper()
	sparse, err := embed.NewSparseEncoder(embed.AnalyzerEnglish)
	require.NoError(t, err)
	if emb == nil {
		emb = embed.NewStaticEmbedder(32)
	}
	c, err := NewHybridClient(HybridClientConfig{
		Index:    idx,
		Embedder: emb,
		Sparse:   sparse,
		Timeout:  50 * time.Millisecond,
		Failures: rec,
	})
	require.NoError(t, err)
	return c
}

func TestNewHybridClient_NilDependencies(t *testing.T) {
	_, err := NewHybridClient(HybridClientConfig{})
	assert.ErrorIs(t, err, perrors.ErrNilDependency)
}

func TestHybridClient_Search(t *testing.T) {
	// Given an index with two points
	idx := &fakeIndex{points: []store.ScoredPoint{
		{ID: 1, Score: 0.03, Payload: store.Payload{ChunkID: "c1", SourceType: "Local"}},
		{ID: 2, Score: 0.01, Payload: store.Payload{ChunkID: "c2", SourceType: "National"}},
	}}
	c := newClient(t, idx, nil, nil)

	// When searching with topK 5
	got, err := c.Search(context.Background(), "gestational diabetes", 5)

	// Then both vectors are sent with twice the limit
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ChunkID)
	assert.Equal(t, 0.03, got[0].FusedScore)

	require.Len(t, idx.queries, 1)
	q := idx.queries[0]
	assert.Equal(t, 10, q.Limit)
	assert.Len(t, q.Dense, 32)
	assert.False(t, q.Sparse.IsEmpty())
}

func TestHybridClient_EmbeddingFailureDegrades(t *testing.T) {
	idx := &fakeIndex{}
	rec := &recorder{}
	c := newClient(t, idx, failingEmbedder{embed.NewStaticEmbedder(32)}, rec)

	got, err := c.Search(context.Background(), "q", 5)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, idx.queries)
	assert.Equal(t, []string{"embedding"}, rec.reasons)
}

func TestHybridClient_TimeoutDegrades(t *testing.T) {
	idx := &fakeIndex{block: true}
	rec := &recorder{}
	c := newClient(t, idx, nil, rec)

	got, err := c.Search(context.Background(), "q", 5)

	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []string{"timeout"}, rec.reasons)
}

func TestHybridClient_IndexErrorIsUnavailable(t *testing.T) {
	idx := &fakeIndex{err: errors.New("connection refused")}
	c := newClient(t, idx, nil, nil)

	_, err := c.Search(context.Background(), "q", 5)

	require.Error(t, err)
	assert.True(t, perrors.IsUnavailable(err))
	assert.Equal(t, perrors.ErrCodeIndexUnavailable, perrors.GetCode(err))
}

func TestHybridClient_CallerCancellation(t *testing.T) {
	idx := &fakeIndex{block: true}
	c := newClient(t, idx, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Search(ctx, "q", 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHybridClient_MissingChunkID(t *testing.T) {
	idx := &fakeIndex{points: []store.ScoredPoint{{ID: 7, Score: 0.1}}}
	c := newClient(t, idx, nil, nil)

	_, err := c.Search(context.Background(), "q", 5)

	assert.Equal(t, perrors.ErrCodeMalformedPayload, perrors.GetCode(err))
}
