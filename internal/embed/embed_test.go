package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/policyrag/internal/config"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/store"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestStaticEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewStaticEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Continuous glucose monitoring for adults")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Continuous glucose monitoring for adults")
	require.NoError(t, err)

	assert.Len(t, a, StaticDimensions)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestStaticEmbedder_EmptyIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder(32)
	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, v, 32)
	assert.Zero(t, norm(v))
}

func TestStaticEmbedder_ClosedFails(t *testing.T) {
	e := NewStaticEmbedder(8)
	require.NoError(t, e.Close())
	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}

// countingEmbedder counts inner calls.
type countingEmbedder struct {
	*StaticEmbedder
	calls atomic.Int32
	texts atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	c.texts.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int32(len(texts)))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_HitsSkipInner(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(16)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	first, err := c.Embed(ctx, "insulin pump")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "insulin pump")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, inner.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCachedEmbedder_BatchEmbedsOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(16)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, err := c.Embed(ctx, "a")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.EqualValues(t, 3, inner.texts.Load(), "a cached, b and c embedded")

	want, _ := inner.StaticEmbedder.Embed(ctx, "b")
	assert.Equal(t, want, vecs[1])
}

func TestOllamaEmbedder_BatchesAndNormalizes(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := 1
		if inputs, ok := req.Input.([]any); ok {
			n = len(inputs)
		}
		embs := make([][]float64, n)
		for i := range embs {
			embs[i] = []float64{3, 4}
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Model: req.Model, Embeddings: embs})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Model: "m", BatchSize: 2})

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.EqualValues(t, 2, requests.Load())
	assert.InDelta(t, 0.6, vecs[0][0], 1e-6)
	assert.InDelta(t, 0.8, vecs[0][1], 1e-6)
	assert.Equal(t, 2, e.Dimensions())
}

func TestOllamaEmbedder_DimensionMismatchNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float64{{1, 2, 3}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Dimensions: 2})
	_, err := e.Embed(context.Background(), "x")

	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeDimensionMismatch, perrors.GetCode(err))
	assert.EqualValues(t, 1, requests.Load())
}

func TestOllamaEmbedder_ServerErrorIsEmbeddingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, MaxRetries: 1})
	_, err := e.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, perrors.ErrEmbeddingFailed)
}

func TestSparseEncoder_EnglishAnalyzer(t *testing.T) {
	enc, err := NewSparseEncoder(AnalyzerEnglish)
	require.NoError(t, err)

	terms := enc.Terms("The monitoring of glucose monitors")
	assert.NotContains(t, terms, "the")
	assert.Contains(t, terms, "glucos")
	assert.Equal(t, terms[0], terms[len(terms)-1], "monitoring and monitors share a stem")
}

func TestSparseEncoder_QueryWeightsAreUnit(t *testing.T) {
	enc, err := NewSparseEncoder(AnalyzerSimple)
	require.NoError(t, err)

	v := enc.EncodeQuery("insulin insulin pump")
	require.Len(t, v.Indices, 2)
	for _, w := range v.Values {
		assert.Equal(t, float32(1.0), w)
	}
	for i := 1; i < len(v.Indices); i++ {
		assert.Less(t, v.Indices[i-1], v.Indices[i])
	}
}

func TestSparseEncoder_DocumentWeightsSaturate(t *testing.T) {
	enc, err := NewSparseEncoder(AnalyzerSimple)
	require.NoError(t, err)

	once := enc.EncodeDocument("insulin pump")
	thrice := enc.EncodeDocument("insulin insulin insulin pump")

	w1 := weightOf(once, "insulin")
	w3 := weightOf(thrice, "insulin")

	assert.Greater(t, w3, w1)
	assert.Less(t, w3, float32(BM25K1+1), "bounded by k1+1")
}

func weightOf(v store.SparseVector, term string) float32 {
	for i, id := range v.Indices {
		if id == TermIndex(term) {
			return v.Values[i]
		}
	}
	return 0
}

func TestSparseEncoder_UnknownAnalyzer(t *testing.T) {
	_, err := NewSparseEncoder("klingon")
	assert.Error(t, err)
}

func TestNew_SelectsProvider(t *testing.T) {
	e, err := New(config.EmbeddingsConfig{Provider: config.ProviderStatic, Dimensions: 64, CacheSize: 5})
	require.NoError(t, err)
	assert.IsType(t, &CachedEmbedder{}, e)
	assert.Equal(t, 64, e.Dimensions())

	e, err = New(config.EmbeddingsConfig{Provider: config.ProviderOllama})
	require.NoError(t, err)
	assert.IsType(t, &OllamaEmbedder{}, e)

	e, err = New(config.EmbeddingsConfig{Provider: config.ProviderOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultDimensions, e.Dimensions())

	_, err = New(config.EmbeddingsConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestChunkTexts(t *testing.T) {
	batches := chunkTexts([]string{"a", "b", "c", "d", "e"}, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"e"}, batches[2])
}
