package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/policyrag/internal/answer"
	"github.com/Aman-CERP/policyrag/internal/audit"
	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/llm"
	"github.com/Aman-CERP/policyrag/internal/retrieval"
	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/search"
	"github.com/Aman-CERP/policyrag/internal/store"
	"github.com/Aman-CERP/policyrag/internal/telemetry"
)

type stubRetriever struct {
	bundle   *citation.Bundle
	err      error
	gotQuery string
	gotTopN  int
}

func (s *stubRetriever) RetrieveDetailed(_ context.Context, q string, n int) (*retrieval.Result, error) {
	s.gotQuery, s.gotTopN = q, n
	if s.err != nil {
		return nil, s.err
	}
	return &retrieval.Result{
		TraceID:   "trace-1",
		Query:     q,
		Expansion: search.Expansion{Terms: []string{"term a", "term b"}},
		Bundle:    s.bundle,
	}, nil
}

type stubIndex struct{ err error }

func (s stubIndex) Health(context.Context) error { return s.err }

func sampleBundle() *citation.Bundle {
	return citation.Format([]search.Ranked{{
		Candidate: search.Candidate{
			ChunkID: "cpics-1",
			Payload: store.Payload{
				ChunkID:      "cpics-1",
				Text:         "BMI of 40 or more.",
				SourceType:   "Local",
				Organization: "CPICS",
				FileName:     "Weight_Policy.pdf",
				LastUpdated:  "2024-05",
			},
		},
		SourceType: scoring.Local,
		Similarity: 1,
		Priority:   1,
		Recency:    0.8,
		Final:      0.98,
	}}, 0)
}

func newTestServer(t *testing.T, r Retriever, gen llm.Generator, cfg Config) *Server {
	t.Helper()
	ans, err := answer.New(answer.Config{LLM: gen})
	require.NoError(t, err)
	cfg.Retriever = r
	cfg.Answerer = ans
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, perrors.ErrNilDependency)
}

func TestQuery_Success(t *testing.T) {
	// Given a retriever with one local chunk and an audit trail
	r := &stubRetriever{bundle: sampleBundle()}
	trailPath := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := audit.Open(trailPath)
	require.NoError(t, err)
	s := newTestServer(t, r, llm.NewStaticGenerator("Eligible at BMI 40 (CPICS, 2024)."), Config{Audit: trail})

	// When posting a query
	rec := do(s, http.MethodPost, "/query", `{"query":"  bariatric surgery  ","limit":5}`)

	// Then the answer, sources and trace are returned
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Answer, "Eligible at BMI 40 (CPICS, 2024)."))
	assert.Contains(t, resp.Answer, "**Local Authority:**")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "(CPICS, 2024)", resp.Sources[0].CitationKey)
	assert.Equal(t, []string{"term a", "term b"}, resp.ThoughtTrace.ExpandedTerms)
	require.Len(t, resp.ThoughtTrace.ChunkScores, 1)
	assert.Equal(t, 0.98, resp.ThoughtTrace.ChunkScores[0].Score)
	assert.Equal(t, "bariatric surgery", r.gotQuery)
	assert.Equal(t, 5, r.gotTopN)

	// And the query was audited
	require.NoError(t, trail.Close())
	data, err := os.ReadFile(trailPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"query":"bariatric surgery"`)
}

func TestQuery_DefaultLimit(t *testing.T) {
	r := &stubRetriever{bundle: sampleBundle()}
	s := newTestServer(t, r, llm.NewStaticGenerator("ok"), Config{})

	rec := do(s, http.MethodPost, "/query", `{"query":"ivf"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultLimit, r.gotTopN)
}

func TestQuery_EmptyBundleRefuses(t *testing.T) {
	r := &stubRetriever{bundle: citation.Format(nil, 0)}
	gen := llm.NewStaticGenerator("should not be used")
	s := newTestServer(t, r, gen, Config{})

	rec := do(s, http.MethodPost, "/query", `{"query":"unknown treatment"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, answer.Refusal, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Empty(t, gen.Requests())
}

func TestQuery_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty query", `{"query":"   "}`},
		{"query too long", `{"query":"` + strings.Repeat("a", DefaultMaxQueryLength+1) + `"}`},
		{"limit zero", `{"query":"x","limit":0}`},
		{"limit too large", `{"query":"x","limit":51}`},
		{"malformed json", `{"query":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubRetriever{bundle: sampleBundle()}, llm.NewStaticGenerator("ok"), Config{})

			rec := do(s, http.MethodPost, "/query", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"index unavailable", perrors.UnavailableError("hybrid index query failed", errors.New("refused")), http.StatusServiceUnavailable},
		{"unknown source type", perrors.UnknownSourceTypeError("Blog"), http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubRetriever{err: tt.err}, llm.NewStaticGenerator("ok"), Config{})

			rec := do(s, http.MethodPost, "/query", `{"query":"x"}`)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestQuery_GenerationFailure(t *testing.T) {
	gen := llm.NewStaticGenerator("").WithError(errors.New("model down"))
	s := newTestServer(t, &stubRetriever{bundle: sampleBundle()}, gen, Config{})

	rec := do(s, http.MethodPost, "/query", `{"query":"x"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, &stubRetriever{}, llm.NewStaticGenerator(""), Config{Index: stubIndex{}})
	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = do(s, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, &stubRetriever{}, llm.NewStaticGenerator(""), Config{Index: stubIndex{err: errors.New("no collection")}})
	rec = do(down, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := telemetry.NewMetrics()
	s := newTestServer(t, &stubRetriever{bundle: sampleBundle()}, llm.NewStaticGenerator("ok"), Config{Metrics: m})

	require.Equal(t, http.StatusOK, do(s, http.MethodPost, "/query", `{"query":"x"}`).Code)
	rec := do(s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `policyrag_http_requests_total{code="200",route="/query"} 1`)
}
