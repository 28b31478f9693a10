package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/Aman-CERP/policyrag/internal/audit"
	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/search"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
}

// ChunkScore is the scoring breakdown of one retrieved chunk.
type ChunkScore struct {
	ChunkID       string  `json:"chunk_id"`
	Score         float64 `json:"score"`
	OriginalScore float64 `json:"original_score"`
	PriorityScore float64 `json:"priority_score"`
	RecencyScore  float64 `json:"recency_score"`
	SourceType    string  `json:"source_type"`
	Organization  string  `json:"organization"`
	FileName      string  `json:"file_name"`
	ChunkText     string  `json:"chunk_text"`
	FilePath      string  `json:"file_path,omitempty"`
	ContextHeader string  `json:"context_header,omitempty"`
}

// ThoughtTrace shows how the answer's context was retrieved.
type ThoughtTrace struct {
	ExpandedTerms []string     `json:"expanded_terms"`
	ChunkScores   []ChunkScore `json:"chunk_scores"`
}

// QueryResponse is the body returned by POST /query.
type QueryResponse struct {
	Answer       string            `json:"answer"`
	Sources      []citation.Source `json:"sources"`
	ThoughtTrace ThoughtTrace      `json:"thought_trace"`
}

func (s *Server) validate(req *QueryRequest) (string, int, error) {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		return "", 0, perrors.New(perrors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if n := utf8.RuneCountInString(q); n > s.cfg.MaxQueryLength {
		return "", 0, perrors.New(perrors.ErrCodeQueryTooLong,
			fmt.Sprintf("query is %d characters, maximum is %d", n, s.cfg.MaxQueryLength), nil)
	}

	limit := DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
		if limit < 1 || limit > s.cfg.MaxLimit {
			return "", 0, perrors.ValidationError(
				fmt.Sprintf("limit must be between 1 and %d", s.cfg.MaxLimit), nil)
		}
	}
	return q, limit, nil
}

func (s *Server) query(c echo.Context) error {
	start := time.Now()

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	q, limit, err := s.validate(&req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.cfg.Retriever.RetrieveDetailed(ctx, q, limit)
	if err != nil {
		return err
	}
	ans, err := s.cfg.Answerer.Generate(ctx, q, res.Bundle)
	if err != nil {
		return err
	}

	s.cfg.Audit.Record(ctx, audit.NewEntry(q, ans.Text, res.Bundle, res.Expansion.Terms, map[string]any{
		"trace_id":           res.TraceID,
		"limit":              limit,
		"latency_ms":         time.Since(start).Milliseconds(),
		"expansion_fallback": res.Expansion.Fallback,
		"refused":            ans.Refused,
		"model":              ans.Model,
	}))

	return c.JSON(http.StatusOK, QueryResponse{
		Answer:  ans.Text,
		Sources: ans.Sources,
		ThoughtTrace: ThoughtTrace{
			ExpandedTerms: res.Expansion.Terms,
			ChunkScores:   chunkScores(res.Bundle.Chunks()),
		},
	})
}

func chunkScores(ranked []search.Ranked) []ChunkScore {
	out := make([]ChunkScore, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, ChunkScore{
			ChunkID:       r.ChunkID,
			Score:         round4(r.Final),
			OriginalScore: round4(r.Similarity),
			PriorityScore: round4(r.Priority),
			RecencyScore:  round4(r.Recency),
			SourceType:    string(r.SourceType),
			Organization:  r.Payload.Organization,
			FileName:      r.Payload.FileName,
			ChunkText:     r.Payload.Text,
			FilePath:      r.Payload.FilePath,
			ContextHeader: r.Payload.ContextHeader,
		})
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
