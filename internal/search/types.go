// Package search expands a query into clinical search terms, runs a hybrid
// (dense + sparse) query per term, merges the candidate lists and reranks
// them by similarity, authority and recency.
package search

import (
	"context"

	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/store"
)

// Candidate is one chunk returned by a hybrid query. FusedScore is the
// index's fusion score and is only comparable within one term's results.
// After aggregation a Candidate holds the best score seen for its chunk.
type Candidate struct {
	ChunkID    string
	FusedScore float64
	Payload    store.Payload

	// Term is the position of the search term that produced this candidate.
	Term int
}

// Ranked is a candidate with its component and composite scores.
type Ranked struct {
	Candidate

	SourceType scoring.SourceType
	Year       int

	Similarity float64
	Priority   float64
	Recency    float64
	Final      float64
}

// TermSearcher runs one search term against the index.
type TermSearcher interface {
	Search(ctx context.Context, term string, topK int) ([]Candidate, error)
}
