package search

import (
	"errors"
	"fmt"
	"sort"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/scoring"
)

// Rerank scores candidates under policy and returns them ordered by final
// score descending, ties by chunk ID ascending. currentYear drives recency.
//
// Fused scores are min-max normalised across the set into similarity. A
// single candidate, or a set whose scores are all equal, normalises to 1.0.
//
// A candidate whose source type has no priority fails the whole call: a
// misranked authority tier is worse than no answer.
func Rerank(policy scoring.Policy, candidates []Candidate, currentYear int) ([]Ranked, error) {
	if len(candidates) == 0 {
		return []Ranked{}, nil
	}

	lo, hi := candidates[0].FusedScore, candidates[0].FusedScore
	for _, c := range candidates[1:] {
		lo = min(lo, c.FusedScore)
		hi = max(hi, c.FusedScore)
	}
	span := hi - lo

	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		st, err := scoring.ParseSourceType(c.Payload.SourceType)
		if err != nil {
			return nil, withChunk(err, c.ChunkID)
		}
		priority, err := policy.Priority(st)
		if err != nil {
			return nil, withChunk(err, c.ChunkID)
		}

		similarity := 1.0
		if span > 0 {
			similarity = (c.FusedScore - lo) / span
		}
		year := c.Payload.Year()
		recency := scoring.RecencyScore(year, currentYear)

		ranked = append(ranked, Ranked{
			Candidate:  c,
			SourceType: st,
			Year:       year,
			Similarity: similarity,
			Priority:   priority,
			Recency:    recency,
			Final:      policy.Final(similarity, priority, recency),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Final != ranked[j].Final {
			return ranked[i].Final > ranked[j].Final
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	return ranked, nil
}

func withChunk(err error, chunkID string) error {
	var pe *perrors.PolicyError
	if errors.As(err, &pe) {
		return pe.WithDetail("chunk_id", chunkID)
	}
	return fmt.Errorf("chunk %s: %w", chunkID, err)
}
