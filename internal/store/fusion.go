package store

import "sort"

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// FusedHit is one result after reciprocal rank fusion.
type FusedHit struct {
	ID    uint64
	Score float64
}

// RRFFusion combines ranked ID lists with Reciprocal Rank Fusion:
// score(d) = sum over lists of 1 / (k + rank), ranks 1-indexed. A document
// absent from a list contributes nothing for it.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion with smoothing constant k; k <= 0 selects 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges lists, each ordered best first. Ties break by ascending ID.
func (f *RRFFusion) Fuse(lists ...[]uint64) []FusedHit {
	scores := make(map[uint64]float64)
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / float64(f.K+rank+1)
		}
	}

	hits := make([]FusedHit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, FusedHit{ID: id, Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}
