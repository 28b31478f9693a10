// Package store provides the hybrid (dense + sparse) chunk index: a local
// backend built on an HNSW graph and SQLite, and a Qdrant backend.
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Vector names used by both backends.
const (
	DenseVectorName  = "dense"
	SparseVectorName = "sparse"
)

// Payload is the metadata stored with every indexed chunk.
type Payload struct {
	ChunkID        string     `json:"chunk_id"`
	Text           string     `json:"text"`
	SourceType     string     `json:"source_type"`
	Organization   string     `json:"organization"`
	FileName       string     `json:"file_name"`
	FilePath       string     `json:"file_path"`
	ClinicalArea   string     `json:"clinical_area"`
	LastUpdated    FlexString `json:"last_updated"`
	SortableDate   FlexString `json:"sortable_date"`
	PriorityScore  float64    `json:"priority_score"`
	IsPresentation bool       `json:"is_presentation"`
	ContextHeader  string     `json:"context_header"`
}

// Year returns the publication year from sortable_date (YYYYMMDD) or
// last_updated (YYYY-MM), or 0 when neither parses.
func (p Payload) Year() int {
	for _, s := range []string{string(p.SortableDate), string(p.LastUpdated)} {
		s = strings.TrimSpace(s)
		if len(s) < 4 {
			continue
		}
		if y, err := strconv.Atoi(s[:4]); err == nil && y > 0 {
			return y
		}
	}
	return 0
}

// FlexString decodes from a JSON string or number. Chunk files written by
// different tools disagree on whether dates are quoted.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// SparseVector is a sparse term-weight vector with ascending indices.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// IsEmpty reports whether v has no terms.
func (v SparseVector) IsEmpty() bool {
	return len(v.Indices) == 0
}

// Point is one indexed chunk with both vectors.
type Point struct {
	ID      uint64
	Dense   []float32
	Sparse  SparseVector
	Payload Payload
}

// Filter restricts results by payload field. Empty slices match anything;
// values within a field are ORed, fields are ANDed.
type Filter struct {
	SourceTypes   []string `json:"source_types,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	ClinicalAreas []string `json:"clinical_areas,omitempty"`
}

// IsEmpty reports whether f matches every payload.
func (f Filter) IsEmpty() bool {
	return len(f.SourceTypes) == 0 && len(f.Organizations) == 0 && len(f.ClinicalAreas) == 0
}

// Matches reports whether p passes the filter.
func (f Filter) Matches(p Payload) bool {
	return matchAny(f.SourceTypes, p.SourceType) &&
		matchAny(f.Organizations, p.Organization) &&
		matchAny(f.ClinicalAreas, p.ClinicalArea)
}

func matchAny(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

// Query is a single hybrid query. Either vector may be empty, in which case
// that leg is skipped.
type Query struct {
	Dense  []float32
	Sparse SparseVector
	Filter Filter
	Limit  int
}

// ScoredPoint is one fused hybrid result. Score is the backend's fusion
// score; higher is better and scores are comparable only within one query.
type ScoredPoint struct {
	ID      uint64
	Score   float64
	Payload Payload
}

// Stats summarises index contents.
type Stats struct {
	Backend      string         `json:"backend"`
	Points       int            `json:"points"`
	Dimensions   int            `json:"dimensions"`
	BySourceType map[string]int `json:"by_source_type,omitempty"`
}

// HybridIndex stores chunks with dense and sparse vectors and answers fused
// hybrid queries.
type HybridIndex interface {
	// Query runs dense and sparse retrieval and fuses them with RRF.
	Query(ctx context.Context, q Query) ([]ScoredPoint, error)

	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, points []Point) error

	// Recreate drops all points and recreates the empty index.
	Recreate(ctx context.Context) error

	// Stats returns point counts.
	Stats(ctx context.Context) (Stats, error)

	// Health returns nil when the index can serve queries.
	Health(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// PointID derives a stable numeric point ID from a chunk ID: the first 15
// hex digits of its MD5, which always fits in a signed 64-bit integer.
func PointID(chunkID string) uint64 {
	sum := md5.Sum([]byte(chunkID))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:15], 16, 64)
	return n
}
