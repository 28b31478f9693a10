package embed

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/Aman-CERP/policyrag/internal/store"
)

// Sparse analyzers.
const (
	// AnalyzerEnglish lowercases, removes English stop words and stems.
	AnalyzerEnglish = en.AnalyzerName
	// AnalyzerSimple lowercases and splits on non-letters.
	AnalyzerSimple = simple.Name
)

// BM25 term-frequency saturation parameters.
const (
	BM25K1 = 1.2
	BM25B  = 0.75

	// AvgDocLength is the assumed average chunk length in tokens used for
	// length normalisation. Chunks are produced at a fixed target size, so
	// a constant avoids a corpus-wide pass before encoding.
	AvgDocLength = 256.0
)

// SparseEncoder turns text into hashed term-weight vectors for the keyword
// leg of hybrid search. Document vectors carry BM25 term-frequency weights;
// inverse document frequency is applied by the index at query time.
type SparseEncoder struct {
	name     string
	analyzer analysis.Analyzer
}

// NewSparseEncoder creates an encoder using the named bleve analyzer.
func NewSparseEncoder(analyzerName string) (*SparseEncoder, error) {
	if analyzerName == "" {
		analyzerName = AnalyzerEnglish
	}
	a, err := registry.NewCache().AnalyzerNamed(analyzerName)
	if err != nil {
		return nil, fmt.Errorf("sparse analyzer %q: %w", analyzerName, err)
	}
	return &SparseEncoder{name: analyzerName, analyzer: a}, nil
}

// Name returns the analyzer name.
func (s *SparseEncoder) Name() string {
	return s.name
}

// Terms returns the analyzed terms of text in order, with repeats.
func (s *SparseEncoder) Terms(text string) []string {
	stream := s.analyzer.Analyze([]byte(text))
	terms := make([]string, 0, len(stream))
	for _, tok := range stream {
		if len(tok.Term) > 0 {
			terms = append(terms, string(tok.Term))
		}
	}
	return terms
}

// EncodeQuery weights each distinct query term 1.0.
func (s *SparseEncoder) EncodeQuery(text string) store.SparseVector {
	weights := make(map[uint32]float32)
	for _, term := range s.Terms(text) {
		weights[TermIndex(term)] = 1.0
	}
	return fromMap(weights)
}

// EncodeDocument weights each term by saturated, length-normalised term
// frequency: tf*(k1+1) / (tf + k1*(1 - b + b*len/avgLen)).
func (s *SparseEncoder) EncodeDocument(text string) store.SparseVector {
	terms := s.Terms(text)
	if len(terms) == 0 {
		return store.SparseVector{}
	}

	tf := make(map[uint32]float64)
	for _, term := range terms {
		tf[TermIndex(term)]++
	}

	norm := BM25K1 * (1 - BM25B + BM25B*float64(len(terms))/AvgDocLength)
	weights := make(map[uint32]float32, len(tf))
	for idx, f := range tf {
		weights[idx] = float32(f * (BM25K1 + 1) / (f + norm))
	}
	return fromMap(weights)
}

// TermIndex hashes a term into the sparse index space.
func TermIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32()
}

func fromMap(weights map[uint32]float32) store.SparseVector {
	v := store.SparseVector{
		Indices: make([]uint32, 0, len(weights)),
		Values:  make([]float32, 0, len(weights)),
	}
	for idx := range weights {
		v.Indices = append(v.Indices, idx)
	}
	sort.Slice(v.Indices, func(i, j int) bool { return v.Indices[i] < v.Indices[j] })
	for _, idx := range v.Indices {
		v.Values = append(v.Values, weights[idx])
	}
	return v
}
