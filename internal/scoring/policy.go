// Package scoring maps document metadata to the authority and recency
// signals used by the reranker.
//
// Everything here is pure. A Policy is an immutable value: callers build one
// (usually DefaultPolicy) and pass it into the reranker explicitly.
package scoring

import (
	"fmt"
	"math"
	"strings"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
)

// SourceType is the authority tier of a document.
type SourceType string

const (
	Local      SourceType = "Local"
	National   SourceType = "National"
	Legal      SourceType = "Legal"
	Governance SourceType = "Governance"
)

// SourceTypes lists the known tiers in precedence order.
var SourceTypes = []SourceType{Local, National, Legal, Governance}

// ParseSourceType resolves a payload value to a known tier.
// Matching ignores case and surrounding space. Unknown values fail with
// ERR_104_UNKNOWN_SOURCE_TYPE; there is no default tier.
func ParseSourceType(raw string) (SourceType, error) {
	v := strings.TrimSpace(raw)
	for _, st := range SourceTypes {
		if strings.EqualFold(v, string(st)) {
			return st, nil
		}
	}
	return "", perrors.UnknownSourceTypeError(raw)
}

// Default weight constants for the composite score.
const (
	SimilarityWeight = 0.70
	PriorityWeight   = 0.20
	RecencyWeight    = 0.10
)

// Recency constants.
const (
	// NeutralRecency is used when the publication year is unknown.
	NeutralRecency = 0.5

	// RecencyDecayPerYear is subtracted from 1.0 for each year of age.
	RecencyDecayPerYear = 0.2
)

// Weights are the coefficients of the composite score. They sum to 1.
type Weights struct {
	Similarity float64 `yaml:"similarity" json:"similarity"`
	Priority   float64 `yaml:"priority" json:"priority"`
	Recency    float64 `yaml:"recency" json:"recency"`
}

// DefaultWeights returns 0.70 / 0.20 / 0.10.
func DefaultWeights() Weights {
	return Weights{
		Similarity: SimilarityWeight,
		Priority:   PriorityWeight,
		Recency:    RecencyWeight,
	}
}

// Validate checks that weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Similarity < 0 || w.Priority < 0 || w.Recency < 0 {
		return perrors.ConfigError(fmt.Sprintf("scoring weights must be non-negative: %+v", w), nil)
	}
	if sum := w.Similarity + w.Priority + w.Recency; math.Abs(sum-1.0) > 1e-9 {
		return perrors.ConfigError(fmt.Sprintf("scoring weights must sum to 1.0, got %.4f", sum), nil)
	}
	return nil
}

// DefaultPriorities is the authority lookup table.
func DefaultPriorities() map[SourceType]float64 {
	return map[SourceType]float64{
		Local:      1.0,
		National:   0.8,
		Legal:      0.5,
		Governance: 0.5,
	}
}

// Policy bundles the weights and the priority table.
type Policy struct {
	weights    Weights
	priorities map[SourceType]float64
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{
		weights:    DefaultWeights(),
		priorities: DefaultPriorities(),
	}
}

// NewPolicy validates and copies the inputs into an immutable Policy.
// Priorities must lie in [0,1] so that final scores stay in [0,1].
func NewPolicy(w Weights, priorities map[SourceType]float64) (Policy, error) {
	if err := w.Validate(); err != nil {
		return Policy{}, err
	}
	if len(priorities) == 0 {
		return Policy{}, perrors.ConfigError("priority table is empty", nil)
	}

	table := make(map[SourceType]float64, len(priorities))
	for st, p := range priorities {
		if p < 0 || p > 1 {
			return Policy{}, perrors.ConfigError(
				fmt.Sprintf("priority for %s must be within [0,1], got %v", st, p), nil)
		}
		table[st] = p
	}

	return Policy{weights: w, priorities: table}, nil
}

// Weights returns the policy weights.
func (p Policy) Weights() Weights {
	return p.weights
}

// Priority looks up the authority score for st.
func (p Policy) Priority(st SourceType) (float64, error) {
	score, ok := p.priorities[st]
	if !ok {
		return 0, perrors.UnknownSourceTypeError(string(st))
	}
	return score, nil
}

// Final combines the three component scores.
func (p Policy) Final(similarity, priority, recency float64) float64 {
	return p.weights.Similarity*similarity +
		p.weights.Priority*priority +
		p.weights.Recency*recency
}

// PriorityScore is the default-table lookup.
func PriorityScore(st SourceType) (float64, error) {
	return DefaultPolicy().Priority(st)
}

// RecencyScore returns clamp(1 - 0.2*(currentYear - publicationYear), 0, 1).
// A publicationYear of 0 or less means unknown and yields NeutralRecency.
func RecencyScore(publicationYear, currentYear int) float64 {
	if publicationYear <= 0 {
		return NeutralRecency
	}
	score := 1.0 - RecencyDecayPerYear*float64(currentYear-publicationYear)
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
