package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/llm"
)

// Expansion defaults.
const (
	DefaultExpansionTerms       = 3
	DefaultExpansionTemperature = 0.3
	DefaultExpansionMaxTokens   = 200
	DefaultExpansionTimeout     = 10 * time.Second
)

const expansionSystemPrompt = "You are a clinical policy search assistant. Generate exactly %d clinical search terms as a JSON array."

const expansionPrompt = `You are a specialist medical policy search orchestrator.
Given a user query, generate exactly %d distinct search terms to perform an exhaustive multi-vector search in an NHS clinical policy database.

### SEARCH GUIDELINES:
- **Nomenclature**: Identify the primary condition and map it to both formal clinical terms (SNOMED-CT/ICD-10 style) and common acronyms.
- **Term 1 (Access/Eligibility)**: Focus on 'Individual Funding Requests' (IFR), clinical inclusion/exclusion criteria, and ICB-specific eligibility thresholds.
- **Term 2 (Treatment/Pathways)**: Focus on specific drug names, NICE Technology Appraisals (TA), and primary/secondary care prescribing responsibilities.
- **Term 3 (Context/Governance)**: Focus on the patient's legal rights, commissioning frameworks, and the specific clinical governance hierarchy relevant to the condition.

Return ONLY a JSON array of exactly %d strings.
User query: %s
Response:`

// Expansion is the result of expanding one query.
type Expansion struct {
	Terms []string `json:"terms"`

	// Fallback is set when the service failed or its output was unusable
	// and Terms holds only the original query.
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

// ExpanderConfig configures an Expander.
type ExpanderConfig struct {
	// Terms is K, the number of search terms requested.
	Terms       int
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// MaxFailures consecutive failures open the circuit; ResetTimeout
	// later one trial call is allowed through.
	MaxFailures  int
	ResetTimeout time.Duration
}

// Expander turns one query into K search terms using a text-generation
// service. It never fails: any problem yields the original query alone.
type Expander struct {
	gen     llm.Generator
	cfg     ExpanderConfig
	breaker *perrors.CircuitBreaker
}

// NewExpander creates an Expander. Zero config values take defaults.
func NewExpander(gen llm.Generator, cfg ExpanderConfig) *Expander {
	if cfg.Terms <= 0 {
		cfg.Terms = DefaultExpansionTerms
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultExpansionTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultExpansionMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExpansionTimeout
	}

	var opts []perrors.CircuitBreakerOption
	if cfg.MaxFailures > 0 {
		opts = append(opts, perrors.WithMaxFailures(cfg.MaxFailures))
	}
	if cfg.ResetTimeout > 0 {
		opts = append(opts, perrors.WithResetTimeout(cfg.ResetTimeout))
	}

	return &Expander{
		gen:     gen,
		cfg:     cfg,
		breaker: perrors.NewCircuitBreaker("query_expansion", opts...),
	}
}

// Terms returns K.
func (e *Expander) Terms() int {
	return e.cfg.Terms
}

// Expand returns up to K search terms for query.
func (e *Expander) Expand(ctx context.Context, query string) Expansion {
	if e.gen == nil {
		return e.fallback(ctx, query, "no generator configured")
	}

	raw, err := perrors.CircuitExecuteContext(ctx, e.breaker,
		func() (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()
			return e.gen.Generate(callCtx, llm.Request{
				System:      fmt.Sprintf(expansionSystemPrompt, e.cfg.Terms),
				Prompt:      fmt.Sprintf(expansionPrompt, e.cfg.Terms, e.cfg.Terms, query),
				Temperature: e.cfg.Temperature,
				MaxTokens:   e.cfg.MaxTokens,
			})
		},
		func() (string, error) {
			return "", perrors.New(perrors.ErrCodeExpansionServiceTripped,
				"query expansion circuit is open", perrors.ErrCircuitOpen)
		})
	if err != nil {
		return e.fallback(ctx, query, err.Error())
	}

	terms, err := ParseTerms(raw, e.cfg.Terms)
	if err != nil {
		return e.fallback(ctx, query, err.Error())
	}

	slog.DebugContext(ctx, "query_expanded",
		slog.String("query", query),
		slog.Any("terms", terms))
	return Expansion{Terms: terms}
}

func (e *Expander) fallback(ctx context.Context, query, reason string) Expansion {
	slog.WarnContext(ctx, "expansion_fallback",
		slog.String("query", query),
		slog.String("reason", reason))
	return Expansion{Terms: []string{query}, Fallback: true, Reason: reason}
}

var errNoTerms = errors.New("expansion returned no usable terms")

// ParseTerms extracts search terms from a model response. A surrounding
// markdown code fence is removed, then the text must be a JSON array.
// Non-string and blank elements are dropped, duplicates are dropped
// case-insensitively, and at most k terms are kept.
func ParseTerms(raw string, k int) ([]string, error) {
	text := stripCodeFence(strings.TrimSpace(raw))

	var items []any
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		// Models sometimes wrap the array in prose.
		start, end := strings.Index(text, "["), strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("expansion is not a JSON array: %w", err)
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
			return nil, fmt.Errorf("expansion is not a JSON array: %w", err)
		}
	}

	seen := make(map[string]bool, len(items))
	terms := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, s)
		if k > 0 && len(terms) == k {
			break
		}
	}

	if len(terms) == 0 {
		return nil, errNoTerms
	}
	return terms, nil
}

// stripCodeFence removes a ``` fence by dropping the first and last lines.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= 2 {
		return s
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}
