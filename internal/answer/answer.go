// Package answer turns a citation bundle into a grounded natural-language
// answer. When the bundle is empty it abstains and refers the user on
// without calling the model.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/llm"
)

// Generation defaults.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1500
)

// Refusal is returned when no policy context was retrieved.
const Refusal = "Based on the current local and national policy database, I cannot find specific guidance for this query. " +
	"I recommend consulting with your GP or healthcare provider for personalized advice."

// SystemPrompt sets the governance rules for answer generation.
const SystemPrompt = `You are the NHS Clinical Policy Expert. Provide authoritative guidance based on the provided policy documents. Your goal is to provide a unified 'Clinical Consensus' for the region.

CRITICAL RULES:

1. CLINICAL GOVERNANCE (PRIORITY):
   - Local (CPICS) policy is the primary authority. National (NICE) guidance is secondary support.
   - If Local guidance exists, it MUST be the lead statement. NICE details should be added only to provide supplementary depth.

2. GROUNDEDNESS & PRECISION:
   - Answer EXCLUSIVELY using the provided context.
   - If the information is not present, use the Safety Refusal: "Based on the current local and national policy database, I cannot find specific guidance for this query. I recommend consulting with your GP or healthcare provider."

3. COMPREHENSIVE DEDUPLICATION:
   - Organize by TOPIC (e.g., 'Eligibility', 'Monitoring', 'Exceptions').
   - MERGE logic: If multiple documents discuss the same rule, state the rule ONCE and cite all sources: (CPICS, 2024; NICE, NG28).
   - If a retrieved chunk contains high-confidence medical data related to the query, include it, even if it covers a tangential clinical requirement.

4. RESPONSE STRUCTURE:
   ### 1. Direct Policy Answer
   [Categorized by clinical topic. Use bullet points for readability. Mandatory inline Harvard citations.]

   ### 2. Clinical Governance & Authority
   [Briefly state the relationship between the sources.]

   ### 3. Policy Conflicts (If any)
   [Only if Local and National sources contradict. State the contradiction and reaffirm that CPICS takes precedence.]

   ### 4. Bibliography
   - Local Authority: [Org] ([Year]). [Doc Name]. [Area].
   - National Guidelines: [Org] ([Year]). [Doc Name]. [Code].
`

// Config configures a Generator.
type Config struct {
	LLM llm.Generator

	// Model overrides the generator's default model. FallbackModel, when
	// set, is tried once if the first call fails.
	Model         string
	FallbackModel string

	Temperature float64
	MaxTokens   int
}

// Answer is a generated response and the sources it was grounded on.
type Answer struct {
	Text    string            `json:"answer"`
	Sources []citation.Source `json:"sources"`

	// Refused is set when the bundle was empty and Text is Refusal.
	Refused bool   `json:"refused"`
	Model   string `json:"model,omitempty"`
}

// Generator produces answers from context bundles.
type Generator struct {
	cfg Config
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("%w: llm", perrors.ErrNilDependency)
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Generator{cfg: cfg}, nil
}

// UserPrompt renders the user message for query and the bundle text.
func UserPrompt(query string, bundle *citation.Bundle) string {
	return fmt.Sprintf("User Query: %s\n\nContext from Policy Documents:\n\n%s", query, bundle.Text())
}

// Generate answers query from bundle. An empty bundle yields Refusal.
// A model failure is ERR_306_GENERATION_UNAVAILABLE.
func (g *Generator) Generate(ctx context.Context, query string, bundle *citation.Bundle) (*Answer, error) {
	if bundle.IsEmpty() {
		slog.InfoContext(ctx, "answer_refused", slog.String("reason", "no context"))
		return &Answer{Text: Refusal, Sources: []citation.Source{}, Refused: true}, nil
	}

	sources := bundle.Sources()
	req := llm.Request{
		System:      SystemPrompt,
		Prompt:      UserPrompt(query, bundle),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
		Model:       g.cfg.Model,
	}

	model := g.modelName()
	text, err := g.cfg.LLM.Generate(ctx, req)
	if err != nil && ctx.Err() == nil && g.cfg.FallbackModel != "" && g.cfg.FallbackModel != model {
		slog.WarnContext(ctx, "answer_model_fallback",
			slog.String("model", model),
			slog.String("fallback", g.cfg.FallbackModel),
			slog.String("error", err.Error()))
		req.Model = g.cfg.FallbackModel
		model = g.cfg.FallbackModel
		text, err = g.cfg.LLM.Generate(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, perrors.New(perrors.ErrCodeGenerationUnavailable, "answer generation failed", err).
			WithDetail("model", model)
	}

	text = strings.TrimSpace(text)
	if !strings.Contains(strings.ToLower(text), "bibliography") {
		if bib := citation.Bibliography(sources); bib != "" {
			text += "\n\n" + bib
		}
	}

	slog.InfoContext(ctx, "answer_generated",
		slog.String("model", model),
		slog.Int("sources", len(sources)),
		slog.Int("chars", len(text)))
	return &Answer{Text: text, Sources: sources, Model: model}, nil
}

func (g *Generator) modelName() string {
	if g.cfg.Model != "" {
		return g.cfg.Model
	}
	return g.cfg.LLM.ModelName()
}
