package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/llm"
	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/search"
	"github.com/Aman-CERP/policyrag/internal/store"
)

func testBundle() *citation.Bundle {
	return citation.Format([]search.Ranked{{
		Candidate: search.Candidate{
			ChunkID: "n1",
			Payload: store.Payload{
				ChunkID:      "n1",
				Text:         "Offer metformin as first-line treatment.",
				SourceType:   "National",
				Organization: "NICE",
				FileName:     "NG28_diabetes.pdf",
				LastUpdated:  "2022-06",
			},
		},
		SourceType: scoring.National,
	}}, 0)
}

// modelGenerator fails for the models listed in failing.
type modelGenerator struct {
	mu      sync.Mutex
	failing map[string]bool
	models  []string
}

func (m *modelGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = append(m.models, req.Model)
	if m.failing[req.Model] {
		return "", errors.New("model overloaded")
	}
	return "Metformin is first line (NICE, NG28).", nil
}

func (m *modelGenerator) Available(context.Context) bool { return true }
func (m *modelGenerator) ModelName() string              { return "primary" }
func (m *modelGenerator) Close() error                   { return nil }

func TestNew_RequiresLLM(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, perrors.ErrNilDependency)
}

func TestGenerate_EmptyBundleRefuses(t *testing.T) {
	// Given a generator that would answer anything
	gen := llm.NewStaticGenerator("made up answer")
	g, err := New(Config{LLM: gen})
	require.NoError(t, err)

	// When the bundle is empty
	ans, err := g.Generate(context.Background(), "Can I get IVF?", citation.Format(nil, 0))

	// Then the refusal is returned without calling the model
	require.NoError(t, err)
	assert.True(t, ans.Refused)
	assert.Equal(t, Refusal, ans.Text)
	assert.Empty(t, gen.Requests())
}

func TestGenerate_PromptAndBibliography(t *testing.T) {
	gen := llm.NewStaticGenerator("  Metformin is first line (NICE, NG28).  ")
	g, err := New(Config{LLM: gen})
	require.NoError(t, err)

	ans, err := g.Generate(context.Background(), "diabetes first line?", testBundle())
	require.NoError(t, err)

	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, SystemPrompt, reqs[0].System)
	assert.True(t, strings.HasPrefix(reqs[0].Prompt, "User Query: diabetes first line?\n\nContext from Policy Documents:\n\n[SOURCE ID: 1]"))
	assert.Equal(t, DefaultTemperature, reqs[0].Temperature)
	assert.Equal(t, DefaultMaxTokens, reqs[0].MaxTokens)

	assert.False(t, ans.Refused)
	assert.True(t, strings.HasPrefix(ans.Text, "Metformin is first line (NICE, NG28).\n\n**Bibliography**"))
	assert.Contains(t, ans.Text, "- NICE (2022). NG28 diabetes. NG28.")
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "(NICE, NG28)", ans.Sources[0].CitationKey)
}

func TestGenerate_KeepsModelBibliography(t *testing.T) {
	gen := llm.NewStaticGenerator("Answer.\n\n### 4. BIBLIOGRAPHY\n- NICE (2022).")
	g, err := New(Config{LLM: gen})
	require.NoError(t, err)

	ans, err := g.Generate(context.Background(), "q", testBundle())

	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.ToLower(ans.Text), "bibliography"))
}

func TestGenerate_FallbackModel(t *testing.T) {
	gen := &modelGenerator{failing: map[string]bool{"gpt-3.5-turbo": true}}
	g, err := New(Config{LLM: gen, Model: "gpt-3.5-turbo", FallbackModel: "gpt-4o-mini"})
	require.NoError(t, err)

	ans, err := g.Generate(context.Background(), "q", testBundle())

	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", ans.Model)
	assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4o-mini"}, gen.models)
}

func TestGenerate_FailureIsGenerationUnavailable(t *testing.T) {
	gen := &modelGenerator{failing: map[string]bool{"": true, "backup": true}}
	g, err := New(Config{LLM: gen, FallbackModel: "backup"})
	require.NoError(t, err)

	ans, err := g.Generate(context.Background(), "q", testBundle())

	assert.Nil(t, ans)
	assert.Equal(t, perrors.ErrCodeGenerationUnavailable, perrors.GetCode(err))
	assert.Len(t, gen.models, 2)
}
