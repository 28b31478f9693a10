// Package llm provides the text-generation clients used for query expansion
// and answer synthesis.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/policyrag/internal/config"
)

// Request is a single chat-style completion request.
type Request struct {
	// System is the system instruction. May be empty.
	System string
	// Prompt is the user message.
	Prompt string

	Temperature float64
	MaxTokens   int

	// Model overrides the generator's configured model for this call.
	Model string
}

// Generator produces text completions.
type Generator interface {
	// Generate returns the completion text for req.
	Generate(ctx context.Context, req Request) (string, error)

	// Available checks if the backing service is reachable.
	Available(ctx context.Context) bool

	// ModelName returns the default model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// New builds the Generator selected by cfg, wrapped in a rate limiter when
// cfg.RequestsPerSecond is positive.
func New(cfg config.LLMConfig) (Generator, error) {
	var (
		gen Generator
		err error
	)

	switch strings.ToLower(cfg.Provider) {
	case config.ProviderOpenAI, "":
		gen, err = NewOpenAIGenerator(OpenAIConfig{
			BaseURL: cfg.Endpoint,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case config.ProviderOllama:
		gen, err = NewOllamaGenerator(OllamaConfig{
			Host:    cfg.Endpoint,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case config.ProviderStatic:
		gen = NewStaticGenerator("")
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		gen = NewLimited(gen, cfg.RequestsPerSecond, cfg.Burst)
	}
	return gen, nil
}

// withTimeout applies d to ctx when ctx has no earlier deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
