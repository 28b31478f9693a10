package llm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
)

// Default OpenAI generator configuration.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-3.5-turbo"
)

// OpenAIConfig configures the OpenAI-compatible generator.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator implements Generator using an OpenAI-compatible chat API.
type OpenAIGenerator struct {
	config OpenAIConfig

	mu sync.Mutex
	// clients holds one langchaingo client per model; Request.Model may
	// select a model other than the default.
	clients map[string]llms.Model
	logger  *slog.Logger
}

// NewOpenAIGenerator creates a chat-completion generator.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.APIKey == "" {
		// Local OpenAI-compatible servers accept any token.
		cfg.APIKey = "none"
	}

	g := &OpenAIGenerator{
		config:  cfg,
		clients: make(map[string]llms.Model),
		logger:  slog.Default().With("component", "openai-generator"),
	}
	if _, err := g.client(cfg.Model); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *OpenAIGenerator) client(model string) (llms.Model, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[model]; ok {
		return c, nil
	}
	c, err := openai.New(
		openai.WithBaseURL(g.config.BaseURL),
		openai.WithToken(g.config.APIKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "create openai client", err)
	}
	g.clients[model] = c
	return c, nil
}

// Generate sends req as a system + human message pair.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	model := g.config.Model
	if req.Model != "" {
		model = req.Model
	}
	client, err := g.client(model)
	if err != nil {
		return "", err
	}

	content := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	ctx, cancel := withTimeout(ctx, g.config.Timeout)
	defer cancel()

	resp, err := client.GenerateContent(ctx, content, opts...)
	if err != nil {
		g.logger.Error("failed to generate content", "model", model, "err", err)
		return "", perrors.New(perrors.ErrCodeGenerationUnavailable, "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", perrors.New(perrors.ErrCodeGenerationUnavailable, "no choices returned from model", nil)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// Available reports whether a client could be constructed. The chat API has
// no cheap health endpoint, so reachability is discovered on first call.
func (g *OpenAIGenerator) Available(_ context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients) > 0
}

// ModelName returns the default model.
func (g *OpenAIGenerator) ModelName() string {
	return g.config.Model
}

// Close is a no-op.
func (g *OpenAIGenerator) Close() error {
	return nil
}
