package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
)

// OpenAI defaults.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
)

// OpenAIConfig configures the OpenAI-compatible embedder.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

// OpenAIEmbedder implements Embedder using an OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	config   OpenAIConfig
	logger   *slog.Logger
}

// NewOpenAIEmbedder creates an embedder backed by langchaingo's OpenAI client.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.APIKey == "" {
		// Local OpenAI-compatible servers accept any token.
		cfg.APIKey = "none"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "create openai client", err)
	}

	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(cfg.BatchSize),
	)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "create embedder", err)
	}

	return &OpenAIEmbedder{
		embedder: embedder,
		config:   cfg,
		logger:   slog.Default().With("component", "openai-embedder"),
	}, nil
}

// Embed generates the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Error("failed to generate embedding", "err", err)
		return nil, perrors.New(perrors.ErrCodeEmbeddingUnavailable, "embedding request failed", err)
	}
	if err := e.checkDims(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch generates embeddings for texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	e.logger.Debug("generating embeddings for texts", "count", len(texts))

	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("failed to generate embeddings", "count", len(texts), "err", err)
		return nil, perrors.New(perrors.ErrCodeEmbeddingUnavailable, "embedding request failed", err)
	}
	if len(vecs) != len(texts) {
		return nil, perrors.New(perrors.ErrCodeEmbeddingUnavailable,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(vecs)), nil)
	}
	for _, v := range vecs {
		if err := e.checkDims(v); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (e *OpenAIEmbedder) checkDims(v []float32) error {
	if len(v) != e.config.Dimensions {
		return perrors.New(perrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("model returned %d dimensions, expected %d", len(v), e.config.Dimensions), nil)
	}
	return nil
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Available reports true; reachability surfaces on the first call.
func (e *OpenAIEmbedder) Available(context.Context) bool {
	return true
}

// Close is a no-op.
func (e *OpenAIEmbedder) Close() error {
	return nil
}
