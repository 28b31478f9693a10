package embed

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/policyrag/internal/config"
)

// New builds the dense embedder selected by cfg, wrapped in an LRU cache
// when cfg.CacheSize is positive.
func New(cfg config.EmbeddingsConfig) (Embedder, error) {
	var inner Embedder

	switch strings.ToLower(cfg.Provider) {
	case config.ProviderOpenAI, "":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case config.ProviderOllama:
		inner = NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		})
	case config.ProviderStatic:
		inner = NewStaticEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}
