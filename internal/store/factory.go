package store

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/policyrag/internal/config"
)

// Open returns the HybridIndex selected by cfg for dims-dimensional vectors.
func Open(ctx context.Context, cfg config.IndexConfig, dims int) (HybridIndex, error) {
	switch cfg.Backend {
	case config.BackendLocal, "":
		return OpenLocal(ctx, LocalConfig{
			DataDir:    cfg.DataDir,
			Dimensions: dims,
			RRFK:       cfg.RRFK,
		})
	case config.BackendQdrant:
		return NewQdrantIndex(QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.APIKey,
			Collection: cfg.Collection,
			Dimensions: dims,
			Timeout:    cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}
