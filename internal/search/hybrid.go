package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/policyrag/internal/embed"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/store"
)

// DefaultTermTimeout bounds one term search: both embeddings and the index query.
const DefaultTermTimeout = 5 * time.Second

// CandidateMultiplier is how many candidates are fetched per requested
// result, leaving the reranker room to promote authoritative chunks.
const CandidateMultiplier = 2

// QueryEncoder produces the sparse representation of a search term.
type QueryEncoder interface {
	EncodeQuery(text string) store.SparseVector
}

// FailureRecorder is notified when a term search degrades.
type FailureRecorder interface {
	TermSearchFailed(reason string)
}

// HybridClientConfig configures a HybridClient.
type HybridClientConfig struct {
	Index    store.HybridIndex
	Embedder embed.Embedder
	Sparse   QueryEncoder

	// Filter restricts every query. Optional.
	Filter store.Filter

	// Timeout bounds each term search. Zero selects DefaultTermTimeout.
	Timeout time.Duration

	// Failures is optional.
	Failures FailureRecorder
}

// HybridClient runs one term against the index using its dense and sparse
// representations together. Fusion of the two rankings is the index's job.
type HybridClient struct {
	cfg HybridClientConfig
}

var _ TermSearcher = (*HybridClient)(nil)

// NewHybridClient validates cfg and creates a HybridClient.
func NewHybridClient(cfg HybridClientConfig) (*HybridClient, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("%w: index", perrors.ErrNilDependency)
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder", perrors.ErrNilDependency)
	}
	if cfg.Sparse == nil {
		return nil, fmt.Errorf("%w: sparse encoder", perrors.ErrNilDependency)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTermTimeout
	}
	return &HybridClient{cfg: cfg}, nil
}

// Search returns up to topK*CandidateMultiplier candidates for term, best
// first. An embedding failure or timeout degrades to an empty result; any
// other index failure is returned as ERR_304_INDEX_UNAVAILABLE. Caller
// cancellation is returned as ctx.Err().
func (c *HybridClient) Search(ctx context.Context, term string, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return []Candidate{}, nil
	}

	termCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	dense, sparse, err := c.encode(termCtx, term)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.degrade(ctx, term, "embedding", err)
		return []Candidate{}, nil
	}

	points, err := c.cfg.Index.Query(termCtx, store.Query{
		Dense:  dense,
		Sparse: sparse,
		Filter: c.cfg.Filter,
		Limit:  topK * CandidateMultiplier,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(termCtx.Err(), context.DeadlineExceeded) {
			c.degrade(ctx, term, "timeout", err)
			return []Candidate{}, nil
		}
		if perrors.IsUnavailable(err) {
			return nil, err
		}
		return nil, perrors.UnavailableError("hybrid index query failed", err)
	}

	out := make([]Candidate, 0, len(points))
	for _, p := range points {
		if p.Payload.ChunkID == "" {
			return nil, perrors.New(perrors.ErrCodeMalformedPayload,
				fmt.Sprintf("index point %d has no chunk_id", p.ID), nil)
		}
		out = append(out, Candidate{
			ChunkID:    p.Payload.ChunkID,
			FusedScore: p.Score,
			Payload:    p.Payload,
		})
	}
	return out, nil
}

// encode obtains both representations concurrently. The sparse encoder is
// local and cannot fail.
func (c *HybridClient) encode(ctx context.Context, term string) ([]float32, store.SparseVector, error) {
	var (
		dense  []float32
		sparse store.SparseVector
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.cfg.Embedder.Embed(gctx, term)
		if err != nil {
			return err
		}
		dense = v
		return nil
	})
	g.Go(func() error {
		sparse = c.cfg.Sparse.EncodeQuery(term)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, store.SparseVector{}, err
	}
	return dense, sparse, nil
}

func (c *HybridClient) degrade(ctx context.Context, term, reason string, err error) {
	slog.WarnContext(ctx, "term_search_failed",
		slog.String("term", term),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	if c.cfg.Failures != nil {
		c.cfg.Failures.TermSearchFailed(reason)
	}
}
