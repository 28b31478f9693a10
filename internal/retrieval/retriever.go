// Package retrieval composes query expansion, concurrent hybrid term
// searches, aggregation, reranking and formatting into the single
// Retrieve entry point.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/logging"
	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/search"
	"github.com/Aman-CERP/policyrag/internal/telemetry"
)

// Defaults.
const (
	DefaultTopN           = 10
	DefaultMaxConcurrency = 3
)

// QueryExpander turns a query into search terms. It must not fail.
type QueryExpander interface {
	Expand(ctx context.Context, query string) search.Expansion
}

// Config configures a Retriever.
type Config struct {
	// Expander is optional; without one the query is searched as is.
	Expander QueryExpander
	Searcher search.TermSearcher
	Policy   scoring.Policy

	TopN int

	// MaxConcurrency bounds concurrent term searches.
	MaxConcurrency int

	Metrics *telemetry.Metrics
	Stats   *telemetry.QueryStats

	// Now is the clock used for recency. Defaults to time.Now.
	Now func() time.Time
}

// Result is a context bundle with the trace of how it was produced.
type Result struct {
	TraceID   string
	Query     string
	Expansion search.Expansion
	Bundle    *citation.Bundle

	// Candidates is the number of distinct chunks before truncation to topN.
	Candidates int
	Duration   time.Duration
}

// Retriever runs the retrieval pipeline. It holds no per-query state and
// is safe for concurrent use.
type Retriever struct {
	cfg Config
}

// New validates cfg and creates a Retriever.
func New(cfg Config) (*Retriever, error) {
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("%w: term searcher", perrors.ErrNilDependency)
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Retriever{cfg: cfg}, nil
}

// DefaultTopN returns the configured number of results per query.
func (r *Retriever) DefaultTopN() int {
	return r.cfg.TopN
}

// Retrieve returns the top topN chunks for query as a context bundle. An
// empty bundle is a valid answer meaning nothing relevant was found.
func (r *Retriever) Retrieve(ctx context.Context, query string, topN int) (*citation.Bundle, error) {
	res, err := r.RetrieveDetailed(ctx, query, topN)
	if err != nil {
		return nil, err
	}
	return res.Bundle, nil
}

// RetrieveDetailed is Retrieve with the expansion and timing trace.
//
// Errors: an invalid query is a validation error; an unreachable index or
// a payload that cannot be ranked is unavailable (perrors.IsUnavailable);
// caller cancellation returns ctx.Err() and no partial result.
func (r *Retriever) RetrieveDetailed(ctx context.Context, query string, topN int) (*Result, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, perrors.New(perrors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if topN <= 0 {
		topN = r.cfg.TopN
	}

	traceID := logging.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = logging.WithTraceID(ctx, traceID)
	}

	res, err := r.run(ctx, query, topN)
	if err != nil {
		r.fail(ctx, query, err, time.Since(start))
		return nil, err
	}
	res.TraceID = traceID
	res.Duration = time.Since(start)

	r.cfg.Metrics.ObserveRetrieve(res.Duration, res.Bundle.Len())
	outcome := telemetry.OutcomeFound
	if res.Bundle.IsEmpty() {
		outcome = telemetry.OutcomeEmpty
	}
	r.cfg.Stats.Record(telemetry.QueryEvent{
		Query:       query,
		Outcome:     outcome,
		ResultCount: res.Bundle.Len(),
		Fallback:    res.Expansion.Fallback,
		Latency:     res.Duration,
	})

	slog.InfoContext(ctx, "retrieve_complete",
		slog.Int("terms", len(res.Expansion.Terms)),
		slog.Bool("expansion_fallback", res.Expansion.Fallback),
		slog.Int("candidates", res.Candidates),
		slog.Int("results", res.Bundle.Len()),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (r *Retriever) run(ctx context.Context, query string, topN int) (*Result, error) {
	exp := search.Expansion{Terms: []string{query}}
	if r.cfg.Expander != nil {
		exp = r.cfg.Expander.Expand(ctx, query)
		if len(exp.Terms) == 0 {
			exp = search.Expansion{Terms: []string{query}, Fallback: true, Reason: "no terms"}
		}
		if exp.Fallback {
			r.cfg.Metrics.ExpansionFallback()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lists, err := r.searchTerms(ctx, exp.Terms, topN)
	if err != nil {
		return nil, err
	}

	merged := search.Aggregate(lists)
	ranked, err := search.Rerank(r.cfg.Policy, merged, r.cfg.Now().Year())
	if err != nil {
		return nil, err
	}

	return &Result{
		Query:      query,
		Expansion:  exp,
		Bundle:     citation.Format(ranked, topN),
		Candidates: len(merged),
	}, nil
}

// searchTerms runs every term concurrently and waits for all of them. Each
// goroutine owns one slot of the result slice. The first hard error
// cancels the remaining searches.
func (r *Retriever) searchTerms(ctx context.Context, terms []string, topN int) ([][]search.Candidate, error) {
	lists := make([][]search.Candidate, len(terms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)
	for i, term := range terms {
		g.Go(func() error {
			cands, err := r.cfg.Searcher.Search(gctx, term, topN)
			if err != nil {
				return err
			}
			lists[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return lists, nil
}

func (r *Retriever) fail(ctx context.Context, query string, err error, d time.Duration) {
	kind := telemetry.KindInternal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = telemetry.KindCancelled
	case perrors.IsUnavailable(err):
		kind = telemetry.KindUnavailable
	}
	r.cfg.Metrics.RetrieveFailed(kind)
	r.cfg.Stats.Record(telemetry.QueryEvent{
		Query:   query,
		Outcome: telemetry.OutcomeFailed,
		Latency: d,
	})
	slog.ErrorContext(ctx, "retrieve_failed",
		slog.String("kind", kind),
		slog.String("code", perrors.GetCode(err)),
		slog.String("error", err.Error()))
}
