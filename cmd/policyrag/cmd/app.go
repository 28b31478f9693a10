package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Aman-CERP/policyrag/internal/answer"
	"github.com/Aman-CERP/policyrag/internal/audit"
	"github.com/Aman-CERP/policyrag/internal/config"
	"github.com/Aman-CERP/policyrag/internal/embed"
	"github.com/Aman-CERP/policyrag/internal/index"
	"github.com/Aman-CERP/policyrag/internal/llm"
	"github.com/Aman-CERP/policyrag/internal/retrieval"
	"github.com/Aman-CERP/policyrag/internal/search"
	"github.com/Aman-CERP/policyrag/internal/store"
	"github.com/Aman-CERP/policyrag/internal/telemetry"
)

const statsFileName = "query_stats.db"

// app holds the components built from one configuration. Fields for
// stages a command does not use stay nil.
type app struct {
	cfg *config.Config

	index    store.HybridIndex
	embedder embed.Embedder
	sparse   *embed.SparseEncoder

	gen       llm.Generator
	retriever *retrieval.Retriever
	answerer  *answer.Generator

	metrics *telemetry.Metrics
	stats   *telemetry.QueryStats
	audit   *audit.Trail
}

type appOptions struct {
	// query builds the retrieval pipeline; otherwise only the index side.
	query bool

	// answer also builds answer generation. Implies query.
	answer bool

	// metrics registers Prometheus collectors.
	metrics bool

	// audit opens the audit trail when the config enables it.
	audit bool
}

// loadConfig loads configuration for the working directory, honouring the
// --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load(".")
}

// newApp builds the components opts asks for. Close releases them.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.embedder, err = embed.New(cfg.Embeddings); err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	if a.sparse, err = embed.NewSparseEncoder(cfg.Embeddings.Analyzer); err != nil {
		return nil, fmt.Errorf("failed to create sparse encoder: %w", err)
	}
	if a.index, err = store.Open(ctx, cfg.Index, a.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if opts.metrics {
		a.metrics = telemetry.NewMetrics()
	}

	if !opts.query && !opts.answer {
		return a, nil
	}

	a.openStats()

	if a.gen, err = llm.New(cfg.LLM); err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}

	hybridCfg := search.HybridClientConfig{
		Index:    a.index,
		Embedder: a.embedder,
		Sparse:   a.sparse,
		Timeout:  cfg.Retrieval.TermTimeout,
	}
	if a.metrics != nil {
		hybridCfg.Failures = a.metrics
	}
	searcher, err := search.NewHybridClient(hybridCfg)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	retrievalCfg := retrieval.Config{
		Searcher:       searcher,
		Policy:         policy,
		TopN:           cfg.Retrieval.TopN,
		MaxConcurrency: cfg.Retrieval.MaxConcurrency,
		Metrics:        a.metrics,
		Stats:          a.stats,
	}
	if !cfg.Retrieval.DisableExpansion {
		retrievalCfg.Expander = search.NewExpander(a.gen, search.ExpanderConfig{
			Terms:     cfg.Retrieval.ExpansionTerms,
			MaxTokens: cfg.LLM.ExpansionMaxTokens,
			Timeout:   cfg.LLM.Timeout,
		})
	}
	if a.retriever, err = retrieval.New(retrievalCfg); err != nil {
		return nil, err
	}

	if opts.answer {
		a.answerer, err = answer.New(answer.Config{
			LLM:           a.gen,
			Model:         cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel,
			Temperature:   cfg.LLM.Temperature,
			MaxTokens:     cfg.LLM.AnswerMaxTokens,
		})
		if err != nil {
			return nil, err
		}
	}

	if opts.audit && cfg.Audit.Enabled {
		if a.audit, err = audit.Open(cfg.Audit.Path); err != nil {
			return nil, fmt.Errorf("failed to open audit trail: %w", err)
		}
	}

	return a, nil
}

// openStats attaches persistent query statistics. A store that cannot be
// opened leaves statistics in memory only.
func (a *app) openStats() {
	path := filepath.Join(a.cfg.Index.DataDir, statsFileName)
	st, err := telemetry.OpenStatsStore(path)
	if err != nil {
		slog.Warn("query_stats_unavailable", slog.String("path", path), slog.String("error", err.Error()))
		a.stats = telemetry.NewQueryStats(nil, telemetry.DefaultQueryStatsConfig())
		return
	}
	a.stats = telemetry.NewQueryStats(st, telemetry.DefaultQueryStatsConfig())
}

// newIngester builds an ingester over the app's index.
func (a *app) newIngester() (*index.Ingester, error) {
	return index.NewIngester(index.IngesterConfig{
		Index:     a.index,
		Embedder:  a.embedder,
		Sparse:    a.sparse,
		Workers:   a.cfg.Ingest.Workers,
		BatchSize: a.cfg.Ingest.BatchSize,
	})
}

// Close flushes statistics and releases every component.
func (a *app) Close() error {
	var errs []error
	if a.stats != nil {
		errs = append(errs, a.stats.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.gen != nil {
		errs = append(errs, a.gen.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	return errors.Join(errs...)
}
