package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/policyrag/internal/api"
	"github.com/Aman-CERP/policyrag/internal/config"
	"github.com/Aman-CERP/policyrag/internal/logging"
	"github.com/Aman-CERP/policyrag/internal/mcp"
)

func newServeCmd() *cobra.Command {
	var (
		mcpMode bool
		addr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve retrieval and answers over HTTP or MCP",
		Long: `Start the HTTP API, or an MCP server on stdio with --mcp.

HTTP routes:
  POST /query    answer a question with citations and a thought trace
  GET  /health   liveness
  GET  /ready    index readiness
  GET  /metrics  Prometheus metrics

MCP tools: retrieve_policy, ask_policy, index_status.`,
		Example: `  policyrag serve
  policyrag serve --addr 0.0.0.0:8000
  policyrag serve --mcp`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if mcpMode {
				return runServeMCP(ctx)
			}
			return runServeHTTP(ctx, addr)
		},
	}

	cmd.Flags().BoolVar(&mcpMode, "mcp", false, "Serve MCP over stdio instead of HTTP")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")

	return cmd
}

func runServeHTTP(ctx context.Context, addr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	logger, cleanup, err := logging.Setup(loggingConfig(cfg, true))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, appOptions{answer: true, metrics: true, audit: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	srv, err := api.New(api.Config{
		Retriever:      a.retriever,
		Answerer:       a.answerer,
		Index:          a.index,
		Metrics:        a.metrics,
		Audit:          a.audit,
		MaxQueryLength: cfg.Server.MaxQueryLength,
		MaxLimit:       cfg.Server.MaxLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx, addr)
}

func runServeMCP(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debugMode {
		level = "debug"
	}
	cleanup, err := logging.SetupMCPMode(level)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()

	a, err := newApp(ctx, cfg, appOptions{answer: true})
	if err != nil {
		slog.Error("mcp_startup_failed", slog.String("error", err.Error()))
		return err
	}
	defer func() { _ = a.Close() }()

	srv, err := mcp.NewServer(mcp.Config{
		Retriever: a.retriever,
		Answerer:  a.answerer,
		Index:     a.index,
		Embedder:  a.embedder.ModelName(),
		Stats:     a.stats,
	})
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// loggingConfig maps the logging section onto the logger setup.
func loggingConfig(cfg *config.Config, stderr bool) logging.Config {
	lc := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		lc.Level = cfg.Logging.Level
	}
	if debugMode {
		lc.Level = "debug"
	}
	if cfg.Logging.File != "" {
		lc.FilePath = cfg.Logging.File
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSizeMB = cfg.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxFiles > 0 {
		lc.MaxFiles = cfg.Logging.MaxFiles
	}
	lc.WriteToStderr = stderr
	return lc
}
