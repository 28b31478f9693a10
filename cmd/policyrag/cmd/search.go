package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/policyrag/internal/logging"
	"github.com/Aman-CERP/policyrag/internal/output"
	"github.com/Aman-CERP/policyrag/internal/retrieval"
)

type searchOptions struct {
	limit   int
	format  string // "text", "context", "json"
	explain bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve cited policy excerpts for a query",
		Long: `Retrieve the policy excerpts most relevant to a query, reranked by
similarity, source authority and recency.

Formats:
  text     ranked list with citation keys and scores (default)
  context  the citation-annotated context block given to the answer model
  json     the full retrieval trace`,
		Example: `  policyrag search "bariatric surgery BMI threshold"
  policyrag search "IVF eligibility" --limit 5 --explain
  policyrag search "continuing healthcare" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of excerpts (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, context, json")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show expanded search terms and score components")

	return cmd
}

// setupCLILogging logs to the log file only, keeping the terminal clean.
func setupCLILogging() func() {
	if loggingCleanup != nil {
		return func() {}
	}
	cfg := logging.DefaultConfig()
	cfg.WriteToStderr = false
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return func() {}
	}
	prev := slog.Default()
	slog.SetDefault(logger)
	return func() {
		slog.SetDefault(prev)
		cleanup()
	}
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	switch opts.format {
	case "text", "context", "json":
	default:
		return fmt.Errorf("unknown format %q (supported: text, context, json)", opts.format)
	}

	defer setupCLILogging()()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{query: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.retriever.RetrieveDetailed(ctx, query, opts.limit)
	if err != nil {
		return err
	}
	return printSearchResult(cmd.OutOrStdout(), res, opts)
}

func printSearchResult(w io.Writer, res *retrieval.Result, opts searchOptions) error {
	switch opts.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(searchJSON(res))
	case "context":
		_, err := fmt.Fprintln(w, res.Bundle.Text())
		return err
	}

	out := output.New(w)
	if opts.explain {
		out.Header("Search terms")
		for _, t := range res.Expansion.Terms {
			out.Status("•", t)
		}
		if res.Expansion.Fallback {
			out.Warning("Expansion unavailable, searched the original query")
		}
		out.Newline()
	}

	if res.Bundle.IsEmpty() {
		out.Warning("No relevant policy found")
		return nil
	}

	out.Header(fmt.Sprintf("%d excerpts for %q", res.Bundle.Len(), res.Query))
	for _, blk := range res.Bundle.Blocks {
		r := blk.Chunk
		out.Newline()
		out.Statusf(fmt.Sprintf("%2d.", blk.SourceID), "%s  %s  [%s]", blk.Key, r.Payload.FileName, r.SourceType)
		out.KeyValue("Score", fmt.Sprintf("%.4f", r.Final))
		if opts.explain {
			out.KeyValue("Similarity", fmt.Sprintf("%.4f", r.Similarity))
			out.KeyValue("Priority", fmt.Sprintf("%.2f", r.Priority))
			out.KeyValue("Recency", fmt.Sprintf("%.2f", r.Recency))
		}
		if h := strings.TrimSpace(r.Payload.ContextHeader); h != "" {
			out.KeyValue("Section", h)
		}
		out.Block(snippet(r.Payload.Text, 300))
	}
	return nil
}

type searchChunkJSON struct {
	SourceID   int     `json:"source_id"`
	ChunkID    string  `json:"chunk_id"`
	CiteAs     string  `json:"cite_as"`
	FileName   string  `json:"file_name"`
	SourceType string  `json:"source_type"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Priority   float64 `json:"priority"`
	Recency    float64 `json:"recency"`
	Text       string  `json:"text"`
}

type searchResultJSON struct {
	TraceID       string            `json:"trace_id"`
	Query         string            `json:"query"`
	ExpandedTerms []string          `json:"expanded_terms"`
	Fallback      bool              `json:"expansion_fallback"`
	Candidates    int               `json:"candidates"`
	Chunks        []searchChunkJSON `json:"chunks"`
}

func searchJSON(res *retrieval.Result) searchResultJSON {
	out := searchResultJSON{
		TraceID:       res.TraceID,
		Query:         res.Query,
		ExpandedTerms: res.Expansion.Terms,
		Fallback:      res.Expansion.Fallback,
		Candidates:    res.Candidates,
		Chunks:        []searchChunkJSON{},
	}
	for _, blk := range res.Bundle.Blocks {
		r := blk.Chunk
		out.Chunks = append(out.Chunks, searchChunkJSON{
			SourceID:   blk.SourceID,
			ChunkID:    r.ChunkID,
			CiteAs:     blk.Key.String(),
			FileName:   r.Payload.FileName,
			SourceType: string(r.SourceType),
			Score:      r.Final,
			Similarity: r.Similarity,
			Priority:   r.Priority,
			Recency:    r.Recency,
			Text:       r.Payload.Text,
		})
	}
	return out
}

func snippet(text string, n int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
