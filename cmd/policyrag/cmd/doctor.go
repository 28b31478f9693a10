package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/policyrag/internal/audit"
	"github.com/Aman-CERP/policyrag/internal/config"
	"github.com/Aman-CERP/policyrag/internal/llm"
	"github.com/Aman-CERP/policyrag/internal/output"
	"github.com/Aman-CERP/policyrag/internal/preflight"
	"github.com/Aman-CERP/policyrag/internal/telemetry"
)

type doctorOptions struct {
	jsonOutput bool
	verbose    bool
	stats      bool
	days       int
}

func newDoctorCmd() *cobra.Command {
	var opts doctorOptions

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the index, model services and local storage",
		Long: `Run diagnostics: data directory and disk space, file descriptor limit,
index health and contents, and whether the embedding and language models
answer. With --stats also report query statistics and the audit trail.

Exits non-zero when a required check fails.`,
		Example: `  policyrag doctor
  policyrag doctor --verbose
  policyrag doctor --stats --days 30
  policyrag doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show check details")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Include query statistics and audit summary")
	cmd.Flags().IntVar(&opts.days, "days", 7, "Days of query statistics to include")

	return cmd
}

type doctorReport struct {
	Status string                  `json:"status"`
	Checks []preflight.CheckResult `json:"checks"`
	Stats  *telemetry.Snapshot     `json:"query_stats,omitempty"`
	Audit  *audit.Summary          `json:"audit,omitempty"`
}

func runDoctor(ctx context.Context, cmd *cobra.Command, opts doctorOptions) error {
	defer setupCLILogging()()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report := doctorReport{}
	targets := preflight.Targets{DataDir: cfg.Index.DataDir}

	a, appErr := newApp(ctx, cfg, appOptions{})
	if appErr == nil {
		defer func() { _ = a.Close() }()
		targets.Index = a.index
		targets.Embedder = a.embedder
		if gen, err := llm.New(cfg.LLM); err == nil {
			defer func() { _ = gen.Close() }()
			targets.LLM = gen
		}
	}

	report.Checks = preflight.New().RunAll(ctx, targets)
	if appErr != nil {
		report.Checks = append(report.Checks, preflight.CheckResult{
			Name:     "index",
			Status:   preflight.StatusFail,
			Message:  "cannot open",
			Details:  appErr.Error(),
			Required: true,
		})
	}
	report.Status = preflight.SummaryStatus(report.Checks)

	if opts.stats {
		report.Stats, report.Audit = loadUsage(cfg, opts.days)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		out := output.New(cmd.OutOrStdout())
		preflight.PrintResults(out, report.Checks, opts.verbose)
		if opts.stats {
			printUsage(out, report.Stats, report.Audit, opts.days)
		}
	}

	if preflight.HasCriticalFailures(report.Checks) {
		return fmt.Errorf("doctor found critical failures")
	}
	return nil
}

// loadUsage reads persisted query statistics and the audit summary. Either
// is nil when it cannot be read.
func loadUsage(cfg *config.Config, days int) (*telemetry.Snapshot, *audit.Summary) {
	var snap *telemetry.Snapshot
	path := filepath.Join(cfg.Index.DataDir, statsFileName)
	if _, err := os.Stat(path); err == nil {
		if st, err := telemetry.OpenStatsStore(path); err == nil {
			from := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
			snap, _ = st.Load(from, 10)
			_ = st.Close()
		}
	}

	var sum *audit.Summary
	if cfg.Audit.Enabled {
		sum, _ = audit.Summarize(cfg.Audit.Path)
	}
	return snap, sum
}

func printUsage(out *output.Writer, snap *telemetry.Snapshot, sum *audit.Summary, days int) {
	out.Newline()
	out.Header(fmt.Sprintf("Queries (last %d days)", days))
	if snap == nil || snap.TotalQueries == 0 {
		out.Status("", "No queries recorded")
	} else {
		out.KeyValue("Total", fmt.Sprintf("%d", snap.TotalQueries))
		out.KeyValue("Zero results", fmt.Sprintf("%d (%.1f%%)", snap.ZeroResultCount, snap.ZeroResultPercentage()))

		buckets := make([]string, 0, len(snap.LatencyDistribution))
		for b := range snap.LatencyDistribution {
			buckets = append(buckets, string(b))
		}
		sort.Strings(buckets)
		for _, b := range buckets {
			out.KeyValue("Latency "+b, fmt.Sprintf("%d", snap.LatencyDistribution[telemetry.LatencyBucket(b)]))
		}
		for _, tc := range snap.TopTerms {
			out.KeyValue("Term "+tc.Term, fmt.Sprintf("%d", tc.Count))
		}
	}

	if sum == nil {
		return
	}
	out.Newline()
	out.Header("Audit trail")
	out.KeyValue("Entries", fmt.Sprintf("%d", sum.TotalQueries))
	if sum.TotalQueries > 0 {
		out.KeyValue("Avg excerpts", fmt.Sprintf("%.1f", sum.AvgChunksPerQuery))
		out.KeyValue("Last query", sum.LastQuery.Format(time.RFC3339))
	}
	if sum.UnreadableLineCount > 0 {
		out.Warningf("%d unreadable audit lines", sum.UnreadableLineCount)
	}
}
