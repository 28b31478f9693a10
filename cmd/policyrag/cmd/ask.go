package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/policyrag/internal/audit"
	"github.com/Aman-CERP/policyrag/internal/output"
)

func newAskCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		showTerms  bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from indexed policy, with citations",
		Long: `Retrieve policy context for a question and generate an answer grounded
only in that context. Answers cite sources inline in Harvard style and end
with a bibliography. When nothing relevant is found the answer refers the
question to the Clinical Effectiveness Team instead of guessing.`,
		Example: `  policyrag ask "What is the BMI threshold for bariatric surgery?"
  policyrag ask "How many IVF cycles are funded?" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd, strings.Join(args, " "), limit, jsonOutput, showTerms)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of excerpts used as context (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output answer and sources as JSON")
	cmd.Flags().BoolVar(&showTerms, "show-terms", false, "Print the expanded search terms before the answer")

	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, question string, limit int, jsonOutput, showTerms bool) error {
	defer setupCLILogging()()
	start := time.Now()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{answer: true, audit: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.retriever.RetrieveDetailed(ctx, question, limit)
	if err != nil {
		return err
	}
	ans, err := a.answerer.Generate(ctx, res.Query, res.Bundle)
	if err != nil {
		return err
	}

	a.audit.Record(ctx, audit.NewEntry(res.Query, ans.Text, res.Bundle, res.Expansion.Terms, map[string]any{
		"trace_id":           res.TraceID,
		"source":             "cli",
		"latency_ms":         time.Since(start).Milliseconds(),
		"expansion_fallback": res.Expansion.Fallback,
		"refused":            ans.Refused,
		"model":              ans.Model,
	}))

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ans)
	}

	out := output.New(cmd.OutOrStdout())
	if showTerms {
		out.Statusf("🔎", "Searched: %s", strings.Join(res.Expansion.Terms, "; "))
		out.Newline()
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), ans.Text)
	return err
}
