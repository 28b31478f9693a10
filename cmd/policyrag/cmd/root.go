// Package cmd implements the policyrag command line.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/policyrag/internal/logging"
	"github.com/Aman-CERP/policyrag/pkg/version"
)

var (
	debugMode      bool
	configPath     string
	loggingCleanup func()
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policyrag",
		Short: "Hybrid retrieval and cited answers over NHS clinical policy",
		Long: `policyrag indexes pre-chunked NHS commissioning policy documents and
answers questions from them.

A question is expanded into several search terms, each term runs a hybrid
dense and sparse search, and the merged results are reranked so that local
policy and recent documents win over national or older guidance when
similarity is close. Every excerpt carries a Harvard-style citation.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("policyrag version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.policyrag/logs/")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (skips user and project config)")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging enables file logging for --debug. serve --mcp sets up its
// own file-only logging instead.
func startLogging(cmd *cobra.Command, _ []string) error {
	if !debugMode || isMCPServe(cmd) {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("debug_logging_enabled", slog.String("log_file", logging.DefaultLogPath()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

func isMCPServe(cmd *cobra.Command) bool {
	if cmd.Name() != "serve" {
		return false
	}
	mcp, err := cmd.Flags().GetBool("mcp")
	return err == nil && mcp
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
