package logging

import (
	"log/slog"
)

// SetupMCPMode installs file-only logging for the MCP stdio server.
// stdout carries JSON-RPC and stderr is often captured by the client, so
// nothing may be written to either.
func SetupMCPMode(level string) (func(), error) {
	cfg := DefaultConfig()
	cfg.WriteToStderr = false
	if level != "" {
		cfg.Level = level
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	slog.Info("mcp_logging_initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))

	return cleanup, nil
}
