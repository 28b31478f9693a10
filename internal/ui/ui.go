// Package ui renders ingest progress as a terminal UI or plain text.
package ui

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/policyrag/internal/index"
)

// ErrorEvent is a per-file failure or warning during ingest.
type ErrorEvent struct {
	File   string
	Err    error
	IsWarn bool
}

// Renderer displays ingest progress.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress records a batch completion.
	UpdateProgress(p index.Progress)

	// AddError records a failed or skipped file.
	AddError(event ErrorEvent)

	// Complete shows the run summary.
	Complete(res index.Result)

	// Stop stops the renderer and restores the terminal.
	Stop() error
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	SourceDir  string // shown in the TUI header
	// OnInterrupt runs when the user quits the TUI before completion.
	// The TUI owns the terminal, so Ctrl+C arrives as a key press rather
	// than a signal.
	OnInterrupt func()
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithSourceDir sets the chunk directory shown in the header.
func WithSourceDir(dir string) ConfigOption {
	return func(c *Config) {
		c.SourceDir = dir
	}
}

// WithInterrupt sets the callback for a user quit.
func WithInterrupt(fn func()) ConfigOption {
	return func(c *Config) {
		c.OnInterrupt = fn
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a TUI renderer for interactive terminals and a plain
// text renderer for CI, pipes, or when --no-tui is given.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}

	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}

// overallFraction estimates run progress from a per-file event, counting
// each file as an equal share.
func overallFraction(p index.Progress) float64 {
	if p.Files <= 0 {
		return 0
	}
	fileShare := 0.0
	if p.Total > 0 {
		fileShare = float64(p.Done) / float64(p.Total)
	}
	f := (float64(p.FileIndex-1) + fileShare) / float64(p.Files)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
