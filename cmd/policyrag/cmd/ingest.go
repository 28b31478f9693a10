package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/policyrag/internal/config"
	"github.com/Aman-CERP/policyrag/internal/index"
	"github.com/Aman-CERP/policyrag/internal/output"
	"github.com/Aman-CERP/policyrag/internal/ui"
)

type ingestOptions struct {
	recreate bool
	watch    bool
	noTUI    bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <chunks-dir>",
		Short: "Embed chunk files and load them into the index",
		Long: `Load pre-chunked policy documents into the hybrid index.

Each *_chunks.json file holds the chunks of one document with their
source_type, organization, file_name and last_updated metadata. Chunks
are embedded densely and sparsely and upserted by chunk_id, so running
ingest again replaces chunks rather than duplicating them.

Use --recreate to drop the index first. Use --watch to keep running and
re-ingest chunk files as they are written.`,
		Example: `  policyrag ingest ./processed_chunks
  policyrag ingest ./processed_chunks --recreate
  policyrag ingest ./processed_chunks --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIngest(ctx, cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.recreate, "recreate", false, "Drop and recreate the index before loading")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Keep watching the directory for new or changed chunk files")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Disable TUI mode, use plain text output")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, dir string, opts ingestOptions) error {
	defer setupCLILogging()()
	out := output.New(cmd.OutOrStdout())

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if info, err := os.Stat(absDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The local backend is a set of files; one writer at a time.
	if cfg.Index.Backend == config.BackendLocal {
		lock := index.NewLock(cfg.Index.DataDir)
		if err := lock.TryLock(); err != nil {
			return err
		}
		defer func() { _ = lock.Unlock() }()
	}

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ing, err := a.newIngester()
	if err != nil {
		return err
	}
	// The TUI reads keys in raw mode, so Ctrl+C reaches it rather than the
	// signal handler.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(opts.noTUI),
		ui.WithSourceDir(absDir),
		ui.WithInterrupt(cancel),
	))
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("failed to start progress renderer", slog.String("error", err.Error()))
	}
	stopped := false
	stopRenderer := func() {
		if !stopped {
			stopped = true
			_ = renderer.Stop()
		}
	}
	defer stopRenderer()

	ing.OnProgress(renderer.UpdateProgress)

	res, err := ing.IngestDir(ctx, absDir, opts.recreate)
	if err != nil {
		return err
	}
	for _, f := range res.Failed {
		renderer.AddError(ui.ErrorEvent{File: filepath.Base(f), Err: errors.New("could not read chunk file")})
	}
	renderer.Complete(res)
	stopRenderer()

	if !opts.watch {
		return nil
	}
	ing.OnProgress(func(p index.Progress) {
		out.Progress(p.Done, p.Total, p.File)
	})
	out.Statusf("👀", "Watching %s (Ctrl+C to stop)", absDir)
	return ing.Watch(ctx, absDir, cfg.Ingest.WatchDebounce)
}
