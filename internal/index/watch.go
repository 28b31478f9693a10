package index

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a changed file is re-ingested.
const DefaultDebounce = 500 * time.Millisecond

// debouncer coalesces repeated writes to the same path. Each path is
// emitted once per quiet window, however many events arrived.
type debouncer struct {
	window  time.Duration
	pending map[string]struct{}
	mu      sync.Mutex
	output  chan []string
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &debouncer{
		window:  window,
		pending: make(map[string]struct{}),
		output:  make(chan []string, 10),
	}
}

func (d *debouncer) add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[path] = struct{}{}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	d.pending = make(map[string]struct{})

	select {
	case d.output <- paths:
	default:
		slog.Warn("watch_batch_dropped", slog.Int("files", len(paths)))
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}

// Watch re-ingests chunk files in dir as they are created or written, until
// ctx is cancelled. Removed files are not deleted from the index.
func (in *Ingester) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("watch_started", slog.String("dir", dir))

	d := newDebouncer(debounce)
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("watch_stopped", slog.String("dir", dir))
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !IsChunkFile(ev.Name) || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			d.add(ev.Name)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))

		case paths := <-d.output:
			for _, p := range paths {
				r, err := in.IngestFile(ctx, p)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					slog.Error("watch_ingest_failed",
						slog.String("file", filepath.Base(p)),
						slog.String("error", err.Error()))
					continue
				}
				slog.Info("watch_ingested",
					slog.String("file", filepath.Base(p)),
					slog.Int("indexed", r.Indexed))
			}
		}
	}
}
