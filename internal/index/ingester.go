package index

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Aman-CERP/policyrag/internal/embed"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/store"
)

// DefaultBatchSize is the number of chunks embedded and upserted together.
const DefaultBatchSize = 100

// IngesterConfig configures an Ingester.
type IngesterConfig struct {
	Index    store.HybridIndex
	Embedder embed.Embedder
	Sparse   *embed.SparseEncoder

	// Workers is the number of batches processed concurrently.
	Workers int

	// BatchSize is the number of chunks per embedding request and upsert.
	BatchSize int
}

// Progress reports ingestion progress after each batch. Done and Total
// count chunks within File; FileIndex is 1-based out of Files.
type Progress struct {
	File      string
	Done      int
	Total     int
	FileIndex int
	Files     int
}

// Result summarises an ingest run.
type Result struct {
	Files    int           `json:"files"`
	Chunks   int           `json:"chunks"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Failed   []string      `json:"failed_files,omitempty"`
	Duration time.Duration `json:"duration"`
}

// collectionEnsurer is implemented by backends that create their
// collection lazily.
type collectionEnsurer interface {
	EnsureCollection(ctx context.Context) error
}

// flusher is implemented by backends that buffer writes.
type flusher interface {
	Flush() error
}

// Ingester embeds chunk files and upserts them into a hybrid index.
type Ingester struct {
	cfg        IngesterConfig
	onProgress func(Progress)
	mu         sync.Mutex
}

// NewIngester validates cfg and creates an Ingester.
func NewIngester(cfg IngesterConfig) (*Ingester, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("%w: index", perrors.ErrNilDependency)
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder", perrors.ErrNilDependency)
	}
	if cfg.Sparse == nil {
		return nil, fmt.Errorf("%w: sparse encoder", perrors.ErrNilDependency)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Ingester{cfg: cfg}, nil
}

// OnProgress sets a callback invoked after every batch. The callback is
// never called concurrently.
func (in *Ingester) OnProgress(fn func(Progress)) {
	in.onProgress = fn
}

// Prepare readies the index for writes. With recreate set, all existing
// points are dropped first.
func (in *Ingester) Prepare(ctx context.Context, recreate bool) error {
	if recreate {
		slog.Info("index_recreate")
		if err := in.cfg.Index.Recreate(ctx); err != nil {
			return perrors.New(perrors.ErrCodeIngestFailed, "failed to recreate index", err)
		}
		return nil
	}
	if e, ok := in.cfg.Index.(collectionEnsurer); ok {
		if err := e.EnsureCollection(ctx); err != nil {
			return perrors.New(perrors.ErrCodeIngestFailed, "failed to prepare collection", err)
		}
	}
	return nil
}

// IngestDir ingests every chunk file in dir. A file that cannot be read is
// logged and recorded in Result.Failed; embedding or upsert failures abort.
func (in *Ingester) IngestDir(ctx context.Context, dir string, recreate bool) (Result, error) {
	start := time.Now()

	files, err := FindChunkFiles(dir)
	if err != nil {
		return Result{}, err
	}
	slog.Info("chunk_files_found", slog.String("dir", dir), slog.Int("count", len(files)))

	if err := in.Prepare(ctx, recreate); err != nil {
		return Result{}, err
	}

	var total Result
	for i, f := range files {
		r, err := in.ingest(ctx, f, i+1, len(files))
		if err != nil {
			if ctx.Err() != nil || !isFileError(err) {
				return total, err
			}
			slog.Error("chunk_file_failed", slog.String("file", filepath.Base(f)), slog.String("error", err.Error()))
			total.Failed = append(total.Failed, f)
			continue
		}
		total.Files++
		total.Chunks += r.Chunks
		total.Indexed += r.Indexed
		total.Skipped += r.Skipped
	}

	if err := in.flush(); err != nil {
		return total, err
	}

	total.Duration = time.Since(start)
	slog.Info("ingest_complete",
		slog.Int("files", total.Files),
		slog.Int("indexed", total.Indexed),
		slog.Int("skipped", total.Skipped),
		slog.Int("failed_files", len(total.Failed)),
		slog.Duration("duration", total.Duration))
	return total, nil
}

// IngestFile ingests a single chunk file, replacing its points by ID.
func (in *Ingester) IngestFile(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	r, err := in.ingest(ctx, path, 1, 1)
	if err != nil {
		return r, err
	}
	if err := in.flush(); err != nil {
		return r, err
	}
	r.Files = 1
	r.Duration = time.Since(start)
	return r, nil
}

func isFileError(err error) bool {
	switch perrors.GetCode(err) {
	case perrors.ErrCodeFileNotFound, perrors.ErrCodeFileCorrupt:
		return true
	}
	return false
}

func (in *Ingester) flush() error {
	if f, ok := in.cfg.Index.(flusher); ok {
		if err := f.Flush(); err != nil {
			return perrors.New(perrors.ErrCodeIngestFailed, "failed to flush index", err)
		}
	}
	return nil
}

// ingest loads, embeds and upserts one file. Batches are processed on a
// worker pool; the first failure cancels the remaining batches.
func (in *Ingester) ingest(ctx context.Context, path string, fileIdx, files int) (Result, error) {
	chunks, err := LoadChunkFile(path)
	if err != nil {
		return Result{}, err
	}
	payloads, skipped := ValidPayloads(path, chunks)
	res := Result{Chunks: len(chunks), Skipped: skipped}
	if len(payloads) == 0 {
		return res, nil
	}

	pool, err := ants.NewPool(in.cfg.Workers)
	if err != nil {
		return res, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		done     int
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	name := filepath.Base(path)
	for startIdx := 0; startIdx < len(payloads); startIdx += in.cfg.BatchSize {
		end := min(startIdx+in.cfg.BatchSize, len(payloads))
		batch := payloads[startIdx:end]

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := in.upsertBatch(ctx, batch); err != nil {
				fail(err)
				return
			}

			in.mu.Lock()
			done += len(batch)
			if in.onProgress != nil {
				in.onProgress(Progress{File: name, Done: done, Total: len(payloads), FileIndex: fileIdx, Files: files})
			}
			in.mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			fail(fmt.Errorf("failed to submit batch: %w", submitErr))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return res, firstErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Indexed = done
	slog.Info("chunk_file_indexed",
		slog.String("file", name),
		slog.Int("chunks", len(chunks)),
		slog.Int("indexed", done),
		slog.Int("skipped", skipped))
	return res, nil
}

func (in *Ingester) upsertBatch(ctx context.Context, batch []store.Payload) error {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.Text
	}

	dense, err := in.cfg.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return perrors.New(perrors.ErrCodeIngestFailed, "failed to embed batch", err)
	}
	if len(dense) != len(batch) {
		return perrors.New(perrors.ErrCodeIngestFailed,
			fmt.Sprintf("embedder returned %d vectors for %d texts", len(dense), len(batch)), nil)
	}

	points := make([]store.Point, len(batch))
	for i, p := range batch {
		points[i] = store.Point{
			ID:      store.PointID(p.ChunkID),
			Dense:   dense[i],
			Sparse:  in.cfg.Sparse.EncodeDocument(p.Text),
			Payload: p,
		}
	}

	if err := in.cfg.Index.Upsert(ctx, points); err != nil {
		return perrors.New(perrors.ErrCodeIngestFailed, "failed to upsert batch", err)
	}
	return nil
}
