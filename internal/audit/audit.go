// Package audit appends one JSON line per answered query to the audit
// trail used for offline evaluation. Audit failures never fail a query.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/policyrag/internal/citation"
	"github.com/Aman-CERP/policyrag/internal/logging"
)

// PreviewLength is the number of characters of chunk text kept per entry.
const PreviewLength = 200

// Audit trail files rotate at this size.
const (
	maxSizeMB = 50
	maxFiles  = 5
)

// ChunkRecord summarises one retrieved chunk.
type ChunkRecord struct {
	ChunkID       string  `json:"chunk_id"`
	Score         float64 `json:"score"`
	OriginalScore float64 `json:"original_score"`
	PriorityScore float64 `json:"priority_score"`
	RecencyScore  float64 `json:"recency_score"`
	FileName      string  `json:"file_name"`
	SourceType    string  `json:"source_type"`
	Organization  string  `json:"organization"`
	ContextHeader string  `json:"context_header,omitempty"`
	TextPreview   string  `json:"text_preview"`
}

// Entry is one line of the audit trail.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Query         string         `json:"query"`
	Response      string         `json:"response"`
	NumChunks     int            `json:"num_chunks"`
	Chunks        []ChunkRecord  `json:"chunks"`
	ExpandedTerms []string       `json:"expanded_terms"`
	Metadata      map[string]any `json:"metadata"`
}

// NewEntry builds an entry for a query, its response and the bundle the
// response was grounded on.
func NewEntry(query, response string, bundle *citation.Bundle, expanded []string, metadata map[string]any) Entry {
	chunks := make([]ChunkRecord, 0, bundle.Len())
	for _, r := range bundle.Chunks() {
		chunks = append(chunks, ChunkRecord{
			ChunkID:       r.ChunkID,
			Score:         r.Final,
			OriginalScore: r.Similarity,
			PriorityScore: r.Priority,
			RecencyScore:  r.Recency,
			FileName:      r.Payload.FileName,
			SourceType:    string(r.SourceType),
			Organization:  r.Payload.Organization,
			ContextHeader: r.Payload.ContextHeader,
			TextPreview:   Preview(r.Payload.Text),
		})
	}
	if expanded == nil {
		expanded = []string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Entry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Query:         query,
		Response:      response,
		NumChunks:     len(chunks),
		Chunks:        chunks,
		ExpandedTerms: expanded,
		Metadata:      metadata,
	}
}

// Preview returns the first PreviewLength characters of text followed by
// "...", or "" for empty text.
func Preview(text string) string {
	if text == "" {
		return ""
	}
	r := []rune(text)
	if len(r) > PreviewLength {
		r = r[:PreviewLength]
	}
	return string(r) + "..."
}

// Trail appends entries to a size-rotated JSONL file. A nil *Trail
// discards entries.
type Trail struct {
	mu sync.Mutex
	w  *logging.RotatingWriter
}

// Open opens or creates the trail at path.
func Open(path string) (*Trail, error) {
	w, err := logging.NewRotatingWriter(path, maxSizeMB, maxFiles)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	return &Trail{w: w}, nil
}

// Path returns the active file path.
func (t *Trail) Path() string {
	if t == nil {
		return ""
	}
	return t.w.Path()
}

// Record appends e. Errors are logged and swallowed.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		slog.ErrorContext(ctx, "audit_write_failed", slog.String("error", err.Error()))
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	_, err = t.w.Write(line)
	t.mu.Unlock()
	if err != nil {
		slog.ErrorContext(ctx, "audit_write_failed", slog.String("error", err.Error()))
		return
	}
	slog.DebugContext(ctx, "audit_recorded",
		slog.String("audit_id", e.ID),
		slog.Int("num_chunks", e.NumChunks))
}

// Close closes the underlying file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	return t.w.Close()
}

// Summary aggregates an audit trail file.
type Summary struct {
	TotalQueries        int       `json:"total_queries"`
	TotalChunks         int       `json:"total_chunks_retrieved"`
	AvgChunksPerQuery   float64   `json:"avg_chunks_per_query"`
	FirstQuery          time.Time `json:"first_query,omitempty"`
	LastQuery           time.Time `json:"last_query,omitempty"`
	UnreadableLineCount int       `json:"unreadable_lines,omitempty"`
}

// Summarize reads the active trail file at path. A missing file yields an
// empty summary.
func Summarize(path string) (*Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	defer f.Close()

	s := &Summary{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			s.UnreadableLineCount++
			continue
		}
		if s.TotalQueries == 0 {
			s.FirstQuery = e.Timestamp
		}
		s.TotalQueries++
		s.TotalChunks += e.NumChunks
		s.LastQuery = e.Timestamp
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	if s.TotalQueries > 0 {
		s.AvgChunksPerQuery = float64(s.TotalChunks) / float64(s.TotalQueries)
	}
	return s, nil
}
