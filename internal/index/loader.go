// Package index loads pre-chunked policy documents and writes them, with
// dense and sparse vectors, into a hybrid index.
package index

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/store"
)

// ChunkFileSuffix identifies chunk files in a data directory.
const ChunkFileSuffix = "_chunks.json"

// DefaultPriorityScore is stored when a chunk carries no priority_score.
const DefaultPriorityScore = 0.5

// Chunk is one record of a chunk file.
type Chunk struct {
	ChunkID  string        `json:"chunk_id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ChunkMetadata is the metadata block of a chunk record.
type ChunkMetadata struct {
	SourceType     string           `json:"source_type"`
	Organization   string           `json:"organization"`
	FileName       string           `json:"file_name"`
	FilePath       string           `json:"file_path"`
	ClinicalArea   string           `json:"clinical_area"`
	LastUpdated    store.FlexString `json:"last_updated"`
	SortableDate   store.FlexString `json:"sortable_date"`
	PriorityScore  *float64         `json:"priority_score"`
	IsPresentation bool             `json:"is_presentation"`
	ContextHeader  string           `json:"context_header"`
}

// FindChunkFiles returns the chunk files directly inside dir, sorted by name.
func FindChunkFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeFileNotFound,
			fmt.Sprintf("chunk directory %s not found", dir), err)
	}
	if !info.IsDir() {
		return nil, perrors.New(perrors.ErrCodeInvalidPath,
			fmt.Sprintf("%s is not a directory", dir), nil)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"+ChunkFileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// IsChunkFile reports whether path names a chunk file.
func IsChunkFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), ChunkFileSuffix)
}

// LoadChunkFile reads one chunk file. The file must hold a JSON array.
func LoadChunkFile(path string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeFileNotFound,
			fmt.Sprintf("failed to read %s", filepath.Base(path)), err)
	}

	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, perrors.New(perrors.ErrCodeFileCorrupt,
			fmt.Sprintf("unexpected format in %s", filepath.Base(path)), err)
	}
	return chunks, nil
}

// ToPayload validates c and converts it to an index payload. The source
// type is canonicalised so that priority lookups at query time cannot fail.
func (c Chunk) ToPayload() (store.Payload, error) {
	if strings.TrimSpace(c.ChunkID) == "" {
		return store.Payload{}, perrors.New(perrors.ErrCodeMalformedPayload, "chunk has no chunk_id", nil)
	}
	if strings.TrimSpace(c.Text) == "" {
		return store.Payload{}, perrors.New(perrors.ErrCodeMalformedPayload,
			fmt.Sprintf("chunk %s has no text", c.ChunkID), nil)
	}
	st, err := scoring.ParseSourceType(c.Metadata.SourceType)
	if err != nil {
		return store.Payload{}, err
	}

	priority := DefaultPriorityScore
	if c.Metadata.PriorityScore != nil {
		priority = *c.Metadata.PriorityScore
	}

	m := c.Metadata
	return store.Payload{
		ChunkID:        c.ChunkID,
		Text:           c.Text,
		SourceType:     string(st),
		Organization:   m.Organization,
		FileName:       m.FileName,
		FilePath:       m.FilePath,
		ClinicalArea:   m.ClinicalArea,
		LastUpdated:    m.LastUpdated,
		SortableDate:   m.SortableDate,
		PriorityScore:  priority,
		IsPresentation: m.IsPresentation,
		ContextHeader:  m.ContextHeader,
	}, nil
}

// ValidPayloads converts chunks to payloads, skipping invalid records with
// a warning. It returns the payloads and the number skipped.
func ValidPayloads(file string, chunks []Chunk) ([]store.Payload, int) {
	out := make([]store.Payload, 0, len(chunks))
	skipped := 0
	for i, c := range chunks {
		p, err := c.ToPayload()
		if err != nil {
			skipped++
			slog.Warn("chunk_skipped",
				slog.String("file", filepath.Base(file)),
				slog.Int("position", i),
				slog.String("chunk_id", c.ChunkID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, p)
	}
	return out, skipped
}
