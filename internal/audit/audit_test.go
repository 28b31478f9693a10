package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/policyrag/internal/citation"
	"github.com/Aman-CERP/policyrag/internal/scoring"
	"github.com/Aman-CERP/policyrag/internal/search"
	"github.com/Aman-CERP/policyrag/internal/store"
)

func bundleWithText(text string) *citation.Bundle {
	return citation.Format([]search.Ranked{{
		Candidate: search.Candidate{
			ChunkID: "c1",
			Payload: store.Payload{ChunkID: "c1", Text: text, FileName: "a.pdf", Organization: "CPICS"},
		},
		SourceType: scoring.Local,
		Similarity: 0.9,
		Priority:   1.0,
		Recency:    0.8,
		Final:      0.91,
	}}, 0)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "", Preview(""))
	assert.Equal(t, "short...", Preview("short"))

	long := strings.Repeat("é", PreviewLength+10)
	got := Preview(long)
	assert.Equal(t, PreviewLength+3, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestNewEntry(t *testing.T) {
	e := NewEntry("q", "answer", bundleWithText("body"), nil, nil)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 1, e.NumChunks)
	assert.Equal(t, []string{}, e.ExpandedTerms)
	assert.NotNil(t, e.Metadata)
	require.Len(t, e.Chunks, 1)
	c := e.Chunks[0]
	assert.Equal(t, "c1", c.ChunkID)
	assert.Equal(t, 0.91, c.Score)
	assert.Equal(t, 0.9, c.OriginalScore)
	assert.Equal(t, "Local", c.SourceType)
	assert.Equal(t, "body...", c.TextPreview)
}

func TestTrail_RecordAndSummarize(t *testing.T) {
	// Given a trail in a temp dir
	path := filepath.Join(t.TempDir(), "logs", "audit_trail.jsonl")
	trail, err := Open(path)
	require.NoError(t, err)

	// When recording two entries
	ctx := context.Background()
	trail.Record(ctx, NewEntry("q1", "a1", bundleWithText("x"), []string{"t1"}, map[string]any{"latency_ms": 12}))
	trail.Record(ctx, NewEntry("q2", "refusal", citation.Format(nil, 0), nil, nil))
	require.NoError(t, trail.Close())

	// Then each is one JSON line
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "q1", lines[0]["query"])
	assert.Equal(t, []any{"t1"}, lines[0]["expanded_terms"])

	// And the summary counts them
	sum, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalQueries)
	assert.Equal(t, 1, sum.TotalChunks)
	assert.Equal(t, 0.5, sum.AvgChunksPerQuery)
	assert.False(t, sum.FirstQuery.After(sum.LastQuery))
}

func TestSummarize_MissingFile(t *testing.T) {
	sum, err := Summarize(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TotalQueries)
}

func TestSummarize_SkipsUnreadableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"query\":\"a\",\"num_chunks\":3}\nnot json\n\n"), 0644))

	sum, err := Summarize(path)

	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalQueries)
	assert.Equal(t, 1, sum.UnreadableLineCount)
}

func TestTrail_NilIsNoop(t *testing.T) {
	var trail *Trail
	trail.Record(context.Background(), Entry{})
	assert.NoError(t, trail.Close())
	assert.Equal(t, "", trail.Path())
}
