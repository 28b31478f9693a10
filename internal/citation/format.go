package citation

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/policyrag/internal/search"
)

// BlockSeparator joins rendered blocks.
const BlockSeparator = "\n\n---\n\n"

// Block is one source in a context bundle.
type Block struct {
	// SourceID is the 1-based position in the bundle.
	SourceID      int
	Chunk         search.Ranked
	Key           Key
	ReferenceCode string
	Year          string
}

// Header renders the metadata line that precedes the chunk text.
func (b Block) Header() string {
	p := b.Chunk.Payload
	var sb strings.Builder
	fmt.Fprintf(&sb, "[SOURCE ID: %d] | [AUTHORITY: %s] | [ORG: %s] | [DATE: %s] | [DOCUMENT: %s] | CITE AS: %s",
		b.SourceID,
		orUnknown(string(b.Chunk.SourceType)),
		orUnknown(p.Organization),
		orUnknown(string(p.LastUpdated)),
		orUnknown(p.FileName),
		b.Key)
	if h := strings.TrimSpace(p.ContextHeader); h != "" {
		fmt.Fprintf(&sb, " | [SECTION: %s]", h)
	}
	return sb.String()
}

// Render returns the header and the verbatim chunk text.
func (b Block) Render() string {
	return b.Header() + "\n\n" + b.Chunk.Payload.Text
}

// Bundle is the ordered, citation-annotated context for one query. An
// empty bundle means nothing relevant was found; the generation stage
// should abstain.
type Bundle struct {
	Blocks []Block
}

// Format takes the first n ranked chunks, in order, and annotates each
// with its citation key. n <= 0 selects all of them.
func Format(ranked []search.Ranked, n int) *Bundle {
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}

	blocks := make([]Block, 0, n)
	for i, r := range ranked[:n] {
		blocks = append(blocks, Block{
			SourceID:      i + 1,
			Chunk:         r,
			Key:           KeyFor(r.Payload),
			ReferenceCode: ReferenceCode(r.Payload.FileName, r.Payload.Text),
			Year:          Year(r.Payload),
		})
	}
	return &Bundle{Blocks: blocks}
}

// Len returns the number of blocks.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Blocks)
}

// IsEmpty reports whether the bundle has no blocks.
func (b *Bundle) IsEmpty() bool {
	return b.Len() == 0
}

// Text renders all blocks joined by BlockSeparator. Empty for an empty bundle.
func (b *Bundle) Text() string {
	if b.IsEmpty() {
		return ""
	}
	parts := make([]string, len(b.Blocks))
	for i, blk := range b.Blocks {
		parts[i] = blk.Render()
	}
	return strings.Join(parts, BlockSeparator)
}

// Chunks returns the ranked chunks in bundle order.
func (b *Bundle) Chunks() []search.Ranked {
	if b.IsEmpty() {
		return nil
	}
	out := make([]search.Ranked, len(b.Blocks))
	for i, blk := range b.Blocks {
		out[i] = blk.Chunk
	}
	return out
}
