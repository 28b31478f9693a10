package citation

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/policyrag/internal/scoring"
)

// Source describes one distinct document cited in a bundle.
type Source struct {
	SourceID      int    `json:"id"`
	Organization  string `json:"organization"`
	SourceType    string `json:"source_type"`
	FileName      string `json:"file_name"`
	ClinicalArea  string `json:"clinical_area"`
	LastUpdated   string `json:"last_updated,omitempty"`
	Year          string `json:"year,omitempty"`
	ReferenceCode string `json:"reference_code,omitempty"`
	CitationKey   string `json:"citation_key"`
}

// Sources returns one entry per distinct file name, in bundle order. The
// entry describes the first (highest-ranked) chunk of that document.
func (b *Bundle) Sources() []Source {
	if b.IsEmpty() {
		return []Source{}
	}

	seen := make(map[string]bool)
	out := make([]Source, 0, len(b.Blocks))
	for _, blk := range b.Blocks {
		p := blk.Chunk.Payload
		name := orUnknown(p.FileName)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Source{
			SourceID:      blk.SourceID,
			Organization:  orUnknown(p.Organization),
			SourceType:    string(blk.Chunk.SourceType),
			FileName:      name,
			ClinicalArea:  orUnknown(p.ClinicalArea),
			LastUpdated:   string(p.LastUpdated),
			Year:          blk.Year,
			ReferenceCode: blk.ReferenceCode,
			CitationKey:   blk.Key.String(),
		})
	}
	return out
}

// DocumentName cleans a file name for display.
func DocumentName(fileName string) string {
	return strings.NewReplacer(".pdf", "", ".docx", "", "_", " ").Replace(fileName)
}

// Bibliography formats sources grouped by authority tier. Empty input
// yields "".
func Bibliography(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}

	var local, national, other []Source
	for _, s := range sources {
		switch scoring.SourceType(s.SourceType) {
		case scoring.Local:
			local = append(local, s)
		case scoring.National:
			national = append(national, s)
		default:
			other = append(other, s)
		}
	}

	lines := []string{"**Bibliography**\n"}

	if len(local) > 0 {
		lines = append(lines, "**Local Authority:**")
		for _, s := range local {
			lines = append(lines, fmt.Sprintf("- %s%s. %s. %s.",
				s.Organization, yearPart(s.Year), DocumentName(s.FileName), s.ClinicalArea))
		}
		lines = append(lines, "")
	}

	if len(national) > 0 {
		lines = append(lines, "**National Guidelines:**")
		for _, s := range national {
			switch {
			case s.ReferenceCode != "":
				year := s.Year
				if year == "" {
					year = NoDate
				}
				lines = append(lines, fmt.Sprintf("- %s (%s). %s. %s.",
					s.Organization, year, DocumentName(s.FileName), s.ReferenceCode))
			default:
				lines = append(lines, fmt.Sprintf("- %s%s. %s.",
					s.Organization, yearPart(s.Year), DocumentName(s.FileName)))
			}
		}
		lines = append(lines, "")
	}

	if len(other) > 0 {
		lines = append(lines, "**Other Sources:**")
		for _, s := range other {
			lines = append(lines, fmt.Sprintf("- %s%s. %s. [%s].",
				s.Organization, yearPart(s.Year), DocumentName(s.FileName), s.SourceType))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func yearPart(year string) string {
	if year == "" {
		return ""
	}
	return " (" + year + ")"
}
