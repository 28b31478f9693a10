// Package citation renders reranked chunks into the citation-annotated
// context handed to answer generation, and builds the source list and
// bibliography shown alongside the answer.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Aman-CERP/policyrag/internal/store"
)

// NoDate is the citation value when no year is known.
const NoDate = "n.d."

// Unknown is rendered for missing metadata.
const Unknown = "Unknown"

// Guideline reference codes, e.g. NG28, TA123, IPG450.
var (
	codeToken  = regexp.MustCompile(`(?i)\b(?:NG|TA|CG|PH|IPG|DG|SG)\d+\b`)
	codeParens = regexp.MustCompile(`(?i)\(((?:NG|TA|CG|PH|IPG|DG|SG)\d+)\)`)
	codePath   = regexp.MustCompile(`(?i)guidance/((?:NG|TA|CG|PH|IPG|DG|SG)\d+)`)
	yearToken  = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
)

// ReferenceCode extracts a guideline code, upper-cased, or "" if none.
// The file name is tried first, then the text: a parenthesised code, a
// code in a guidance URL, then any standalone code token. The first match
// in each form wins, so a multiply-coded chunk yields its earliest code.
func ReferenceCode(fileName, text string) string {
	// Underscores and dashes separate words in file names.
	name := strings.NewReplacer("_", " ", "-", " ").Replace(fileName)
	if m := codeToken.FindString(name); m != "" {
		return strings.ToUpper(m)
	}
	if text == "" {
		return ""
	}
	if m := codeParens.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := codePath.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := codeToken.FindString(text); m != "" {
		return strings.ToUpper(m)
	}
	return ""
}

// Year returns the four-digit publication year of p as a string, or "".
// last_updated is searched for a year token first, then sortable_date.
func Year(p store.Payload) string {
	if m := yearToken.FindString(string(p.LastUpdated)); m != "" {
		return m
	}
	if y := p.Year(); y > 0 {
		return strconv.Itoa(y)
	}
	return ""
}

// Key is a Harvard-style citation key such as (NICE, NG28) or (CPICS, 2024).
type Key struct {
	Organization string `json:"organization"`
	Value        string `json:"value"`
}

// String renders the key with parentheses.
func (k Key) String() string {
	return fmt.Sprintf("(%s, %s)", k.Organization, k.Value)
}

// KeyFor derives the citation key of a chunk: its reference code when one
// is found, else its year, else NoDate.
func KeyFor(p store.Payload) Key {
	org := orUnknown(p.Organization)
	if code := ReferenceCode(p.FileName, p.Text); code != "" {
		return Key{Organization: org, Value: code}
	}
	if y := Year(p); y != "" {
		return Key{Organization: org, Value: y}
	}
	return Key{Organization: org, Value: NoDate}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}
