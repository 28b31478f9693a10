package mcp

import "github.com/Aman-CERP/policyrag/internal/citation"

// RetrieveInput is the input of the retrieve_policy tool.
type RetrieveInput struct {
	Query string `json:"query" jsonschema:"the clinical policy question to search for"`
	TopN  int    `json:"top_n,omitempty" jsonschema:"maximum number of policy chunks, default 10"`
}

// RetrieveOutput is the structured output of the retrieve_policy tool.
type RetrieveOutput struct {
	ExpandedTerms []string          `json:"expanded_terms" jsonschema:"search terms the query was expanded into"`
	Sources       []citation.Source `json:"sources" jsonschema:"distinct documents cited in the context"`
	Context       string            `json:"context" jsonschema:"citation-annotated policy context, empty when nothing relevant was found"`
}

// AskInput is the input of the ask_policy tool.
type AskInput struct {
	Query string `json:"query" jsonschema:"the clinical policy question to answer"`
	TopN  int    `json:"top_n,omitempty" jsonschema:"maximum number of policy chunks used as context, default 10"`
}

// AskOutput is the structured output of the ask_policy tool.
type AskOutput struct {
	Answer  string            `json:"answer" jsonschema:"grounded answer with inline Harvard citations"`
	Sources []citation.Source `json:"sources" jsonschema:"documents the answer is grounded on"`
	Refused bool              `json:"refused" jsonschema:"true when no policy context was found and the answer is a referral"`
}

// IndexStatusInput is the (empty) input of the index_status tool.
type IndexStatusInput struct{}

// IndexStatusOutput reports index health and contents.
type IndexStatusOutput struct {
	Backend      string         `json:"backend"`
	Healthy      bool           `json:"healthy"`
	Error        string         `json:"error,omitempty"`
	Points       int            `json:"points"`
	Dimensions   int            `json:"dimensions"`
	BySourceType map[string]int `json:"by_source_type,omitempty"`
	Embedder     string         `json:"embedder,omitempty"`
}

// QueryStatsOutput is the content of the query_stats resource.
type QueryStatsOutput struct {
	TotalQueries        int64            `json:"total_queries"`
	ZeroResultPct       float64          `json:"zero_result_pct"`
	FallbackCount       int64            `json:"expansion_fallbacks"`
	TopTerms            []QueryTermCount `json:"top_terms"`
	ZeroResultQueries   []string         `json:"zero_result_queries"`
	LatencyDistribution map[string]int64 `json:"latency_distribution"`
}

// QueryTermCount is a term and its frequency.
type QueryTermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}
