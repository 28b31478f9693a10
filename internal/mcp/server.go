package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/policyrag/internal/answer"
	"github.com/Aman-CERP/policyrag/internal/citation"
	perrors "github.com/Aman-CERP/policyrag/internal/errors"
	"github.com/Aman-CERP/policyrag/internal/retrieval"
	"github.com/Aman-CERP/policyrag/internal/store"
	"github.com/Aman-CERP/policyrag/internal/telemetry"
	"github.com/Aman-CERP/policyrag/pkg/version"
)

const (
	serverName = "policyrag"

	// QueryStatsURI identifies the query_stats resource.
	QueryStatsURI = "policyrag://query_stats"

	maxTopN = 50
)

// Retriever produces a context bundle with its retrieval trace.
type Retriever interface {
	RetrieveDetailed(ctx context.Context, query string, topN int) (*retrieval.Result, error)
}

// Answerer generates a grounded answer from a bundle.
type Answerer interface {
	Generate(ctx context.Context, query string, bundle *citation.Bundle) (*answer.Answer, error)
}

// IndexInspector reports index health and contents.
type IndexInspector interface {
	Health(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
}

// Config configures a Server.
type Config struct {
	Retriever Retriever

	// Answerer enables ask_policy. Optional.
	Answerer Answerer

	// Index enables index_status. Optional.
	Index IndexInspector

	// Embedder is reported by index_status.
	Embedder string

	// Stats enables the query_stats resource. Optional.
	Stats *telemetry.QueryStats
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// Server is the MCP server. It lets assistants search clinical policy and
// ask grounded questions.
type Server struct {
	mcp    *mcp.Server
	cfg    Config
	logger *slog.Logger
}

// NewServer creates the server and registers its tools and resources.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("%w: retriever", perrors.ErrNilDependency)
	}

	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: version.Version,
		}, nil),
	}
	s.registerTools()
	if cfg.Stats != nil {
		s.registerQueryStatsResource()
	}
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns the tools this server exposes.
func (s *Server) ListTools() []ToolInfo {
	tools := []ToolInfo{{
		Name:        "retrieve_policy",
		Description: "Search NHS clinical commissioning policy. Returns citation-annotated excerpts ranked by relevance, local authority and recency. An empty context means no relevant policy was found.",
	}}
	if s.cfg.Answerer != nil {
		tools = append(tools, ToolInfo{
			Name:        "ask_policy",
			Description: "Answer a clinical policy question using only retrieved policy text, with Harvard citations and a bibliography.",
		})
	}
	if s.cfg.Index != nil {
		tools = append(tools, ToolInfo{
			Name:        "index_status",
			Description: "Check that the policy index is reachable and how many chunks it holds per source type.",
		})
	}
	return tools
}

func (s *Server) registerTools() {
	for _, t := range s.ListTools() {
		tool := &mcp.Tool{Name: t.Name, Description: t.Description}
		switch t.Name {
		case "retrieve_policy":
			mcp.AddTool(s.mcp, tool, s.mcpRetrieveHandler)
		case "ask_policy":
			mcp.AddTool(s.mcp, tool, s.mcpAskHandler)
		case "index_status":
			mcp.AddTool(s.mcp, tool, s.mcpIndexStatusHandler)
		}
		s.logger.Debug("registered tool", slog.String("name", t.Name))
	}
}

// CallTool invokes a tool by name with JSON-style arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "retrieve_policy":
		in, err := decodeArgs[RetrieveInput](args)
		if err != nil {
			return nil, err
		}
		_, out, err := s.mcpRetrieveHandler(ctx, nil, in)
		return out, err
	case "ask_policy":
		if s.cfg.Answerer == nil {
			return nil, NewMethodNotFoundError(name)
		}
		in, err := decodeArgs[AskInput](args)
		if err != nil {
			return nil, err
		}
		_, out, err := s.mcpAskHandler(ctx, nil, in)
		return out, err
	case "index_status":
		if s.cfg.Index == nil {
			return nil, NewMethodNotFoundError(name)
		}
		_, out, err := s.mcpIndexStatusHandler(ctx, nil, IndexStatusInput{})
		return out, err
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs[T any](args map[string]any) (T, error) {
	var in T
	data, err := json.Marshal(args)
	if err != nil {
		return in, NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, NewInvalidParamsError("invalid arguments: " + err.Error())
	}
	return in, nil
}

func validateQuery(query string, topN int) (string, int, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", 0, NewInvalidParamsError("query parameter is required")
	}
	if topN < 0 || topN > maxTopN {
		return "", 0, NewInvalidParamsError(fmt.Sprintf("top_n must be between 1 and %d", maxTopN))
	}
	return q, topN, nil
}

func (s *Server) mcpRetrieveHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	RetrieveOutput,
	error,
) {
	q, topN, err := validateQuery(input.Query, input.TopN)
	if err != nil {
		return nil, RetrieveOutput{}, err
	}

	res, err := s.cfg.Retriever.RetrieveDetailed(ctx, q, topN)
	if err != nil {
		return nil, RetrieveOutput{}, MapError(err)
	}

	out := RetrieveOutput{
		ExpandedTerms: res.Expansion.Terms,
		Sources:       res.Bundle.Sources(),
		Context:       res.Bundle.Text(),
	}
	text := out.Context
	if res.Bundle.IsEmpty() {
		text = "No relevant policy context was found for this query."
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, out, nil
}

func (s *Server) mcpAskHandler(ctx context.Context, _ *mcp.CallToolRequest, input AskInput) (
	*mcp.CallToolResult,
	AskOutput,
	error,
) {
	q, topN, err := validateQuery(input.Query, input.TopN)
	if err != nil {
		return nil, AskOutput{}, err
	}

	res, err := s.cfg.Retriever.RetrieveDetailed(ctx, q, topN)
	if err != nil {
		return nil, AskOutput{}, MapError(err)
	}
	ans, err := s.cfg.Answerer.Generate(ctx, q, res.Bundle)
	if err != nil {
		return nil, AskOutput{}, MapError(err)
	}

	out := AskOutput{Answer: ans.Text, Sources: ans.Sources, Refused: ans.Refused}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: ans.Text}},
	}, out, nil
}

func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	IndexStatusOutput,
	error,
) {
	out := IndexStatusOutput{Healthy: true, Embedder: s.cfg.Embedder}
	if err := s.cfg.Index.Health(ctx); err != nil {
		out.Healthy = false
		out.Error = err.Error()
		return nil, out, nil
	}
	stats, err := s.cfg.Index.Stats(ctx)
	if err != nil {
		return nil, out, MapError(err)
	}
	out.Backend = stats.Backend
	out.Points = stats.Points
	out.Dimensions = stats.Dimensions
	out.BySourceType = stats.BySourceType
	return nil, out, nil
}

func (s *Server) registerQueryStatsResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "query_stats",
			URI:         QueryStatsURI,
			Description: "Retrieval telemetry: outcomes, frequent terms and queries that found nothing",
			MIMEType:    "application/json",
		},
		func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.QueryStatsJSON()
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{
					URI:      QueryStatsURI,
					MIMEType: "application/json",
					Text:     text,
				}},
			}, nil
		},
	)
}

// QueryStatsJSON renders the current query statistics.
func (s *Server) QueryStatsJSON() (string, error) {
	if s.cfg.Stats == nil {
		return "", NewInvalidParamsError("query stats not available")
	}
	snap := s.cfg.Stats.Snapshot()

	out := QueryStatsOutput{
		TotalQueries:        snap.TotalQueries,
		ZeroResultPct:       snap.ZeroResultPercentage(),
		FallbackCount:       snap.FallbackCount,
		TopTerms:            make([]QueryTermCount, 0, len(snap.TopTerms)),
		ZeroResultQueries:   snap.ZeroResultQueries,
		LatencyDistribution: make(map[string]int64, len(snap.LatencyDistribution)),
	}
	for _, tc := range snap.TopTerms {
		out.TopTerms = append(out.TopTerms, QueryTermCount{Term: tc.Term, Count: tc.Count})
	}
	for bucket, n := range snap.LatencyDistribution {
		out.LatencyDistribution[string(bucket)] = n
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", MapError(err)
	}
	return string(data), nil
}

// Serve runs the server over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("mcp_server_started", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && ctx.Err() == nil {
		s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}
