package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

const (
	toolSubmit = "thought_submit"
	toolSearch = "thought_search"
	toolCursor = "tenant_cursor"
)

func (s *Server) registerTools() {
	s.registerSubmitTool()
	s.registerSearchTool()
	s.registerCursorTool()
}

// instrument wraps a tool body with the active gauge and invocation metrics.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (*mcp.CallToolResult, Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		res, out, err := fn(ctx, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		return res, out, err
	}
}

func text(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ===== SUBMIT =====

type submitInput struct {
	Tenant   string `json:"tenant" jsonschema:"required,Tenant identifier"`
	Content  string `json:"content" jsonschema:"required,Thought text"`
	ChainID  string `json:"chain_id,omitempty" jsonschema:"Optional chain the thought belongs to"`
	Sequence int    `json:"sequence,omitempty" jsonschema:"Position within the chain"`
}

type submitOutput struct {
	Accepted  bool   `json:"accepted" jsonschema:"False when an equal thought was already stored"`
	ThoughtID string `json:"thought_id,omitempty" jsonschema:"New thought id, or the original id for a duplicate when known"`
	Position  int64  `json:"position,omitempty" jsonschema:"Log position of the created event"`
}

func (s *Server) registerSubmitTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSubmit,
		Description: "Store a thought for a tenant. Exact duplicates (after whitespace normalization) are rejected.",
	}, instrument(s, toolSubmit, func(ctx context.Context, args submitInput) (*mcp.CallToolResult, submitOutput, error) {
		ctx = logging.WithTenant(ctx, args.Tenant)
		var opts []dedup.SubmitOption
		if args.ChainID != "" {
			opts = append(opts, dedup.WithChain(args.ChainID, args.Sequence))
		}
		res, err := s.services.Gate().Submit(ctx, args.Tenant, args.Content, opts...)
		if err != nil {
			return nil, submitOutput{}, fmt.Errorf("submit failed: %w", err)
		}

		out := submitOutput{Accepted: res.Accepted, ThoughtID: res.ThoughtID, Position: res.Position}
		if !res.Accepted {
			return text("Duplicate thought; not stored"), out, nil
		}
		return text("Thought stored: %s", res.ThoughtID), out, nil
	}))
}

// ===== SEARCH =====

type searchInput struct {
	Tenant    string   `json:"tenant" jsonschema:"required,Tenant identifier"`
	Query     string   `json:"query" jsonschema:"required,Free text query"`
	Limit     int      `json:"limit,omitempty" jsonschema:"Maximum results (default from server config)"`
	Threshold *float64 `json:"threshold,omitempty" jsonschema:"Minimum score in [0, 1] (default from server config)"`
}

type searchResult struct {
	ThoughtID string  `json:"thought_id"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	Source    string  `json:"source" jsonschema:"semantic, lexical or both"`
	CreatedAt string  `json:"created_at" jsonschema:"RFC 3339 timestamp"`
}

type searchOutput struct {
	Results []searchResult `json:"results" jsonschema:"Matches, best first"`
	Count   int            `json:"count" jsonschema:"Number of results"`
	Cached  bool           `json:"cached" jsonschema:"Whether the results came from the query cache"`
}

func (s *Server) registerSearchTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSearch,
		Description: "Search a tenant's thoughts by meaning and by shared terms. Items matched both ways rank higher.",
	}, instrument(s, toolSearch, func(ctx context.Context, args searchInput) (*mcp.CallToolResult, searchOutput, error) {
		ctx = logging.WithTenant(ctx, args.Tenant)
		req := search.Request{Tenant: args.Tenant, Query: args.Query, Limit: args.Limit, Threshold: -1}
		if args.Threshold != nil {
			if *args.Threshold < 0 {
				return nil, searchOutput{}, fmt.Errorf("%w: threshold must be in [0, 1]", search.ErrInvalidRequest)
			}
			req.Threshold = float32(*args.Threshold)
		}

		resp, err := s.services.Search().Search(ctx, req)
		if err != nil {
			return nil, searchOutput{}, fmt.Errorf("search failed: %w", err)
		}
		out := searchOutput{Results: make([]searchResult, 0, len(resp.Results)), Cached: resp.Cached}
		for _, r := range resp.Results {
			out.Results = append(out.Results, searchResult{
				ThoughtID: r.ThoughtID,
				Content:   r.Content,
				Score:     float64(r.Score),
				Source:    string(r.Source),
				CreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
			})
		}
		out.Count = len(out.Results)
		return text("Found %d thoughts", out.Count), out, nil
	}))
}

// ===== CURSOR =====

type cursorInput struct {
	Tenant string `json:"tenant" jsonschema:"required,Tenant identifier"`
}

type cursorOutput struct {
	Tenant        string `json:"tenant"`
	Group         string `json:"group"`
	LastPosition  int64  `json:"last_position" jsonschema:"Position of the newest entry in the log"`
	LastDelivered int64  `json:"last_delivered" jsonschema:"Newest position handed to the group"`
	Pending       int    `json:"pending" jsonschema:"Delivered but not yet acknowledged"`
	Parked        int    `json:"parked" jsonschema:"Entries set aside after repeated or permanent failure"`
	Lag           int64  `json:"lag" jsonschema:"Entries not yet acknowledged or parked"`
	Discovered    bool   `json:"discovered" jsonschema:"Whether discovery has provisioned the tenant"`
}

func (s *Server) registerCursorTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolCursor,
		Description: "Report how far the embedding drainer has progressed through a tenant's log, including lag and parked entries.",
	}, instrument(s, toolCursor, func(ctx context.Context, args cursorInput) (*mcp.CallToolResult, cursorOutput, error) {
		if err := thought.ValidateTenant(args.Tenant); err != nil {
			return nil, cursorOutput{}, err
		}
		info, err := s.services.Drainer().Cursor(ctx, args.Tenant)
		if err != nil {
			return nil, cursorOutput{}, fmt.Errorf("cursor failed: %w", err)
		}
		out := cursorOutput{
			Tenant:        info.Tenant,
			Group:         info.Group,
			LastPosition:  info.LastPosition,
			LastDelivered: info.LastDelivered,
			Pending:       info.Pending,
			Parked:        info.Parked,
			Lag:           info.Lag,
			Discovered:    s.services.Tenants().Has(args.Tenant),
		}
		return text("%s: lag %d, pending %d, parked %d", args.Tenant, info.Lag, info.Pending, info.Parked), out, nil
	}))
}
