package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/services"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

const testDim = 32

func newTestApp(t *testing.T) *services.App {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "thoughtd.db")
	cfg.Embeddings.Dimension = testDim
	app, err := services.Build(context.Background(), cfg, zaptest.NewLogger(t), services.BuildOptions{
		Provider: embeddings.NewHashProvider(testDim),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

// connect starts the server on an in-memory transport and returns a client
// session talking to it.
func connect(t *testing.T, app *services.App) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := NewServer(&Config{Name: "thoughtd-test", Version: "test", Logger: zaptest.NewLogger(t)}, app)
	require.NoError(t, err)

	clientT, serverT := mcp.NewInMemoryTransports()
	go func() { _ = srv.serve(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call[Out any](t *testing.T, cs *mcp.ClientSession, tool string, args map[string]any) (Out, *mcp.CallToolResult) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	var out Out
	if !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return out, res
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestTools_Listed(t *testing.T) {
	cs := connect(t, newTestApp(t))
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{toolSubmit, toolSearch, toolCursor}, names)
}

func TestSubmitSearchCursor(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	cs := connect(t, app)

	sub, res := call[submitOutput](t, cs, toolSubmit, map[string]any{"tenant": "acme", "content": "Redis pipelining reduces round trips"})
	require.False(t, res.IsError)
	assert.True(t, sub.Accepted)
	assert.NotEmpty(t, sub.ThoughtID)

	dup, res := call[submitOutput](t, cs, toolSubmit, map[string]any{"tenant": "acme", "content": "Redis   pipelining reduces round trips"})
	require.False(t, res.IsError)
	assert.False(t, dup.Accepted)

	_, err := app.Discoverer().Discover(ctx)
	require.NoError(t, err)

	cur, res := call[cursorOutput](t, cs, toolCursor, map[string]any{"tenant": "acme"})
	require.False(t, res.IsError)
	assert.True(t, cur.Discovered)
	assert.Equal(t, int64(1), cur.Lag)

	_, err = app.Drainer().DrainPending(ctx, "acme")
	require.NoError(t, err)

	cur, _ = call[cursorOutput](t, cs, toolCursor, map[string]any{"tenant": "acme"})
	assert.Zero(t, cur.Lag)

	found, res := call[searchOutput](t, cs, toolSearch, map[string]any{"tenant": "acme", "query": "pipelining", "threshold": 0.5})
	require.False(t, res.IsError)
	require.Equal(t, 1, found.Count)
	assert.Equal(t, sub.ThoughtID, found.Results[0].ThoughtID)
	assert.GreaterOrEqual(t, found.Results[0].Score, 0.5)
}

func TestTools_Errors(t *testing.T) {
	cs := connect(t, newTestApp(t))

	_, res := call[submitOutput](t, cs, toolSubmit, map[string]any{"tenant": "acme", "content": "   "})
	assert.True(t, res.IsError)

	_, res = call[searchOutput](t, cs, toolSearch, map[string]any{"tenant": "acme", "query": ""})
	assert.True(t, res.IsError)

	_, res = call[cursorOutput](t, cs, toolCursor, map[string]any{"tenant": "not discovered"})
	assert.True(t, res.IsError)

	_, res = call[cursorOutput](t, cs, toolCursor, map[string]any{"tenant": "ghost"})
	assert.True(t, res.IsError, "no consumer group yet")
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", thought.ErrInvalidTenant), "malformed_input"},
		{dedup.ErrEmptyContent, "malformed_input"},
		{search.ErrEmptyQuery, "malformed_input"},
		{eventlog.ErrGroupNotFound, "not_found"},
		{&embeddings.ProviderError{Kind: embeddings.InvalidInput}, "provider_rejection"},
		{&embeddings.ProviderError{Kind: embeddings.RateLimited}, "provider_rejection"},
		{&embeddings.ProviderError{Kind: embeddings.Timeout}, "timeout"},
		{errors.New("disk on fire"), "transient_infra"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err), "%v", tt.err)
	}
}
