package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
	"github.com/fyrsmithlabs/thoughtd/internal/discovery"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/services"
)

const testDim = 32

func newTestServer(t *testing.T) (*Server, *services.App) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "thoughtd.db")
	cfg.Embeddings.Dimension = testDim

	logger := zaptest.NewLogger(t)
	app, err := services.Build(context.Background(), cfg, logger, services.BuildOptions{
		Provider: embeddings.NewHashProvider(testDim),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	srv, err := NewServer(app, logger, &Config{Host: "127.0.0.1", Port: 0, Version: "test"})
	require.NoError(t, err)
	return srv, app
}

func do(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, app := newTestServer(t)
		_, err := NewServer(app, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		_, app := newTestServer(t)
		srv, err := NewServer(app, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, 9191, srv.config.Port)
		assert.Positive(t, srv.config.RequestTimeout)
	})
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "ok", resp.Checks["store"])
}

func TestSubmit(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: "Redis pipelining reduces round trips"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[SubmitResponse](t, rec)
	assert.True(t, first.Accepted)
	assert.NotEmpty(t, first.ThoughtID)
	assert.Equal(t, int64(1), first.Position)

	rec = do(t, srv, http.MethodPost, "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: " Redis  pipelining reduces round trips\n"})
	require.Equal(t, http.StatusOK, rec.Code)
	dup := decode[SubmitResponse](t, rec)
	assert.False(t, dup.Accepted)
	assert.Equal(t, first.ThoughtID, dup.ThoughtID)
}

func TestSubmit_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		target string
		body   any
		status int
	}{
		{"empty content", "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: "  "}, http.StatusBadRequest},
		{"invalid tenant", "/api/v1/tenants/-bad/thoughts", SubmitRequest{Content: "x"}, http.StatusBadRequest},
		{"too large", "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: strings.Repeat("a", 1<<20)}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestDiscoverDrainSearch(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: "Redis pipelining reduces round trips"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[SubmitResponse](t, rec).ThoughtID
	do(t, srv, http.MethodPost, "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: "Use context for cancellation"})

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/cursor", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no group before discovery")

	rec = do(t, srv, http.MethodPost, "/api/v1/discover", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	disc := decode[DiscoverResponse](t, rec)
	assert.Equal(t, []string{"acme"}, disc.New)

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tenants := decode[[]discovery.Tenant](t, rec)
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme", tenants[0].Name)

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/cursor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[eventlog.GroupInfo](t, rec).Lag)

	rec = do(t, srv, http.MethodPost, "/api/v1/tenants/acme/drain", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	drained := decode[DrainResponse](t, rec)
	assert.Equal(t, 2, drained.Stats.Embedded)

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/cursor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[eventlog.GroupInfo](t, rec).Lag)

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/search?q=pipelining&limit=5&threshold=0.5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[search.Response](t, rec)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ThoughtID)
	assert.GreaterOrEqual(t, resp.Results[0].Score, float32(0.5))

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/search?q=pipelining&limit=5&threshold=0.5", nil)
	assert.True(t, decode[search.Response](t, rec).Cached)

	rec = do(t, srv, http.MethodGet, "/api/v1/tenants/acme/parked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]eventlog.ParkedEntry](t, rec))
}

func TestSearch_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, target := range []string{
		"/api/v1/tenants/acme/search",
		"/api/v1/tenants/acme/search?q=x&limit=abc",
		"/api/v1/tenants/acme/search?q=x&threshold=-1",
		"/api/v1/tenants/acme/search?q=x&threshold=2",
	} {
		rec := do(t, srv, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestSearch_EmptyTenantReturnsEmptyList(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/v1/tenants/nobody/search?q=anything", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"results":[],"cached":false}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/tenants/acme/thoughts", SubmitRequest{Content: "counted"})

	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "thoughtd_")
}
