package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/discovery"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/store"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

const testDim = 256

type fixture struct {
	store    *store.SQLiteStore
	gate     *dedup.Gate
	vectors  *vectorstore.ChromemStore
	provider *embeddings.HashProvider
	embedder *embeddings.Generator
	svc      *Service
}

func newFixture(t *testing.T, cfg Config, lexical Lexical) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "thoughtd.db"), store.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Dimension: testDim}, logger)
	require.NoError(t, err)

	provider := embeddings.NewHashProvider(testDim)
	gen, err := embeddings.NewGenerator(provider, embeddings.GeneratorConfig{}, logger)
	require.NoError(t, err)

	if lexical == nil {
		lexical = st
	}
	svc, err := NewService(Deps{
		Embedder: gen,
		Vectors:  vs,
		Lexical:  lexical,
		Cache:    NewQueryCache(64, time.Minute),
		Registry: discovery.NewRegistry(),
	}, cfg, logger)
	require.NoError(t, err)

	return &fixture{store: st, gate: dedup.NewGate(st, nil, logger), vectors: vs, provider: provider, embedder: gen, svc: svc}
}

// add submits content and stores its embedding directly, bypassing the
// provider so call counts only reflect queries.
func (f *fixture) add(t *testing.T, tenant, content string) thought.Record {
	t.Helper()
	ctx := context.Background()
	res, err := f.gate.Submit(ctx, tenant, content)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	rec, err := f.store.GetThought(ctx, tenant, res.ThoughtID)
	require.NoError(t, err)
	require.NoError(t, f.vectors.Put(ctx, vectorstore.Record{
		Tenant:      tenant,
		ThoughtID:   rec.ID,
		Content:     rec.Content,
		Vector:      embeddings.HashVector(embeddings.NormalizeText(rec.Content), testDim),
		CreatedAt:   rec.CreatedAt,
		GeneratedAt: time.Now(),
		Provider:    "hash",
		Model:       "hash-bow",
	}))
	return rec
}

func cosine(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func TestSearch_LexicalHitAboveThreshold(t *testing.T) {
	f := newFixture(t, Config{Boost: 1.1}, nil)
	i1 := f.add(t, "acme", "Redis pipelining reduces round trips")
	f.add(t, "acme", "Use context for cancellation")

	resp, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "pipelining", Limit: 5, Threshold: 0.5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, i1.ID, resp.Results[0].ThoughtID)
	assert.GreaterOrEqual(t, resp.Results[0].Score, float32(0.5))
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Score, float32(0.5))
	}
}

func TestSearch_DualMatchIsBoosted(t *testing.T) {
	f := newFixture(t, Config{Boost: 1.1}, nil)
	i1 := f.add(t, "acme", "Redis pipelining reduces round trips")

	resp, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "redis pipelining", Limit: 5, Threshold: 0.1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	got := resp.Results[0]
	assert.Equal(t, i1.ID, got.ThoughtID)
	assert.Equal(t, SourceBoth, got.Source)
	semantic := cosine(
		embeddings.HashVector("redis pipelining", testDim),
		embeddings.HashVector(i1.Content, testDim),
	)
	assert.InDelta(t, semantic, got.Semantic, 1e-4)
	assert.InDelta(t, 1.0, got.Lexical, 1e-6)
	assert.InDelta(t, 1.1, got.Score, 1e-4)
	assert.Greater(t, got.Score, got.Semantic)
	assert.Greater(t, got.Score, got.Lexical)
}

func TestSearch_BoostIsCapped(t *testing.T) {
	f := newFixture(t, Config{Boost: 5}, nil)
	f.add(t, "acme", "Redis pipelining reduces round trips")

	resp, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "redis pipelining", Threshold: 0.1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, 1.2, resp.Results[0].Score, 1e-4)
}

func TestSearch_ThresholdIsInclusive(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	i1 := f.add(t, "acme", "Redis pipelining reduces round trips")

	// One of two query terms is covered.
	resp, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "redis latency", Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, i1.ID, resp.Results[0].ThoughtID)
	assert.InDelta(t, 0.5, resp.Results[0].Score, 1e-6)
	assert.Equal(t, SourceLexical, resp.Results[0].Source)
}

func TestSearch_TenantScoped(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	mine := f.add(t, "acme", "Redis pipelining reduces round trips")
	f.add(t, "globex", "Redis pipelining reduces round trips")

	resp, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "redis pipelining", Threshold: 0})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, mine.ID, resp.Results[0].ThoughtID)
}

func TestSearch_LimitTruncates(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.add(t, "acme", "redis pipelining one")
	f.add(t, "acme", "redis pipelining two")
	f.add(t, "acme", "redis pipelining three")

	resp, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "redis pipelining", Limit: 2, Threshold: 0})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearch_CacheAvoidsProviderCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.add(t, "acme", "Redis pipelining reduces round trips")
	req := Request{Tenant: "acme", Query: "pipelining", Limit: 5, Threshold: 0.5}

	first, err := f.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, f.provider.Calls())

	// Whitespace differences normalize to the same key.
	second, err := f.svc.Search(ctx, Request{Tenant: "acme", Query: "  pipelining ", Limit: 5, Threshold: 0.5})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, f.provider.Calls())

	// Limit is part of the key.
	_, err = f.svc.Search(ctx, Request{Tenant: "acme", Query: "pipelining", Limit: 3, Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, f.provider.Calls())

	f.svc.InvalidateTenant("acme")
	third, err := f.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 3, f.provider.Calls())
}

func TestSearch_EmptyResultsAreCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.add(t, "acme", "Redis pipelining reduces round trips")
	req := Request{Tenant: "acme", Query: "kubernetes operators", Threshold: 0.9}

	resp, err := f.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	resp, err = f.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 1, f.provider.Calls())
}

func TestSearch_CachedResultsAreCopies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.add(t, "acme", "Redis pipelining reduces round trips")
	req := Request{Tenant: "acme", Query: "pipelining", Threshold: 0.5}

	first, err := f.svc.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first.Results)
	first.Results[0].Content = "mutated"

	second, err := f.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Redis pipelining reduces round trips", second.Results[0].Content)
}

func TestSearch_InvalidRequests(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, err := f.svc.Search(ctx, Request{Tenant: "acme", Query: " \n\t "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = f.svc.Search(ctx, Request{Tenant: "bad tenant", Query: "x"})
	assert.ErrorIs(t, err, thought.ErrInvalidTenant)

	_, err = f.svc.Search(ctx, Request{Tenant: "acme", Query: "x", Limit: 1000})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Search(ctx, Request{Tenant: "acme", Query: "x", Threshold: 1.5})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, f.provider.Calls())
}

func TestSearch_ProviderFailureIsTyped(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.provider.Fail = func(string, int) error {
		return &embeddings.ProviderError{Kind: embeddings.RateLimited, Provider: "hash", StatusCode: 429}
	}

	_, err := f.svc.Search(context.Background(), Request{Tenant: "acme", Query: "pipelining"})
	require.Error(t, err)
	assert.ErrorIs(t, err, embeddings.ErrRateLimited)
	assert.Equal(t, embeddings.RateLimited, embeddings.KindOf(err))
	assert.Zero(t, f.svc.Cache().Len())
}

// hookedVectors runs afterQuery once, right after the first semantic query
// returns, to interleave a write with an in-flight search.
type hookedVectors struct {
	vectorstore.Store
	afterQuery func()
}

func (h *hookedVectors) Query(ctx context.Context, tenant string, vec []float32, k int, threshold float32) ([]vectorstore.Match, error) {
	m, err := h.Store.Query(ctx, tenant, vec, k, threshold)
	if fn := h.afterQuery; fn != nil {
		h.afterQuery = nil
		fn()
	}
	return m, err
}

func TestSearch_WriteDuringSearchIsNotCachedStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	cache := NewQueryCache(64, time.Minute)
	vectors := &hookedVectors{Store: f.vectors}
	svc, err := NewService(Deps{
		Embedder: f.embedder,
		Vectors:  vectors,
		Lexical:  f.store,
		Cache:    cache,
		Registry: discovery.NewRegistry(),
	}, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var written thought.Record
	vectors.afterQuery = func() {
		written = f.add(t, "acme", "Redis pipelining reduces round trips")
		svc.InvalidateTenant("acme")
	}
	req := Request{Tenant: "acme", Query: "redis pipelining", Threshold: 0.1}

	first, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Zero(t, cache.Len(), "a result computed before the write must not be cached")

	second, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	require.NotEmpty(t, second.Results)
	assert.Equal(t, written.ID, second.Results[0].ThoughtID)

	third, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, second.Results, third.Results)
}

type failingLexical struct{}

func (failingLexical) LexicalSearch(context.Context, string, string, int) ([]thought.Record, error) {
	return nil, errors.New("fts offline")
}

func TestSearch_LexicalFailureDegradesWithoutCaching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, failingLexical{})
	i1 := f.add(t, "acme", "Redis pipelining reduces round trips")
	req := Request{Tenant: "acme", Query: "redis pipelining", Threshold: 0.1}

	resp, err := f.svc.Search(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, i1.ID, resp.Results[0].ThoughtID)
	assert.Equal(t, SourceSemantic, resp.Results[0].Source)

	_, err = f.svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.provider.Calls())
}

func TestRank(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	results := []Result{
		{ThoughtID: "c", Score: 0.5, CreatedAt: older},
		{ThoughtID: "b", Score: 0.5, CreatedAt: older},
		{ThoughtID: "a", Score: 0.5, CreatedAt: newer},
		{ThoughtID: "d", Score: 0.9, CreatedAt: older},
	}
	rank(results)

	var ids []string
	for _, r := range results {
		ids = append(ids, r.ThoughtID)
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids)
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(Deps{}, Config{}, nil)
	assert.Error(t, err)
}
