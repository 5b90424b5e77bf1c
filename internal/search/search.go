// Package search answers per-tenant queries by merging semantic matches from
// the vector store with lexical matches from the full-text index. Results are
// cached for a short TTL and the cache for a tenant is dropped whenever a new
// embedding lands for it.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
	"github.com/fyrsmithlabs/thoughtd/internal/discovery"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

var (
	// ErrEmptyQuery is returned when the query is blank after normalization.
	ErrEmptyQuery = errors.New("empty query")

	// ErrInvalidRequest is returned for out of range limits or thresholds.
	ErrInvalidRequest = errors.New("invalid search request")
)

// Source records which method found a result.
type Source string

const (
	SourceSemantic Source = "semantic"
	SourceLexical  Source = "lexical"
	SourceBoth     Source = "both"
)

// Result is one ranked thought.
type Result struct {
	ThoughtID string    `json:"thought_id"`
	Content   string    `json:"content"`
	Score     float32   `json:"score"`
	Semantic  float32   `json:"semantic_score,omitempty"`
	Lexical   float32   `json:"lexical_score,omitempty"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is a search call. A zero Limit uses the configured default and a
// negative Threshold uses the configured default threshold.
type Request struct {
	Tenant    string
	Query     string
	Limit     int
	Threshold float32
}

// Response carries the results and whether they came from the cache.
type Response struct {
	Results []Result `json:"results"`
	Cached  bool     `json:"cached"`
}

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) (embeddings.Embedding, error)
}

// Lexical finds thoughts sharing terms with a query.
type Lexical interface {
	LexicalSearch(ctx context.Context, tenant, query string, limit int) ([]thought.Record, error)
}

// Config holds the search tuning knobs.
type Config struct {
	DefaultLimit        int
	DefaultThreshold    float32
	Boost               float32
	LexicalLimit        int
	CandidateMultiplier int
	MaxLimit            int
}

// ConfigFrom derives a search Config from the service configuration.
func ConfigFrom(sc config.SearchConfig) Config {
	return Config{
		DefaultLimit:        sc.DefaultLimit,
		DefaultThreshold:    float32(sc.DefaultThreshold),
		Boost:               float32(sc.ClampedBoost()),
		LexicalLimit:        sc.LexicalLimit,
		CandidateMultiplier: sc.CandidateMultiplier,
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	switch {
	case c.Boost == 0:
		c.Boost = 1.2
	case c.Boost < config.MinBoost:
		c.Boost = config.MinBoost
	case c.Boost > 1.2:
		c.Boost = 1.2
	}
	if c.LexicalLimit <= 0 {
		c.LexicalLimit = 50
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = 3
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = 100
	}
}

// Service runs searches.
type Service struct {
	cfg      Config
	embedder QueryEmbedder
	vectors  vectorstore.Store
	lexical  Lexical
	cache    *QueryCache
	registry *discovery.Registry
	logger   *zap.Logger
	flight   singleflight.Group
}

// Deps are the collaborators of a Service. Lexical and Registry are optional.
type Deps struct {
	Embedder QueryEmbedder
	Vectors  vectorstore.Store
	Lexical  Lexical
	Cache    *QueryCache
	Registry *discovery.Registry
}

// NewService creates a search service.
func NewService(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Embedder == nil || deps.Vectors == nil {
		return nil, errors.New("search: embedder and vector store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = NewQueryCache(0, time.Minute)
	}
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		lexical:  deps.Lexical,
		cache:    deps.Cache,
		registry: deps.Registry,
		logger:   logger,
	}, nil
}

// Cache exposes the query cache for invalidation.
func (s *Service) Cache() *QueryCache { return s.cache }

// InvalidateTenant drops cached results for tenant.
func (s *Service) InvalidateTenant(tenant string) {
	s.cache.InvalidateTenant(tenant)
}

// Search returns up to Limit results scoring at least Threshold, best first.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	ctx, span := otel.Tracer("thoughtd.search").Start(ctx, "Service.Search")
	defer span.End()
	start := time.Now()

	key, err := s.key(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetAttributes(
		attribute.String("tenant", key.Tenant),
		attribute.Int("limit", key.Limit),
		attribute.Float64("threshold", float64(key.Threshold)),
	)
	label := s.tenantLabel(key.Tenant)
	ctx = logging.WithOperation(logging.WithTenant(ctx, key.Tenant), "search")

	if res, ok := s.cache.get(key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		searchDuration.WithLabelValues(label, "hit").Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.Bool("cached", true))
		return Response{Results: res, Cached: true}, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	// Searches only share a flight within one cache generation, so a caller
	// arriving after a write never receives a result computed before it.
	gen := s.cache.generation(key.Tenant)
	flightKey := fmt.Sprintf("%s\x00%s\x00%d\x00%s\x00%d", key.Tenant, key.Query,
		key.Limit, strconv.FormatFloat(float64(key.Threshold), 'g', -1, 32), gen)
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		return s.run(ctx, key, gen)
	})
	if err != nil {
		searchDuration.WithLabelValues(label, "error").Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	searchDuration.WithLabelValues(label, "miss").Observe(time.Since(start).Seconds())
	return Response{Results: cloneResults(v.([]Result))}, nil
}

func (s *Service) key(req Request) (cacheKey, error) {
	if err := thought.ValidateTenant(req.Tenant); err != nil {
		return cacheKey{}, err
	}
	query := embeddings.NormalizeText(req.Query)
	if query == "" {
		return cacheKey{}, ErrEmptyQuery
	}
	limit := req.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit < 0 || limit > s.cfg.MaxLimit {
		return cacheKey{}, fmt.Errorf("%w: limit %d outside [1, %d]", ErrInvalidRequest, limit, s.cfg.MaxLimit)
	}
	threshold := req.Threshold
	if threshold < 0 {
		threshold = s.cfg.DefaultThreshold
	}
	if threshold > 1 {
		return cacheKey{}, fmt.Errorf("%w: threshold %g above 1", ErrInvalidRequest, threshold)
	}
	return cacheKey{Tenant: req.Tenant, Query: query, Limit: limit, Threshold: threshold}, nil
}

// run performs an uncached search and caches the outcome unless the lexical
// leg failed or the tenant was invalidated since gen was read.
func (s *Service) run(ctx context.Context, key cacheKey, gen uint64) ([]Result, error) {
	emb, err := s.embedder.EmbedQuery(ctx, key.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.vectors.Query(ctx, key.Tenant, emb.Vector, key.Limit*s.cfg.CandidateMultiplier, key.Threshold)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	merged := make(map[string]*Result, len(matches))
	for _, m := range matches {
		merged[m.ThoughtID] = &Result{
			ThoughtID: m.ThoughtID,
			Content:   m.Content,
			Score:     m.Score,
			Semantic:  m.Score,
			Source:    SourceSemantic,
			CreatedAt: m.CreatedAt,
		}
	}

	degraded := false
	if s.lexical != nil {
		recs, err := s.lexical.LexicalSearch(ctx, key.Tenant, key.Query, s.cfg.LexicalLimit)
		if err != nil {
			degraded = true
			logging.For(ctx, s.logger).Warn("lexical search failed, serving semantic results only",
				zap.String("taxonomy", "transient_infra"),
				zap.Error(err),
			)
		}
		qt := terms(key.Query)
		for _, rec := range recs {
			score := coverage(qt, rec.Content)
			if score <= 0 || score < key.Threshold {
				continue
			}
			if r, ok := merged[rec.ID]; ok {
				r.Lexical = score
				r.Source = SourceBoth
				r.Score = max(r.Semantic, score) * s.cfg.Boost
				continue
			}
			merged[rec.ID] = &Result{
				ThoughtID: rec.ID,
				Content:   rec.Content,
				Score:     score,
				Lexical:   score,
				Source:    SourceLexical,
				CreatedAt: rec.CreatedAt,
			}
		}
	}

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	rank(results)
	if len(results) > key.Limit {
		results = results[:key.Limit]
	}

	if !degraded && !s.cache.put(key, gen, results) {
		logging.For(ctx, s.logger).Debug("tenant invalidated during search, result not cached")
	}
	return results, nil
}

// rank orders by score, then newest first, then id.
func rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ThoughtID < b.ThoughtID
	})
}

func (s *Service) tenantLabel(tenant string) string {
	if s.registry != nil && s.registry.Has(tenant) {
		return tenant
	}
	return "other"
}
