package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("thoughtd.vectorstore.chromem")

// Metadata keys stored with every document.
const (
	metaTenant      = "tenant"
	metaThoughtID   = "thought_id"
	metaCreatedAt   = "created_at"
	metaGeneratedAt = "generated_at"
	metaProvider    = "provider"
	metaModel       = "model"
)

// ChromemConfig configures a ChromemStore.
type ChromemConfig struct {
	// Path is the persistence directory; empty keeps everything in memory.
	Path      string
	Compress  bool
	Dimension int
}

// ChromemStore keeps one chromem collection per tenant.
type ChromemStore struct {
	db        *chromem.DB
	dimension int
	logger    *zap.Logger

	// mu serializes writes per store; chromem collections are safe for
	// concurrent reads.
	mu sync.Mutex
}

// NewChromemStore opens or creates the database.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	logger.Info("chromem store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("dimension", cfg.Dimension))

	return &ChromemStore{db: db, dimension: cfg.Dimension, logger: logger.Named("vectorstore")}, nil
}

func collectionName(tenant string) string {
	return "thoughts_" + tenant
}

// noEmbedding guards against chromem embedding text itself; every document
// and query arrives with a vector.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

// Put upserts rec into the tenant's collection.
func (s *ChromemStore) Put(ctx context.Context, rec Record) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Put")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "put", start, err) }(time.Now())
	span.SetAttributes(attribute.String("tenant", rec.Tenant), attribute.String("thought_id", rec.ThoughtID))

	if err = rec.Validate(s.dimension); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.db.GetOrCreateCollection(collectionName(rec.Tenant), nil, noEmbedding)
	if err != nil {
		err = fmt.Errorf("%w: collection for %s: %v", ErrUnavailable, rec.Tenant, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Put replaces: drop any earlier document stored under the ID.
	if _, getErr := col.GetByID(ctx, rec.ThoughtID); getErr == nil {
		if err = col.Delete(ctx, nil, nil, rec.ThoughtID); err != nil {
			err = fmt.Errorf("%w: replacing %s: %v", ErrUnavailable, rec.ThoughtID, err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	doc := chromem.Document{
		ID:        rec.ThoughtID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Vector...),
		Metadata: map[string]string{
			metaTenant:      rec.Tenant,
			metaThoughtID:   rec.ThoughtID,
			metaCreatedAt:   formatTime(rec.CreatedAt),
			metaGeneratedAt: formatTime(rec.GeneratedAt),
			metaProvider:    rec.Provider,
			metaModel:       rec.Model,
		},
	}
	if err = col.AddDocument(ctx, doc); err != nil {
		err = fmt.Errorf("%w: adding %s: %v", ErrUnavailable, rec.ThoughtID, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Debug("stored vector",
		zap.String("tenant", rec.Tenant),
		zap.String("thought_id", rec.ThoughtID))
	return nil
}

// Query searches the tenant's collection.
func (s *ChromemStore) Query(ctx context.Context, tenant string, vector []float32, k int, threshold float32) (_ []Match, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	defer func(start time.Time) { observe("chromem", "query", start, err) }(time.Now())
	span.SetAttributes(attribute.String("tenant", tenant), attribute.Int("k", k))

	if err = validateQuery(tenant, vector, k, s.dimension); err != nil {
		return nil, err
	}

	col := s.db.GetCollection(collectionName(tenant), noEmbedding)
	if col == nil {
		return []Match{}, nil
	}
	n := col.Count()
	if n == 0 {
		return []Match{}, nil
	}
	if k > n {
		k = n
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		err = fmt.Errorf("%w: querying %s: %v", ErrUnavailable, tenant, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Tenant:      r.Metadata[metaTenant],
			ThoughtID:   r.ID,
			Content:     r.Content,
			Score:       r.Similarity,
			CreatedAt:   parseTime(r.Metadata[metaCreatedAt]),
			GeneratedAt: parseTime(r.Metadata[metaGeneratedAt]),
			Provider:    r.Metadata[metaProvider],
			Model:       r.Metadata[metaModel],
		})
	}
	if err = checkIsolation(s.logger, "chromem", tenant, matches); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches = finish(matches, k, threshold)
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, nil
}

// Exists reports whether the thought has a stored vector.
func (s *ChromemStore) Exists(ctx context.Context, tenant, thoughtID string) (_ bool, err error) {
	defer func(start time.Time) { observe("chromem", "exists", start, err) }(time.Now())

	col := s.db.GetCollection(collectionName(tenant), noEmbedding)
	if col == nil {
		return false, nil
	}
	doc, err := col.GetByID(ctx, thoughtID)
	if err != nil {
		// chromem reports a missing ID as an error.
		return false, nil
	}
	if doc.Metadata[metaTenant] != tenant {
		return false, checkIsolation(s.logger, "chromem", tenant,
			[]Match{{Tenant: doc.Metadata[metaTenant], ThoughtID: doc.ID}})
	}
	return true, nil
}

// Count returns the size of the tenant's collection.
func (s *ChromemStore) Count(_ context.Context, tenant string) (int, error) {
	col := s.db.GetCollection(collectionName(tenant), noEmbedding)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

var _ Store = (*ChromemStore)(nil)
