package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("thoughtd.vectorstore.qdrant")

// pointNamespace derives stable point IDs from (tenant, thought id), so a
// re-embedded thought overwrites its earlier point.
var pointNamespace = uuid.MustParse("6f1f7a8e-3d0b-5c47-9a52-2b8e4c1d9f30")

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	CollectionName string
	Dimension      int
	// MaxMessageSize bounds gRPC messages. Default: 16MB.
	MaxMessageSize int
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate checks the connection settings.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore keeps every tenant in one collection and filters on a
// keyword-indexed tenant payload field.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     *zap.Logger
}

// NewQdrantStore connects, health checks and ensures the collection and
// its tenant index exist.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC connection is plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", ErrUnavailable, err)
	}

	s := &QdrantStore{
		client:     client,
		collection: cfg.CollectionName,
		dimension:  cfg.Dimension,
		logger:     logger.Named("vectorstore"),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: qdrant health check: %v", ErrUnavailable, err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.CollectionName),
		zap.Int("dimension", cfg.Dimension))
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return classify("checking collection", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && status.Code(err) != grpccodes.AlreadyExists {
		return classify("creating collection", err)
	}
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      metaTenant,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return classify("creating tenant index", err)
	}
	return nil
}

// pointID is the deterministic Qdrant ID for a thought.
func pointID(tenant, thoughtID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(tenant+"\x00"+thoughtID)).String())
}

func tenantFilter(tenant string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(metaTenant, tenant)}}
}

func recordPayload(rec Record) map[string]*qdrant.Value {
	return qdrant.NewValueMap(map[string]any{
		metaTenant:      rec.Tenant,
		metaThoughtID:   rec.ThoughtID,
		"content":       rec.Content,
		metaCreatedAt:   formatTime(rec.CreatedAt),
		metaGeneratedAt: formatTime(rec.GeneratedAt),
		metaProvider:    rec.Provider,
		metaModel:       rec.Model,
	})
}

func matchFromPayload(score float32, payload map[string]*qdrant.Value) Match {
	str := func(k string) string { return payload[k].GetStringValue() }
	return Match{
		Tenant:      str(metaTenant),
		ThoughtID:   str(metaThoughtID),
		Content:     str("content"),
		Score:       score,
		CreatedAt:   parseTime(str(metaCreatedAt)),
		GeneratedAt: parseTime(str(metaGeneratedAt)),
		Provider:    str(metaProvider),
		Model:       str(metaModel),
	}
}

// Put upserts rec and waits for the write to be applied.
func (s *QdrantStore) Put(ctx context.Context, rec Record) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Put")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "put", start, err) }(time.Now())
	span.SetAttributes(attribute.String("tenant", rec.Tenant), attribute.String("thought_id", rec.ThoughtID))

	if err = rec.Validate(s.dimension); err != nil {
		return err
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      pointID(rec.Tenant, rec.ThoughtID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: recordPayload(rec),
		}},
	})
	if err != nil {
		err = classify("upserting point", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Query runs a filtered nearest neighbour search.
func (s *QdrantStore) Query(ctx context.Context, tenant string, vector []float32, k int, threshold float32) (_ []Match, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	defer func(start time.Time) { observe("qdrant", "query", start, err) }(time.Now())
	span.SetAttributes(attribute.String("tenant", tenant), attribute.Int("k", k))

	if err = validateQuery(tenant, vector, k, s.dimension); err != nil {
		return nil, err
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         tenantFilter(tenant),
		Limit:          qdrant.PtrOf(uint64(k)),
		ScoreThreshold: qdrant.PtrOf(threshold),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		err = classify("querying points", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, matchFromPayload(p.GetScore(), p.GetPayload()))
	}
	if err = checkIsolation(s.logger, "qdrant", tenant, matches); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	matches = finish(matches, k, threshold)
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, nil
}

// Exists fetches the point by its derived ID.
func (s *QdrantStore) Exists(ctx context.Context, tenant, thoughtID string) (_ bool, err error) {
	defer func(start time.Time) { observe("qdrant", "exists", start, err) }(time.Now())

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pointID(tenant, thoughtID)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return false, classify("getting point", err)
	}
	if len(points) == 0 {
		return false, nil
	}
	m := matchFromPayload(0, points[0].GetPayload())
	if err = checkIsolation(s.logger, "qdrant", tenant, []Match{m}); err != nil {
		return false, err
	}
	return true, nil
}

// Count returns the exact number of points for the tenant.
func (s *QdrantStore) Count(ctx context.Context, tenant string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         tenantFilter(tenant),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, classify("counting points", err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// isTransient reports whether a gRPC error may succeed on retry.
func isTransient(err error) bool {
	switch status.Code(err) {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted,
		grpccodes.ResourceExhausted, grpccodes.Unknown, grpccodes.Internal:
		return true
	}
	return false
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("qdrant %s: %w", op, err)
}

var _ Store = (*QdrantStore)(nil)
