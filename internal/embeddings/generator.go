package embeddings

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// normTolerance is how far from 1.0 a vector's L2 norm may drift before it
// is treated as not normalized.
const normTolerance = 1e-3

// verifyProbe is embedded by Verify.
const verifyProbe = "thoughtd embedding verification probe"

// Embedding is a generated vector plus its provenance.
type Embedding struct {
	Vector      []float32
	Provider    string
	Model       string
	GeneratedAt time.Time
}

// GeneratorConfig tunes a Generator.
type GeneratorConfig struct {
	// Dimension every vector must have. Zero takes the provider's.
	Dimension int
	// RateLimit is provider calls per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Renormalize rescales every vector to unit length.
	Renormalize bool
}

// Generator normalizes text and calls a Provider under a rate limit.
// It is safe for concurrent use.
type Generator struct {
	provider    Provider
	limiter     *rate.Limiter
	dimension   int
	renormalize bool
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time

	rawNormWarning sync.Once
}

// NewGenerator wraps p.
func NewGenerator(p Provider, cfg GeneratorConfig, logger *zap.Logger) (*Generator, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = p.Dimension()
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if pd := p.Dimension(); pd > 0 && pd != dim {
		return nil, fmt.Errorf("%w: provider %s produces %d dimensions, configured %d",
			ErrInvalidConfig, p.Name(), pd, dim)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Generator{
		provider:    p,
		limiter:     limiter,
		dimension:   dim,
		renormalize: cfg.Renormalize,
		metrics:     NewMetrics(logger),
		tracer:      otel.Tracer(instrumentationName),
		logger:      logger.Named("embeddings"),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dimension returns the enforced vector length.
func (g *Generator) Dimension() int { return g.dimension }

// Provider returns the wrapped provider.
func (g *Generator) Provider() Provider { return g.provider }

// Embed embeds thought content for storage.
func (g *Generator) Embed(ctx context.Context, text string) (Embedding, error) {
	return g.embed(ctx, text, PurposeDocument)
}

// EmbedQuery embeds a search query.
func (g *Generator) EmbedQuery(ctx context.Context, text string) (Embedding, error) {
	return g.embed(ctx, text, PurposeQuery)
}

func (g *Generator) embed(ctx context.Context, text string, purpose Purpose) (Embedding, error) {
	ctx, span := g.tracer.Start(ctx, "Generator.Embed", trace.WithAttributes(
		attribute.String("provider", g.provider.Name()),
		attribute.String("purpose", purpose.String()),
	))
	defer span.End()

	vec, err := g.call(ctx, text, purpose)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Embedding{}, err
	}
	return Embedding{
		Vector:      vec,
		Provider:    g.provider.Name(),
		Model:       g.provider.Model(),
		GeneratedAt: g.now(),
	}, nil
}

func (g *Generator) call(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, &ProviderError{Kind: InvalidInput, Provider: g.provider.Name(), Err: fmt.Errorf("empty text")}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Kind: Timeout, Provider: g.provider.Name(), Err: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	start := time.Now()
	vec, err := g.provider.Embed(ctx, normalized, purpose)
	if err == nil {
		err = g.check(vec)
	}
	g.metrics.Record(ctx, g.provider.Name(), g.provider.Model(), purpose, time.Since(start), err)
	if err != nil {
		g.logger.Debug("embedding failed",
			zap.String("kind", KindOf(err).String()),
			zap.Error(err))
		return nil, err
	}

	if g.renormalize {
		if n := l2Norm(vec); n > 0 && math.Abs(n-1) > normTolerance {
			g.rawNormWarning.Do(func() {
				g.logger.Warn("provider vectors are not unit length, renormalizing",
					zap.String("provider", g.provider.Name()),
					zap.String("model", g.provider.Model()),
					zap.Float64("norm", n))
			})
		}
		vec = unitNormalize(vec)
	}
	return vec, nil
}

func (g *Generator) check(vec []float32) error {
	if len(vec) != g.dimension {
		return &ProviderError{
			Kind:     Unavailable,
			Provider: g.provider.Name(),
			Err:      fmt.Errorf("got %d dimensions, want %d", len(vec), g.dimension),
		}
	}
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ProviderError{Kind: Unavailable, Provider: g.provider.Name(), Err: fmt.Errorf("vector contains non-finite values")}
		}
	}
	return nil
}

// Verify embeds a probe and checks that vectors come back unit norm, which
// cosine scoring downstream relies on. With renormalization enabled any
// non-zero vector passes, and the first one that needed rescaling is logged
// as a warning.
func (g *Generator) Verify(ctx context.Context) error {
	vec, err := g.call(ctx, verifyProbe, PurposeDocument)
	if err != nil {
		return fmt.Errorf("verify embeddings: %w", err)
	}
	n := l2Norm(vec)
	if n == 0 {
		return fmt.Errorf("verify embeddings: %w: zero vector", ErrNotNormalized)
	}
	if math.Abs(n-1) > normTolerance {
		return fmt.Errorf("verify embeddings: %w: norm %.4f", ErrNotNormalized, n)
	}
	g.logger.Info("embedding provider verified",
		zap.String("provider", g.provider.Name()),
		zap.String("model", g.provider.Model()),
		zap.Int("dimension", g.dimension))
	return nil
}

// Close closes the provider.
func (g *Generator) Close() error {
	return g.provider.Close()
}

func l2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func unitNormalize(vec []float32) []float32 {
	n := l2Norm(vec)
	if n == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / n)
	}
	return out
}
