package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/thoughtd/internal/embeddings"

// Metrics records embedding latency and failures through the global
// OpenTelemetry meter provider.
type Metrics struct {
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewMetrics creates the instruments. Instruments that fail to register are
// logged and skipped.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	m.duration, err = meter.Float64Histogram(
		"thoughtd.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls by provider, model and purpose"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"thoughtd.embedding.errors_total",
		metric.WithDescription("Embedding failures by provider, model and error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create embedding errors counter", zap.Error(err))
	}
	return m
}

// Record notes one embedding call.
func (m *Metrics) Record(ctx context.Context, provider, model string, purpose Purpose, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("purpose", purpose.String()),
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		attrs = append(attrs, attribute.String("kind", KindOf(err).String()))
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
