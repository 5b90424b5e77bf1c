package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/thoughtd/internal/mcp"

// Metrics holds all MCP-related metrics.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.invocations, err = m.meter.Int64Counter(
		"thoughtd.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool invocations by tool."),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"thoughtd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool latency by tool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"thoughtd.mcp.tool.errors_total",
		metric.WithDescription("MCP tool failures by tool and reason."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"thoughtd.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// RecordInvocation records a tool invocation metric.
func (m *Metrics) RecordInvocation(ctx context.Context, toolName string, duration time.Duration, err error) {
	tool := attribute.String("tool", toolName)
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(tool))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(tool))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(tool, attribute.String("reason", categorizeError(err))))
	}
}

// IncrementActive increments the active requests counter.
func (m *Metrics) IncrementActive(ctx context.Context, toolName string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

// DecrementActive decrements the active requests counter.
func (m *Metrics) DecrementActive(ctx context.Context, toolName string) {
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", toolName)))
	}
}

// categorizeError maps an error to one of the taxonomy reasons.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, thought.ErrInvalidTenant),
		errors.Is(err, dedup.ErrEmptyContent),
		errors.Is(err, dedup.ErrContentTooLarge),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, search.ErrInvalidRequest):
		return "malformed_input"
	case errors.Is(err, eventlog.ErrGroupNotFound):
		return "not_found"
	case embeddings.IsPermanent(err), errors.Is(err, embeddings.ErrRateLimited):
		return "provider_rejection"
	case errors.Is(err, vectorstore.ErrIsolationViolation):
		return "isolation_violation"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, embeddings.ErrTimeout):
		return "timeout"
	default:
		return "transient_infra"
	}
}
