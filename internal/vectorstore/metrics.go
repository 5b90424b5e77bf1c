package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationDuration tracks backend calls.
	// Labels: backend (chromem, qdrant), operation (put, query, exists, count), result (success, error)
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thoughtd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "result"},
	)

	isolationViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thoughtd",
			Subsystem: "vectorstore",
			Name:      "isolation_violations_total",
			Help:      "Query results that belonged to a different tenant",
		},
		[]string{"backend"},
	)
)

func observe(backend, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	operationDuration.WithLabelValues(backend, operation, result).Observe(time.Since(start).Seconds())
}
