package drainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes. Every claimed entry ends in exactly one.
const (
	outcomeEmbedded        = "embedded"
	outcomeAlreadyEmbedded = "already_embedded"
	outcomeMalformed       = "malformed"
	outcomeParked          = "parked"
	outcomeRetry           = "retry"
)

var (
	events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thoughtd",
		Subsystem: "drainer",
		Name:      "events_total",
		Help:      "Claimed log entries by outcome (embedded, already_embedded, malformed, parked, retry)",
	}, []string{"outcome"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "thoughtd",
		Subsystem: "drainer",
		Name:      "batch_duration_seconds",
		Help:      "Time to process one claimed batch",
		Buckets:   prometheus.DefBuckets,
	})

	lag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "thoughtd",
		Subsystem: "drainer",
		Name:      "lag",
		Help:      "Entries appended but not yet acknowledged, per tenant",
	}, []string{"tenant"})

	pending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "thoughtd",
		Subsystem: "drainer",
		Name:      "pending",
		Help:      "Entries delivered but not yet acknowledged, per tenant",
	}, []string{"tenant"})

	parked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "thoughtd",
		Subsystem: "drainer",
		Name:      "parked",
		Help:      "Dead-lettered entries, per tenant",
	}, []string{"tenant"})
)
