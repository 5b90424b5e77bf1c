package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thoughtd",
		Subsystem: "search",
		Name:      "cache_lookups_total",
		Help:      "Query cache lookups by result.",
	}, []string{"result"})

	// Only discovered tenants get their own label value.
	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "thoughtd",
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "Search latency by tenant and cache outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tenant", "outcome"})
)
