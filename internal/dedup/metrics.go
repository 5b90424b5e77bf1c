package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// submissions counts Submit calls by outcome.
var submissions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "thoughtd",
		Subsystem: "dedup",
		Name:      "submissions_total",
		Help:      "Thought submissions by outcome (accepted, duplicate, rejected, failed)",
	},
	[]string{"outcome"},
)
