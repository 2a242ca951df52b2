package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "events_total",
			Help:      "Canonical delivery events by type and result.",
		},
		[]string{"type", "result"}, // result: "applied", "replay", "anomaly", "unknown_job", "unknown_type"
	)
	malformedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "malformed_payloads_total",
			Help:      "Callback payloads that matched no known wire shape.",
		},
		[]string{"provider"},
	)
	optOutsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingestion",
			Name:      "optouts_total",
			Help:      "Opt-out signals sent to contact management, by reason.",
		},
		[]string{"reason"},
	)
)
