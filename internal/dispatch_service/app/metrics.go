package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler loop ticks.",
		},
	)
	reservationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "channel_reservations_total",
			Help:      "Channel reservation attempts by result.",
		},
		[]string{"result"}, // "reserved", "contended", "error"
	)
	claimsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "job_claims_total",
			Help:      "Job claim attempts by result.",
		},
		[]string{"result"}, // "claimed", "empty", "error"
	)
	dispatchesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by outcome.",
		},
		[]string{"outcome"}, // "sent", "transient_failure", "quota_exhausted", "permanent_failure", "panic"
	)
	dispatchDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of provider send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	poolSaturatedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "dispatch_pool_saturated_total",
			Help:      "Times a claimed job was requeued because the dispatch pool was full.",
		},
	)
	channelsDisabledCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "channels_auto_disabled_total",
			Help:      "Channels auto-disabled after consecutive failures.",
		},
	)
	reservationsSweptCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "reservations_swept_total",
			Help:      "Expired reservations reclaimed by the sweeper.",
		},
	)
	stuckJobsRequeuedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatcher",
			Name:      "stuck_jobs_requeued_total",
			Help:      "Processing jobs abandoned by a dead worker and returned to waiting.",
		},
	)
)
