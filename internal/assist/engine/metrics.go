package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assist_transitions_total",
		Help: "Committed request status transitions by edge.",
	}, []string{"from", "to"})

	assignmentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assist_assignment_attempts_total",
		Help: "Worker assignment attempts grouped by outcome.",
	}, []string{"result"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assist_engine_operation_seconds",
		Help:    "Latency of engine mutations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})

	versionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assist_engine_version_retries_total",
		Help: "Atomic units re-run after losing an optimistic version check.",
	}, []string{"op"})

	notifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assist_notify_failures_total",
		Help: "Notifications the sink failed to accept.",
	})
)
