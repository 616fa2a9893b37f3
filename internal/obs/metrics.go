// Copyright 2025 James Ross
package obs

import "github.com/prometheus/client_golang/prometheus"

// Metric points named in SPEC_FULL's ambient observability component:
// events appended, outbox depth/dispatch latency, projection lag, and
// circuit breaker state, covering the write, dispatch, and projection
// stages of the pipeline.
var (
	EventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_appended_total",
		Help: "Total number of domain events appended to the event log, by event name",
	}, []string{"event_name"})

	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_depth",
		Help: "Number of due Pending outbox entries fetched by the dispatcher's last poll (at most one batch)",
	})

	OutboxDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatched_total",
		Help: "Total number of outbox entries successfully published, by event name",
	}, []string{"event_name"})

	OutboxFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Total number of outbox publish failures, by event name",
	}, []string{"event_name"})

	OutboxPoisoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_poisoned_total",
		Help: "Total number of outbox entries moved to Failed-Poison, by event name",
	}, []string{"event_name"})

	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_dispatch_latency_seconds",
		Help:    "Time from an event's occurrence to its successful publish",
		Buckets: prometheus.DefBuckets,
	})

	ProjectionLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "projection_processing_lag_seconds",
		Help:    "Time from an event's occurrence to projection processing, by projection id",
		Buckets: prometheus.DefBuckets,
	}, []string{"projection_id"})

	ProjectionEventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_events_processed_total",
		Help: "Total number of events applied by a projection handler, by projection id and event name",
	}, []string{"projection_id", "event_name"})

	ProjectionRebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_rebuilds_total",
		Help: "Total number of full projection rebuilds started, by projection id",
	}, []string{"projection_id"})

	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})

	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_circuit_breaker_trips_total",
		Help: "Count of times the dispatcher's publish breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(
		EventsAppended,
		OutboxDepth,
		OutboxDispatched,
		OutboxFailed,
		OutboxPoisoned,
		DispatchLatency,
		ProjectionLag,
		ProjectionEventsProcessed,
		ProjectionRebuilds,
		CircuitBreakerState,
		CircuitBreakerTrips,
	)
}
