package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for EventsProcessed.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeIgnored  = "ignored"
)

var (
	// EventsProcessed counts upstream events by kind, collection and outcome.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psky_relay_events_total",
			Help: "Upstream firehose events handled by the relay",
		},
		[]string{"kind", "collection", "outcome"},
	)

	// HandlerDuration observes the time spent handling one upstream event.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psky_relay_handler_duration_seconds",
			Help:    "Duration of per-event handler execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// StreamCursor is the latest observed upstream cursor (unix microseconds).
	StreamCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "psky_relay_stream_cursor",
			Help: "Latest observed Jetstream cursor in unix microseconds",
		},
	)

	// StreamReconnects counts upstream reconnect attempts.
	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "psky_relay_stream_reconnects_total",
			Help: "Jetstream reconnect attempts",
		},
	)

	// CheckpointSaves counts checkpoint flushes by result.
	CheckpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psky_relay_checkpoint_saves_total",
			Help: "Checkpoint flush attempts by result",
		},
		[]string{"result"},
	)

	// Subscribers is the number of active websocket subscribers.
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "psky_relay_subscribers",
			Help: "Active websocket subscribers",
		},
	)

	// SessionAddresses is the number of distinct addresses with an active subscriber.
	SessionAddresses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "psky_relay_session_addresses",
			Help: "Distinct source addresses with an active subscriber",
		},
	)

	// EnvelopesPublished counts envelopes handed to the hub by type.
	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psky_relay_envelopes_published_total",
			Help: "Envelopes published to subscribers",
		},
		[]string{"type"},
	)

	// EnvelopesDropped counts envelopes dropped for a subscriber with a full buffer.
	EnvelopesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "psky_relay_envelopes_dropped_total",
			Help: "Envelopes dropped because a subscriber buffer was full",
		},
	)

	// IdentityLookups counts directory lookups by result.
	IdentityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psky_relay_identity_lookups_total",
			Help: "DID directory lookups by result",
		},
		[]string{"result"},
	)

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "psky_relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
