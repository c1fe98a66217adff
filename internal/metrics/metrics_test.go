package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsAreRegisteredAndLintClean(t *testing.T) {
	EventsProcessed.WithLabelValues("commit", "social.psky.chat.message", OutcomeAccepted).Inc()
	CheckpointSaves.WithLabelValues("ok").Inc()
	EnvelopesPublished.WithLabelValues("serverState").Inc()
	IdentityLookups.WithLabelValues("ok").Inc()
	CircuitBreakerState.WithLabelValues("plc").Set(0)
	HandlerDuration.WithLabelValues("commit").Observe(0.001)

	names := []string{
		"psky_relay_events_total",
		"psky_relay_handler_duration_seconds",
		"psky_relay_stream_cursor",
		"psky_relay_stream_reconnects_total",
		"psky_relay_checkpoint_saves_total",
		"psky_relay_subscribers",
		"psky_relay_session_addresses",
		"psky_relay_envelopes_published_total",
		"psky_relay_envelopes_dropped_total",
		"psky_relay_identity_lookups_total",
		"psky_relay_circuit_breaker_state",
	}
	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer, names...)
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, problem := range problems {
		t.Errorf("metric %s: %s", problem.Metric, problem.Text)
	}

	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer, names...)
	if err != nil {
		t.Fatalf("failed to count metrics: %v", err)
	}
	if count < len(names) {
		t.Fatalf("expected every collector to be exported, got %d series for %d names", count, len(names))
	}
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(EnvelopesDropped)
	EnvelopesDropped.Inc()
	if after := testutil.ToFloat64(EnvelopesDropped); after != before+1 {
		t.Fatalf("expected dropped counter to advance by one, got %v -> %v", before, after)
	}
}
