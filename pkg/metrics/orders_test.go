package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOrderMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetrics(reg)

	m.IncTransition("PENDING", "PAID")
	m.IncTransition("PENDING", "PAID")
	m.IncWebhookEvent("checkout.session.completed", "applied")
	m.IncGatewayCall("capture", "error")
	m.IncDecision("bot", "")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("PENDING", "PAID")); got != 2 {
		t.Fatalf("expected 2 transitions, got %f", got)
	}
	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("checkout.session.completed", "applied")); got != 1 {
		t.Fatalf("expected 1 webhook event, got %f", got)
	}
	if got := testutil.ToFloat64(m.gatewayCalls.WithLabelValues("capture", "error")); got != 1 {
		t.Fatalf("expected 1 gateway call, got %f", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("bot", "unknown")); got != 1 {
		t.Fatalf("expected blank label normalized to unknown, got %f", got)
	}
}

func TestNilOrderMetricsIsNoop(t *testing.T) {
	var m *OrderMetrics
	m.IncTransition("a", "b")
	m.IncWebhookEvent("a", "b")
	m.IncGatewayCall("a", "b")
	m.IncDecision("a", "b")

	empty := NewOrderMetrics(nil)
	empty.IncTransition("a", "b")
}
