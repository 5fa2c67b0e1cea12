package metrics

import "github.com/prometheus/client_golang/prometheus"

// OrderMetrics counts lifecycle activity across the order engine.
// A nil *OrderMetrics is valid and records nothing.
type OrderMetrics struct {
	transitions   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	decisions     *prometheus.CounterVec
}

// NewOrderMetrics registers the order counters on the provided registerer.
func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	if reg == nil {
		return &OrderMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "transitions_total",
		Help:      "Applied order status transitions.",
	}, []string{"from", "to"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhooks",
		Name:      "events_total",
		Help:      "Payment webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	gatewayCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "approvals",
		Name:      "decisions_total",
		Help:      "Approval decisions by actor and result.",
	}, []string{"actor", "result"})
	reg.MustRegister(transitions, webhookEvents, gatewayCalls, decisions)
	return &OrderMetrics{
		transitions:   transitions,
		webhookEvents: webhookEvents,
		gatewayCalls:  gatewayCalls,
		decisions:     decisions,
	}
}

func (m *OrderMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *OrderMetrics) IncWebhookEvent(eventType, outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *OrderMetrics) IncGatewayCall(operation, outcome string) {
	if m == nil || m.gatewayCalls == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *OrderMetrics) IncDecision(actor, result string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.WithLabelValues(normalizeLabel(actor), normalizeLabel(result)).Inc()
}
