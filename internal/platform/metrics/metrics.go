// Package metrics owns the Prometheus instruments of the chat core. All
// collectors live on a dedicated registry so tests can build isolated sets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatcore"

type Metrics struct {
	registry *prometheus.Registry

	ModerationRejections *prometheus.CounterVec
	MessagesSent         *prometheus.CounterVec
	SendFailures         *prometheus.CounterVec
	MessagesReceived     *prometheus.CounterVec
	IdentitySwaps        prometheus.Counter
	RestoreFailures      prometheus.Counter
	RestoreAttempts      prometheus.Counter
	SessionState         *prometheus.GaugeVec
	BlockReconciles      *prometheus.CounterVec
	BlockedPeers         prometheus.Gauge
	EventsDispatched     *prometheus.CounterVec
	EventsDropped        *prometheus.CounterVec
	ActiveListeners      prometheus.Gauge
	GroupTransitions     *prometheus.CounterVec
	CapacityRejections   prometheus.Counter
}

// New builds and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ModerationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "moderation",
			Name:      "rejections_total",
			Help:      "Outbound texts rejected by the moderation gate, by reason.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "sent_total",
			Help:      "Messages accepted by the chat backend, by conversation type and content type.",
		}, []string{"conversation", "content"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "send_failures_total",
			Help:      "Sends refused or failed, by outcome.",
		}, []string{"outcome"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "received_total",
			Help:      "Inbound messages applied to local state, by visibility.",
		}, []string{"visibility"}),
		IdentitySwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "identity_swaps_total",
			Help:      "Successful identity swaps.",
		}),
		RestoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "restore_failures_total",
			Help:      "Restore attempts that failed to log back in as the operator.",
		}),
		RestoreAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "restore_attempts_total",
			Help:      "Restore attempts, including retries.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		BlockReconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "reconciles_total",
			Help:      "Block list reconciliation passes, by result.",
		}, []string{"result"}),
		BlockedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "blocked_peers",
			Help:      "Peers blocked by the local user after the last reconcile.",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatched_total",
			Help:      "Real-time events dispatched to listeners, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Real-time events dropped before dispatch, by reason.",
		}, []string{"reason"}),
		ActiveListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "active_listeners",
			Help:      "Currently registered listener keys.",
		}),
		GroupTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "transitions_total",
			Help:      "Group lifecycle operations, by operation and result.",
		}, []string{"operation", "result"}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "capacity_rejections_total",
			Help:      "Supporter additions refused because the tier is at capacity.",
		}),
	}
	reg.MustRegister(
		m.ModerationRejections,
		m.MessagesSent,
		m.SendFailures,
		m.MessagesReceived,
		m.IdentitySwaps,
		m.RestoreFailures,
		m.RestoreAttempts,
		m.SessionState,
		m.BlockReconciles,
		m.BlockedPeers,
		m.EventsDispatched,
		m.EventsDropped,
		m.ActiveListeners,
		m.GroupTransitions,
		m.CapacityRejections,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry, e.g. for go-waku's own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetSessionState flips the state gauge so exactly one label reads 1.
func (m *Metrics) SetSessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.SessionState.WithLabelValues(s).Set(value)
	}
}
