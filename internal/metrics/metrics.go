// Package metrics provides Prometheus instrumentation shared by relay-router and relay-agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Router metrics.
var (
	ConnectedMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaykeep_router_connected_machines",
		Help: "Number of machines with a live duplex channel.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaykeep_router_queue_depth",
		Help: "Number of queued commands per machine.",
	}, []string{"machine_id"})

	WebhookUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaykeep_router_webhook_updates_total",
		Help: "Total webhook updates processed, by outcome.",
	}, []string{"outcome"})
)

// Agent metrics.
var (
	InboxSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaykeep_agent_inbox_size",
		Help: "Number of non-done entries in the local command inbox.",
	})

	InjectorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaykeep_agent_injector_latency_seconds",
		Help:    "Time taken for the Injector to deliver a command, by transport kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport_kind", "outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaykeep_agent_active_sessions",
		Help: "Number of sessions currently running per the local registry.",
	})
)
