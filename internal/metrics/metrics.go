// Package metrics exposes the agent's Prometheus collectors. They are
// registered on the default registry and served by the local /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "regnido_agent_events_appended_total",
		Help: "Total number of attendance events appended to the local queue.",
	})

	EventOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regnido_agent_event_outcomes_total",
		Help: "Total number of event submissions by server outcome.",
	}, []string{"outcome"})

	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "regnido_agent_sync_cycles_total",
		Help: "Total number of sync cycles by result.",
	}, []string{"result"})

	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "regnido_agent_pending_events",
		Help: "Number of events awaiting server confirmation.",
	})

	ServerReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "regnido_agent_server_reachable",
		Help: "Whether the last liveness probe reached the server (1 or 0).",
	})

	ProbeLatencySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "regnido_agent_probe_latency_seconds",
		Help: "Round-trip latency of the last liveness probe.",
	})
)
