// Package metrics defines the Prometheus instruments of the dispatch
// engine. All collectors are registered on the default registry and served
// by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsClaimed counts successful queue claims, labelled by queue type.
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overseer",
		Name:      "jobs_claimed_total",
		Help:      "Jobs claimed from a queue by the dispatch preprocess step.",
	}, []string{"queue"})

	// JobsCompleted counts terminal job outcomes, labelled by status
	// (completed or failed).
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overseer",
		Name:      "jobs_finished_total",
		Help:      "Jobs driven to a terminal status by the execution workflow.",
	}, []string{"status"})

	// OrphansRecovered counts in-progress jobs returned to their queue by
	// orphan reconciliation.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overseer",
		Name:      "orphans_recovered_total",
		Help:      "Orphaned in-progress jobs re-queued by preprocess or the sweeper.",
	})

	// AgentRegistrations counts RegisterAgent calls that committed.
	AgentRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overseer",
		Name:      "agent_registrations_total",
		Help:      "Successful agent registrations, including reconnect upserts.",
	})

	// AgentsOffline counts active-to-offline transitions applied by the
	// health-check workflow.
	AgentsOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overseer",
		Name:      "agents_marked_offline_total",
		Help:      "Agents marked offline after consecutive failed pings.",
	})

	// ConnectedStreams tracks the number of live agent stream sessions.
	ConnectedStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "overseer",
		Name:      "connected_agent_streams",
		Help:      "Currently open agent stream sessions.",
	})

	// PingFailures counts health-check pings that timed out or could not be
	// delivered.
	PingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "overseer",
		Name:      "ping_failures_total",
		Help:      "Health-check pings that were not acknowledged in time.",
	})
)
