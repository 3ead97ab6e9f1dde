// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: no task ids or nonces.
var (
	// GatewayConnects counts handshake outcomes ("identify", "resume", "failed").
	GatewayConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjgate_gateway_connects_total",
		Help: "Gateway handshakes, by result.",
	}, []string{"result"})

	// GatewayFailures counts connection failures by recovery class.
	GatewayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjgate_gateway_failures_total",
		Help: "Gateway connection failures, by kind (fatal, resume, exception).",
	}, []string{"kind"})

	// HeartbeatLatency is the last measured heartbeat round trip per account.
	HeartbeatLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mjgate_gateway_heartbeat_latency_seconds",
		Help: "Last heartbeat acknowledgement latency.",
	}, []string{"account"})

	// DispatchEvents counts dispatches handled by the queue worker.
	DispatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjgate_dispatch_events_total",
		Help: "Dispatch events processed, by event type.",
	}, []string{"type"})

	// CorrelationMatches counts matched events by fallback tier.
	CorrelationMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjgate_correlation_matches_total",
		Help: "Events correlated to a task, by matching tier.",
	}, []string{"tier"})

	// CorrelationUnmatched counts job events with no running task.
	CorrelationUnmatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mjgate_correlation_unmatched_total",
		Help: "Job events that matched no running task.",
	})

	// AccountDisabled counts account disablements by reason class.
	AccountDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mjgate_account_disabled_total",
		Help: "Accounts disabled, by reason.",
	}, []string{"reason"})
)
