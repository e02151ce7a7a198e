package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the browser relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: browser_relay (application-level grouping)
// - subsystem: websocket, room, rpc (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, in-flight RPCs)
// - Counter: Cumulative events (messages forwarded, timeouts, errors)
// - Histogram: Latency distributions (RPC round trips)

var (
	// ActiveWebSocketConnections tracks the current number of peers by role
	ActiveWebSocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "browser_relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket peers by role",
	}, []string{"role"})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browser_relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RPCInflight tracks pending requests per multiplexer
	RPCInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "browser_relay",
		Subsystem: "rpc",
		Name:      "inflight",
		Help:      "In-flight RPCs by back-end peer",
	}, []string{"peer"})

	// RPCDuration tracks RPC round-trip latency
	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "browser_relay",
		Subsystem: "rpc",
		Name:      "duration_seconds",
		Help:      "RPC round-trip time to back-end peers",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"peer", "status"})

	// RPCTimeouts counts deadline expiries per multiplexer
	RPCTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "rpc",
		Name:      "timeouts_total",
		Help:      "Total RPC deadline expiries by back-end peer",
	}, []string{"peer"})

	// EventsBroadcast counts browser events fanned out to agents
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "websocket",
		Name:      "events_broadcast_total",
		Help:      "Total browser events fanned out to agent peers",
	})

	// CommandsRouted counts agent commands by router disposition
	CommandsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "room",
		Name:      "commands_routed_total",
		Help:      "Agent protocol commands by routing decision",
	}, []string{"disposition"})

	// AdmissionRejected counts failed peer admissions
	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "room",
		Name:      "admissions_rejected_total",
		Help:      "Rejected admissions by reason",
	}, []string{"reason"})

	// RateLimitRequests counts requests checked by the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "http",
		Name:      "rate_limit_requests_total",
		Help:      "Requests evaluated by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests dropped by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState exposes breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "browser_relay",
		Subsystem: "dependency",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations dropped by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browser_relay",
		Subsystem: "dependency",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected while a circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection(role string) {
	ActiveWebSocketConnections.WithLabelValues(role).Inc()
}

func DecConnection(role string) {
	ActiveWebSocketConnections.WithLabelValues(role).Dec()
}
