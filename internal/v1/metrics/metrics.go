// Package metrics defines the Prometheus instruments for the collaboration
// server. All metrics live under the coedit namespace and are registered on
// the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coedit"

var (
	// ActiveConnections tracks currently open websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "active_connections",
		Help:      "Number of open websocket connections.",
	})

	// ActiveRooms tracks rooms with at least one connected member.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rooms",
		Name:      "active_total",
		Help:      "Number of rooms with live in-memory state.",
	})

	// RoomMembers tracks connected members per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rooms",
		Name:      "members",
		Help:      "Connected members per room.",
	}, []string{"room_id"})

	// ParticipantsJoined counts successful room admissions.
	ParticipantsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rooms",
		Name:      "participants_joined_total",
		Help:      "Total successful room joins.",
	})

	// OperationsApplied counts persisted atomic operations.
	OperationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "documents",
		Name:      "operations_applied_total",
		Help:      "Total atomic operations applied to documents.",
	})

	// OperationsRejected counts rejected operation batches by error code.
	OperationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "documents",
		Name:      "operations_rejected_total",
		Help:      "Total rejected operation batches by error code.",
	}, []string{"code"})

	// OperationSubmitDuration observes the latency of the per-document
	// critical section, including persistence.
	OperationSubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "documents",
		Name:      "submit_duration_seconds",
		Help:      "Latency of document operation submits.",
		Buckets:   prometheus.DefBuckets,
	})

	// EventsBroadcast counts fan-out events by type.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rooms",
		Name:      "events_broadcast_total",
		Help:      "Total events fanned out to room members.",
	}, []string{"event"})

	// CursorUpdates counts accepted cursor updates.
	CursorUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "cursor_updates_total",
		Help:      "Total accepted cursor updates.",
	})

	// RateLimitedEvents counts events dropped or rejected by rate limiting.
	RateLimitedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "rate_limited_total",
		Help:      "Total events dropped or rejected by rate limiting.",
	}, []string{"event"})

	// CircuitBreakerState exposes the breaker state per backend
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Requests rejected by an open circuit breaker.",
	}, []string{"backend"})

	// BusPublishFailures counts failed pub/sub publishes.
	BusPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "publish_failures_total",
		Help:      "Total failed bus publishes.",
	})
)
