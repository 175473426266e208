package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "emergency_connect"

var (
	RequestsCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Emergency requests created"})
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Committed request status transitions by target status"},
		[]string{"status"},
	)
	AcceptConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the race or found the request taken"})
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "side_effect_failures_total", Help: "Secondary writes that exhausted their retries"},
		[]string{"effect"},
	)
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ambulance_location_updates_total", Help: "Ambulance location reports received"})

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "Events fanned out by type"},
		[]string{"event"},
	)
	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_errors_total", Help: "Sink delivery failures"},
		[]string{"sink"},
	)
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_messages_dropped_total", Help: "Messages dropped because a client buffer was full"})
	WSConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Connected WebSocket clients"})

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_lookups_total", Help: "Read cache lookups by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
