// Package metrics holds the Prometheus collectors of the API service. They are served by promhttp on the metrics
// port when the service runs with -m.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blocksub"

var (
	// Requests counts HTTP requests by route template, method and status code.
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served.",
	}, []string{"route", "method", "code"})

	// Latency observes HTTP request durations by route template.
	Latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// Clients is the number of connected WebSocket clients.
	Clients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients.",
	})

	// Notifications counts upstream notifications broadcast to clients.
	Notifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Upstream notifications broadcast.",
	})

	// Dropped counts messages not delivered to a client because its buffer was full, and invalid upstream frames.
	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Messages dropped by the relay.",
	}, []string{"reason"})

	// SubscribeFailures counts subscribe requests that could not be sent upstream.
	SubscribeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_subscribe_failures_total",
		Help:      "Subscribe requests that failed to reach the upstream feed.",
	})
)

// Drop reasons.
const (
	ReasonSlowClient = "slow_client"
	ReasonInvalid    = "invalid_frame"
)
