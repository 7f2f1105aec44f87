package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codesync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_active_connections",
			Help: "Live connections held by this process",
		},
	)

	// Bus metrics
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_bus_published_total",
			Help: "Messages handed to the bus transport",
		},
		[]string{"channel"},
	)

	BusReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_bus_received_total",
			Help: "Messages received off the bus",
		},
		[]string{"channel"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_bus_dropped_total",
			Help: "Bus messages discarded as malformed",
		},
		[]string{"channel"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_local_deliveries_total",
			Help: "Events sent to locally held connections",
		},
		[]string{"event"},
	)

	// Business metrics
	DocumentCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_document_commits_total",
			Help: "Document versions committed",
		},
	)

	SandboxRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_sandbox_runs_total",
			Help: "Sandbox executions by outcome",
		},
		[]string{"outcome"},
	)
)
