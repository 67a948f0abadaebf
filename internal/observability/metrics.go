package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mechanic_dispatch"

var (
	RequestsCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Service requests created"})
	ResponsesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "responses_total", Help: "Mechanic responses by outcome"}, []string{"outcome"})
	ArbiterLatency     = promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "arbiter_latency_seconds", Help: "Guarded transition latency", Buckets: prometheus.DefBuckets}, []string{"transition"})
	LocationUpdates    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location samples by result"}, []string{"result"})
	BroadcastsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "Room broadcasts published"}, []string{"event"})
	Connections        = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connections", Help: "Open realtime connections"}, []string{"transport"})
	SlowConsumers      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "slow_consumers_dropped_total", Help: "Connections closed because their send buffer filled"})
	MechanicsAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "mechanics_available", Help: "Last observed count of available mechanics"})

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
