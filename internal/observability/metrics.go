package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Dispatch attempt latency seconds",
		Buckets:   prometheus.DefBuckets,
	})
	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Candidates considered per dispatch attempt",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
	AutoDispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auto_dispatch_attempts_total", Help: "Scheduled dispatch attempts by result"},
		[]string{"result"},
	)

	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Driver location reports by result"},
		[]string{"result"},
	)
	DriversActive       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_active", Help: "Drivers with a fresh location after the last sweep"})
	LocationSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "location_subscribers", Help: "Open location subscriptions"})

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_events_dropped_total", Help: "Events dropped by the event bus"},
		[]string{"reason"},
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
