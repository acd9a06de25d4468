package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_booking"

var (
	BookingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_actions_total", Help: "Resolved booking actions by kind"},
		[]string{"kind"},
	)
	BookingOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_outcomes_total", Help: "Booking flow outcomes by state"},
		[]string{"outcome"},
	)
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Latency of calls to the carpooling backend",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "token_refreshes_total", Help: "Access token refresh attempts"},
		[]string{"result"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_lookups_total", Help: "Query cache lookups"},
		[]string{"result"},
	)
	CacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_invalidations_total", Help: "Invalidated cache keys by origin"},
		[]string{"origin"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Mutation events published"},
		[]string{"result"},
	)
	EventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Mutation events consumed"},
		[]string{"result"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

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
