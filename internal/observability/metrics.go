package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier_dispatch"

var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Total bookings created"})
	OffersTotal     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offer rounds by outcome"},
		[]string{"outcome"},
	)
	MatchingFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matching_failed_total", Help: "Matching attempts that found no rider"},
		[]string{"reason"},
	)
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status changes by target status"},
		[]string{"status"},
	)
	RidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "riders_online", Help: "Number of online riders"})
	WaitSeconds  = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Rider wait time at pickup and dropoff",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"leg"},
	)
	EventsPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_publish_failed_total", Help: "Events a publisher failed to deliver"},
		[]string{"publisher"},
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

// Offer outcomes
const (
	OutcomeSent     = "sent"
	OutcomeAccepted = "accepted"
	OutcomeDeclined = "declined"
	OutcomeExpired  = "expired"
)
