package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Live connections by role"},
		[]string{"role"},
	)
	ConnectionEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "connection_evictions_total", Help: "Connections removed from the registry by reason"},
		[]string{"reason"},
	)
	DriversIndexed = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_indexed", Help: "Drivers with a live location record"})
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location reports by result"},
		[]string{"result"},
	)

	RidesInFlight = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "rides_in_flight", Help: "Rides not yet in a terminal state"})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Applied ride state transitions"},
		[]string{"to"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Offer round results"},
		[]string{"outcome"},
	)
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers sent to drivers"})
	OfferResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_resolutions_total", Help: "How individual offers ended"},
		[]string{"result"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from offer round start to acceptance",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_delivered_total", Help: "Outbound events handed to connection buffers"},
		[]string{"event"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Outbound events not delivered"},
		[]string{"reason"},
	)
	CollaboratorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "collaborator_errors_total", Help: "Failures handing records to external collaborators"},
		[]string{"sink"},
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
