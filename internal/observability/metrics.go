package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool_client"

var (
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "phase_transitions_total", Help: "Coordinator phase transitions"},
		[]string{"from", "to"},
	)
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "polls_total", Help: "Ride status polls by result"},
		[]string{"result"},
	)
	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Position reports sent to the backend"},
		[]string{"result"},
	)
	DistanceEstimates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "distance_estimates_total", Help: "Distance estimates by provenance"},
		[]string{"provenance"},
	)
	FeedbackSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "feedback_submissions_total", Help: "Feedback submissions by outcome"},
		[]string{"outcome"},
	)
	CandidatesLoaded = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates_loaded",
		Help:      "Candidate rides left after self-match exclusion per load",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	ObserversConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "observers_connected", Help: "Connected websocket observers"})

	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "backend_requests_total", Help: "Backend requests by endpoint and outcome"},
		[]string{"endpoint", "outcome"},
	)
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total status API requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
