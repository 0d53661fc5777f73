package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lifecycle metrics
	StatesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowstate_states_created_total",
			Help: "Total number of states materialized",
		},
	)

	StatesLeased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowstate_states_leased_total",
			Help: "Total number of states handed to workers",
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_state_transitions_total",
			Help: "Total state transitions by resulting status",
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowstate_retries_total",
			Help: "Total number of errored states re-created for retry",
		},
	)

	// Reaper metrics
	LeasesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowstate_leases_reaped_total",
			Help: "Total number of expired leases returned to the queue",
		},
	)

	// Graph metrics
	GraphValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_graph_validations_total",
			Help: "Total graph template validations by verdict",
		},
		[]string{"verdict"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowstate_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StatesCreated)
	prometheus.MustRegister(StatesLeased)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(LeasesReaped)
	prometheus.MustRegister(GraphValidations)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
