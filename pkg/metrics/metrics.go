package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficcore_workers_total",
			Help: "Total number of known workers by state",
		},
		[]string{"state"},
	)

	WorkerOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficcore_worker_occupancy",
			Help: "Current agent occupancy per worker",
		},
		[]string{"worker_id"},
	)

	PlacementsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficcore_placements_total",
			Help: "Total number of live agent placements",
		},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficcore_agents_total",
			Help: "Total number of tracked agents by lifecycle state",
		},
		[]string{"state"},
	)

	// Placement metrics
	AgentsPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficcore_agents_placed_total",
			Help: "Total number of agents placed on workers",
		},
	)

	PlacementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficcore_placement_failures_total",
			Help: "Total number of placements that failed with no capacity",
		},
	)

	AgentsRelocated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficcore_agents_relocated_total",
			Help: "Total number of agents relocated after worker loss",
		},
	)

	// Registry metrics
	RegistryRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficcore_registry_refresh_failures_total",
			Help: "Total number of failed service-registry refresh cycles",
		},
	)

	WorkersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficcore_workers_removed_total",
			Help: "Total number of workers removed after repeated unreachability",
		},
	)

	// Fan-out metrics
	FanoutWorkerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficcore_fanout_worker_failures_total",
			Help: "Total number of per-worker failures within fan-outs by operation",
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficcore_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trafficcore_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Dependency metrics
	DependencyEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trafficcore_dependency_edges_total",
			Help: "Total number of edges in the dependency graph",
		},
	)

	AgentsUnblocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trafficcore_agents_unblocked_total",
			Help: "Total number of pending agents resumed after prerequisites completed",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerOccupancy)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentsPlaced)
	prometheus.MustRegister(PlacementFailures)
	prometheus.MustRegister(AgentsRelocated)
	prometheus.MustRegister(RegistryRefreshFailures)
	prometheus.MustRegister(WorkersRemoved)
	prometheus.MustRegister(FanoutWorkerFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(DependencyEdges)
	prometheus.MustRegister(AgentsUnblocked)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
