package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionserver_runs_total",
			Help: "Total number of runs by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actionserver_run_duration_seconds",
			Help:    "Run execution duration in seconds by package",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"package"},
	)

	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actionserver_runs_in_flight",
			Help: "Number of runs currently executing",
		},
	)

	// Pool metrics
	PoolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "actionserver_pool_workers",
			Help: "Number of pool workers by state (idle, busy)",
		},
		[]string{"state"},
	)

	PoolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actionserver_pool_waiters",
			Help: "Number of submissions queued for a worker",
		},
	)

	WorkerSpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionserver_worker_spawns_total",
			Help: "Total number of worker processes spawned",
		},
	)

	WorkerCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionserver_worker_crashes_total",
			Help: "Total number of workers that exited with an in-flight run",
		},
	)

	WorkerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actionserver_worker_spawn_duration_seconds",
			Help:    "Time from spawn to worker ready in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionserver_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actionserver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Bus metrics
	BusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "actionserver_bus_subscribers",
			Help: "Number of connected live-update subscribers",
		},
	)

	BusDroppedSubscribersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "actionserver_bus_dropped_subscribers_total",
			Help: "Total number of subscribers dropped for slow consumption",
		},
	)

	// Import metrics
	ImportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionserver_imports_total",
			Help: "Total number of package imports by result",
		},
		[]string{"result"},
	)

	ImportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actionserver_import_duration_seconds",
			Help:    "Time taken to import a package in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnvironmentBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actionserver_environment_build_duration_seconds",
			Help:    "Time taken to build an action environment in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Callback metrics
	CallbackDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionserver_callback_deliveries_total",
			Help: "Total number of async callback deliveries by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RunsInFlight)
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(PoolWaiters)
	prometheus.MustRegister(WorkerSpawnsTotal)
	prometheus.MustRegister(WorkerCrashesTotal)
	prometheus.MustRegister(WorkerSpawnDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BusSubscribers)
	prometheus.MustRegister(BusDroppedSubscribersTotal)
	prometheus.MustRegister(ImportsTotal)
	prometheus.MustRegister(ImportDuration)
	prometheus.MustRegister(EnvironmentBuildDuration)
	prometheus.MustRegister(CallbackDeliveriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
