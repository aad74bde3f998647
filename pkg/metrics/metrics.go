package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aura_tasks_total",
			Help: "Total number of finished tasks by terminal status",
		},
		[]string{"status"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aura_tasks_running",
			Help: "Number of tasks currently admitted and running",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aura_task_duration_seconds",
			Help:    "Task execution duration in seconds by plan",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"plan"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aura_queue_depth",
			Help: "Number of tasklets waiting per queue",
		},
		[]string{"queue"},
	)

	AdmissionWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aura_admission_wait_seconds",
			Help:    "Time spent waiting for concurrency permits in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aura_events_published_total",
			Help: "Total number of events published on the bus",
		},
	)

	SubscriberErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aura_subscriber_errors_total",
			Help: "Total number of subscriber callback failures",
		},
	)

	// Plugin metrics
	PluginsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aura_plugins_loaded",
			Help: "Number of plugins in the active registry",
		},
	)

	RegistryReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aura_registry_reloads_total",
			Help: "Total number of hot reloads applied",
		},
	)

	// State planner metrics
	ReplansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aura_replans_total",
			Help: "Total number of state planner replans",
		},
	)

	PlanningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aura_planning_duration_seconds",
			Help:    "State planning duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aura_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(AdmissionWait)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(SubscriberErrors)
	prometheus.MustRegister(PluginsLoaded)
	prometheus.MustRegister(RegistryReloads)
	prometheus.MustRegister(ReplansTotal)
	prometheus.MustRegister(PlanningDuration)
	prometheus.MustRegister(APIRequestsTotal)
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

// ObserveDurationVec records the duration to a labeled histogram
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
