package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts tasks reaching a terminal status, by status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gleitzeit_tasks_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	// TaskDuration observes wall-clock time from StartedAt to
	// FinishedAt, by method.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gleitzeit_task_duration_seconds",
			Help:    "Task execution duration in seconds, by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// TaskRetriesTotal counts retry attempts issued, by method.
	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gleitzeit_task_retries_total",
			Help: "Total number of task retry attempts, by method",
		},
		[]string{"method"},
	)

	// QueueDepth reports the number of claimable (not in-flight) queue
	// entries, sampled periodically.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gleitzeit_queue_depth",
			Help: "Number of tasks currently waiting to be claimed",
		},
	)

	// QueueInFlight reports the number of claimed-but-unacked entries.
	QueueInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gleitzeit_queue_in_flight",
			Help: "Number of tasks currently claimed by a worker",
		},
	)

	// WorkflowsTotal counts workflows reaching a terminal status, by
	// status.
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gleitzeit_workflows_total",
			Help: "Total number of workflows that reached a terminal status",
		},
		[]string{"status"},
	)

	// ProviderHealth reports each provider's current health as 0
	// (unhealthy) to 3 (healthy), by provider id.
	ProviderHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gleitzeit_provider_health",
			Help: "Provider health: 0=unhealthy, 1=unknown, 2=degraded, 3=healthy",
		},
		[]string{"provider"},
	)

	// ProviderInvocationsTotal counts Invoke calls per provider,
	// partitioned by outcome.
	ProviderInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gleitzeit_provider_invocations_total",
			Help: "Total number of provider invocations, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueInFlight)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(ProviderHealth)
	prometheus.MustRegister(ProviderInvocationsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
