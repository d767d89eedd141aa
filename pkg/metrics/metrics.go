// Package metrics exposes the prometheus instrumentation shared by the
// management service and worker agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics (Management Service)
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_nodes_total",
			Help: "Total number of registered worker nodes by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_tasks_total",
			Help: "Total number of registered tasks by status",
		},
		[]string{"status"},
	)

	EventLogLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spear_event_log_length",
			Help: "Number of events currently retained in the task event log",
		},
	)

	SubscriberLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_subscriber_lag_events",
			Help: "Number of events a subscriber's cursor trails the log head by",
		},
		[]string{"node_id"},
	)

	// Instance pool metrics (Worker Agent)
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_instances_total",
			Help: "Total number of runtime instances by task and state",
		},
		[]string{"task_id", "state"},
	)

	InstancesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_instances_scheduled_total",
			Help: "Total number of instances scheduled",
		},
	)

	InstancesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_instances_failed_total",
			Help: "Total number of instances that failed to start or crashed",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spear_scheduling_latency_seconds",
			Help:    "Time taken to select or create an instance for an invocation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spear_executions_total",
			Help: "Total number of executions by invocation mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_execution_duration_seconds",
			Help:    "Execution duration in seconds by invocation mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Runtime lifecycle metrics
	InstanceCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_instance_create_duration_seconds",
			Help:    "Time taken to create an instance by runtime type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	InstanceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_instance_start_duration_seconds",
			Help:    "Time taken to start an instance by runtime type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	InstanceStopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_instance_stop_duration_seconds",
			Help:    "Time taken to stop an instance by runtime type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	// Control channel metrics
	ControlConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spear_control_connections_total",
			Help: "Total number of open control channel connections by state",
		},
		[]string{"state"},
	)

	ControlHeartbeatsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_control_heartbeats_missed_total",
			Help: "Total number of missed control channel heartbeats",
		},
	)

	// Artifact manager metrics
	ArtifactCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_artifact_cache_hits_total",
			Help: "Total number of artifact resolutions served from cache",
		},
	)

	ArtifactCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spear_artifact_cache_misses_total",
			Help: "Total number of artifact resolutions requiring a fetch",
		},
	)

	ArtifactFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spear_artifact_fetch_duration_seconds",
			Help:    "Time taken to fetch an artifact by scheme",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(EventLogLength)
	prometheus.MustRegister(SubscriberLag)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstancesScheduled)
	prometheus.MustRegister(InstancesFailed)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(InstanceCreateDuration)
	prometheus.MustRegister(InstanceStartDuration)
	prometheus.MustRegister(InstanceStopDuration)
	prometheus.MustRegister(ControlConnectionsTotal)
	prometheus.MustRegister(ControlHeartbeatsMissed)
	prometheus.MustRegister(ArtifactCacheHits)
	prometheus.MustRegister(ArtifactCacheMisses)
	prometheus.MustRegister(ArtifactFetchDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
