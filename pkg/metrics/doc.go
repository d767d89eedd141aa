/*
Package metrics provides Prometheus metrics collection and exposition for
the management service and worker agent.

Metrics are defined and registered at package init using the Prometheus
client library and exposed via an HTTP handler for scraping.

# Metrics Catalog

Fleet metrics (management service):

  - spear_nodes_total{status}: gauge, registered worker nodes by status
  - spear_tasks_total{status}: gauge, registered tasks by status
  - spear_event_log_length: gauge, events currently retained in the task event log
  - spear_subscriber_lag_events{node_id}: gauge, events a subscriber's cursor trails the log head by

spear_nodes_total and spear_tasks_total are not incremented inline at the
point of mutation; a Collector resnapshots them on a ticker from live
registry state, so a status transition a caller forgets to account for
(e.g. a node swept to Unhealthy) still shows up.

Instance pool and execution metrics (worker agent):

  - spear_instances_total{task_id, state}: gauge
  - spear_instances_scheduled_total: counter
  - spear_instances_failed_total: counter
  - spear_scheduling_latency_seconds: histogram
  - spear_executions_total{mode, outcome}: counter
  - spear_execution_duration_seconds{mode}: histogram
  - spear_instance_create_duration_seconds{runtime}: histogram
  - spear_instance_start_duration_seconds{runtime}: histogram
  - spear_instance_stop_duration_seconds{runtime}: histogram

Control channel and artifact manager metrics:

  - spear_control_connections_total{state}: gauge
  - spear_control_heartbeats_missed_total: counter
  - spear_artifact_cache_hits_total / spear_artifact_cache_misses_total: counter
  - spear_artifact_fetch_duration_seconds{scheme}: histogram

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.InstanceCreateDuration, "wasm")

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are package-level variables registered in init() via
MustRegister, so they are available to any importer without further
setup. Most label sets are low-cardinality (status, mode, runtime,
scheme); the exceptions are spear_instances_total, labelled by task_id,
and spear_subscriber_lag_events, labelled per subscriber.
*/
package metrics
