/*
Package metrics exposes Prometheus metrics and health endpoints for the ACS.

All collectors are registered in init and served by Handler on the metrics
listener together with the health handlers:

	/metrics   Prometheus exposition
	/health    component health, 503 if any component is unhealthy
	/ready     readiness, 503 until the CWMP listener is serving
	/live      liveness, always 200 while the process runs

# Metrics

Sessions:
  - acs_sessions_total{outcome}
  - acs_sessions_active
  - acs_session_duration_seconds
  - acs_overload_rejected_total
  - acs_local_sessions
  - acs_events_dropped

Protocol:
  - acs_rpcs_total{method}
  - acs_request_duration_seconds{method}
  - acs_faults_total{code}

Infrastructure:
  - acs_lock_acquire_total{result}
  - acs_extension_calls_total{extension,result}
  - acs_extension_duration_seconds{extension}
  - acs_snapshot_refresh_total{result}
  - acs_snapshot_revisions
  - acs_config_objects{kind}
  - acs_reaper_cycles_total
  - acs_reaper_duration_seconds

Session counters are not updated by the engine directly. Collector
subscribes to the event broker and derives them from lifecycle events.
Gauges that no event can maintain are sampled by the manager.

Timer measures an operation and records it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperDuration)
*/
package metrics
