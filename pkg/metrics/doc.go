/*
Package metrics provides Prometheus metrics and health reporting for the
cloud scheduler.

All metrics are registered with the default Prometheus registry at package
init and exposed by Handler on the info server's /metrics endpoint.

# Architecture

	┌──────────── scheduler process ────────────┐
	│                                           │
	│  scheduler ─┐                             │
	│  poller    ─┼─► counters / histograms     │
	│  cleanup   ─┤    (updated inline)         │
	│  admin api ─┘                             │
	│                                           │
	│  Collector ──► gauges, every interval     │
	│    ├─ PoolSampler.SampleClusters()        │
	│    └─ JobSampler.CountsByState()          │
	│                                           │
	│  /metrics  /health  /ready  /live         │
	└───────────────────────────────────────────┘

Gauges are reset before each sample so clusters removed by a reload and
statuses no longer held by any VM drop out of the exposition.

# Metrics Catalog

Pool gauges:

	cloudscheduler_cluster_vm_slots{cluster, state}   state = total|available
	cloudscheduler_cluster_enabled{cluster}
	cloudscheduler_cluster_reachable{cluster}         set by pkg/health probes
	cloudscheduler_vms_total{cluster, status}
	cloudscheduler_bans_active
	cloudscheduler_jobs_total{state}

Lifecycle counters:

	cloudscheduler_vms_created_total{cluster}
	cloudscheduler_vm_create_failures_total{cluster, code}
	cloudscheduler_vms_destroyed_total{cluster, reason}
	cloudscheduler_boot_outcomes_total{cluster, outcome}
	cloudscheduler_bans_issued_total{cluster}
	cloudscheduler_poll_errors_total{cluster}

Loop and API timings:

	cloudscheduler_scheduling_cycle_seconds
	cloudscheduler_scheduling_cycles_total
	cloudscheduler_loop_cycle_seconds{loop}
	cloudscheduler_api_requests_total{method, status}
	cloudscheduler_api_request_duration_seconds{method}

# Timer

	timer := metrics.NewTimer()
	s.runCycle(ctx)
	timer.ObserveDuration(metrics.SchedulingLatency)

	timer.ObserveDurationVec(metrics.LoopDuration, "vm_poller")

# Health

Components report their state with RegisterComponent / UpdateComponent
and leave with RemoveComponent. /health is unhealthy when a critical
component (pool, storage and api by default, see SetCriticalComponents) is
down and degraded when only others are, such as the cloud:<name>
components of the endpoint probes. /ready requires every critical
component to have registered healthy.
*/
package metrics
