package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	ClusterVMSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudscheduler_cluster_vm_slots",
			Help: "VM slots per cluster, total and available",
		},
		[]string{"cluster", "state"},
	)

	ClusterEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudscheduler_cluster_enabled",
			Help: "Whether the cluster accepts new VMs (1 = enabled)",
		},
		[]string{"cluster"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudscheduler_vms_total",
			Help: "Number of VMs by cluster and status",
		},
		[]string{"cluster", "status"},
	)

	BansActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudscheduler_bans_active",
			Help: "Number of banned (image, cluster) pairs",
		},
	)

	ClusterReachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudscheduler_cluster_reachable",
			Help: "Whether the cluster's API endpoint answered the last probes (1 = reachable)",
		},
		[]string{"cluster"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cloudscheduler_jobs_total",
			Help: "Number of known jobs by state",
		},
		[]string{"state"},
	)

	// VM lifecycle metrics
	VMsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_vms_created_total",
			Help: "Total number of VMs created by cluster",
		},
		[]string{"cluster"},
	)

	VMCreateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_vm_create_failures_total",
			Help: "Total number of failed creates by cluster and code",
		},
		[]string{"cluster", "code"},
	)

	VMsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_vms_destroyed_total",
			Help: "Total number of VMs destroyed by cluster and reason",
		},
		[]string{"cluster", "reason"},
	)

	BootOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_boot_outcomes_total",
			Help: "VM boot outcomes recorded for ban tracking",
		},
		[]string{"cluster", "outcome"},
	)

	BansIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_bans_issued_total",
			Help: "Total number of (image, cluster) bans issued",
		},
		[]string{"cluster"},
	)

	PollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_poll_errors_total",
			Help: "Total number of failed provider polls by cluster",
		},
		[]string{"cluster"},
	)

	// Loop metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudscheduler_scheduling_cycle_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudscheduler_scheduling_cycles_total",
			Help: "Total number of scheduling passes",
		},
	)

	LoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudscheduler_loop_cycle_seconds",
			Help:    "Duration of poller and cleanup cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudscheduler_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudscheduler_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClusterVMSlots)
	prometheus.MustRegister(ClusterEnabled)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(BansActive)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(VMsCreated)
	prometheus.MustRegister(VMCreateFailures)
	prometheus.MustRegister(VMsDestroyed)
	prometheus.MustRegister(BootOutcomes)
	prometheus.MustRegister(BansIssued)
	prometheus.MustRegister(PollErrors)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SchedulingCycles)
	prometheus.MustRegister(ClusterReachable)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
