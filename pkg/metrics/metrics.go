package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	ApplicationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_applications_total",
			Help: "Number of managed applications by status",
		},
		[]string{"status"},
	)

	HostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_hosts_total",
			Help: "Number of configured Proxmox hosts",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_nodes_total",
			Help: "Number of cached cluster nodes by status",
		},
		[]string{"status"},
	)

	// Job metrics
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_jobs_in_flight",
			Help: "Number of jobs currently executing",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_jobs_total",
			Help: "Total jobs completed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_job_retries_total",
			Help: "Total job retry attempts by kind",
		},
		[]string{"kind"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roost_job_duration_seconds",
			Help:    "Job attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind"},
	)

	DeployStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roost_deploy_step_duration_seconds",
			Help:    "Deployment pipeline step duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)

	// Gateway metrics
	PVERequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_pve_requests_total",
			Help: "Total PVE REST calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	SSHExecTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_ssh_exec_total",
			Help: "Total SSH command executions by outcome",
		},
		[]string{"outcome"},
	)

	TaskWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_task_wait_duration_seconds",
			Help:    "Time spent waiting on PVE tasks",
			Buckets: []float64{2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Reconciliation metrics
	OrphansDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_orphans_detected_total",
			Help: "Orphaned application rows detected by classification",
		},
		[]string{"class"},
	)

	StuckApplications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_stuck_applications_total",
			Help: "Applications the janitor flipped to error",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ApplicationsTotal)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(DeployStepDuration)
	prometheus.MustRegister(PVERequestsTotal)
	prometheus.MustRegister(SSHExecTotal)
	prometheus.MustRegister(TaskWaitDuration)
	prometheus.MustRegister(OrphansDetected)
	prometheus.MustRegister(StuckApplications)
	prometheus.MustRegister(ReconcileDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
