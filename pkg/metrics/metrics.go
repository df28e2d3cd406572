package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_scheduling_latency_seconds",
			Help:    "Time taken to place a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_scheduled_total",
			Help: "Total number of tasks placed on a node",
		},
	)

	TasksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_rejected_total",
			Help: "Total number of submissions that failed placement",
		},
	)

	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_heartbeats_total",
			Help: "Heartbeats processed by result",
		},
		[]string{"result"},
	)

	TasksLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_tasks_lost_total",
			Help: "Tasks declared lost by the reconciler",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Overlay metrics
	OverlayAllocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_overlay_allocations",
			Help: "Active VXLAN slots on the host",
		},
	)

	IPReservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_ip_reservations_active",
			Help: "Outstanding IP reservations",
		},
	)

	// Runner metrics
	ImageSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_image_sync_duration_seconds",
			Help:    "Time taken to load a shared-storage tarball",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ImageSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_image_syncs_total",
			Help: "Image sync attempts by result",
		},
		[]string{"result"},
	)

	ContainersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_containers_started_total",
			Help: "Containers launched by this runner",
		},
	)

	VMsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kohakuriver_vms_started_total",
			Help: "QEMU VMs launched by this runner",
		},
	)

	VMCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_vm_create_duration_seconds",
			Help:    "Time from VPS create request to QEMU daemonized",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Tunnel metrics
	TunnelSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tunnel_sessions",
			Help: "Open forward/tunnel WebSocket sessions",
		},
	)

	TunnelBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_tunnel_bytes_total",
			Help: "Bytes relayed through the tunnel by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksRejected)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(TasksLost)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(OverlayAllocations)
	prometheus.MustRegister(IPReservationsActive)
	prometheus.MustRegister(ImageSyncDuration)
	prometheus.MustRegister(ImageSyncsTotal)
	prometheus.MustRegister(ContainersStarted)
	prometheus.MustRegister(VMsStarted)
	prometheus.MustRegister(VMCreateDuration)
	prometheus.MustRegister(TunnelSessions)
	prometheus.MustRegister(TunnelBytes)
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
