package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wormhole_containers_total",
			Help: "Total number of containers known to this agent by state",
		},
		[]string{"state"},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wormhole_container_create_duration_seconds",
			Help:    "Time taken to create a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wormhole_container_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wormhole_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerDestroyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wormhole_container_destroy_duration_seconds",
			Help:    "Time taken to destroy a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wormhole_container_failures_total",
			Help: "Total number of container lifecycle operations that ended in an error state",
		},
		[]string{"op"},
	)

	// Network plumbing metrics
	VifsPlugged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wormhole_vifs_plugged",
			Help: "Number of virtual interfaces currently plugged into bridges",
		},
	)

	NetworkPlumbDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wormhole_network_plumb_duration_seconds",
			Help:    "Time taken to plumb or unplumb a vif in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	NetworkPlumbFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wormhole_network_plumb_failures_total",
			Help: "Total number of network plumbing operations that failed and were rolled back",
		},
		[]string{"op"},
	)

	// Volume mapping metrics
	VolumeMappingsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wormhole_volume_mappings_total",
			Help: "Total number of block device symlink mappings currently held",
		},
	)

	VolumeAttachDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wormhole_volume_attach_duration_seconds",
			Help:    "Time taken to attach or detach a volume in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	VolumeCloneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wormhole_volume_clone_duration_seconds",
			Help:    "Time taken to clone an image onto a block device in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Storage gateway metrics
	StorageGatewayTargetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wormhole_storage_gateway_targets_total",
			Help: "Total number of iSCSI targets currently exported",
		},
	)

	// Task manager metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wormhole_tasks_total",
			Help: "Total number of tracked async tasks by state",
		},
		[]string{"state"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wormhole_task_duration_seconds",
			Help:    "Time taken for an async task to finish in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wormhole_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wormhole_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ContainerDestroyDuration)
	prometheus.MustRegister(ContainerFailuresTotal)

	prometheus.MustRegister(VifsPlugged)
	prometheus.MustRegister(NetworkPlumbDuration)
	prometheus.MustRegister(NetworkPlumbFailuresTotal)

	prometheus.MustRegister(VolumeMappingsTotal)
	prometheus.MustRegister(VolumeAttachDuration)
	prometheus.MustRegister(VolumeCloneDuration)

	prometheus.MustRegister(StorageGatewayTargetsTotal)

	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler for the /metrics route.
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
