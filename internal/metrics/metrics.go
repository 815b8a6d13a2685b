package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	taskStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlqueue",
		Name:      "tasks_started_total",
		Help:      "Total number of task runs started by kind",
	}, []string{"kind"})
	taskFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlqueue",
		Name:      "tasks_finished_total",
		Help:      "Total number of task runs ended by kind and resulting state",
	}, []string{"kind", "state"})
	taskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dlqueue",
		Name:      "task_retries_total",
		Help:      "Total number of task level retries by kind",
	}, []string{"kind"})
	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dlqueue",
		Name:      "task_run_duration_seconds",
		Help:      "Histogram of task run durations in seconds by kind",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s up to ~2h
	}, []string{"kind"})

	bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dlqueue",
		Name:      "downloaded_bytes_total",
		Help:      "Total number of body bytes written to destinations",
	})
	segmentsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dlqueue",
		Name:      "hls_segments_fetched_total",
		Help:      "Total number of HLS segments fetched and verified",
	})
	segmentRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dlqueue",
		Name:      "hls_segment_retries_total",
		Help:      "Total number of HLS segment fetch retries",
	})
	activeTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dlqueue",
		Name:      "active_tasks",
		Help:      "Number of tasks currently executing",
	})
)

// Register initializes metrics with the global Prometheus registry (idempotent)
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(taskStarted, taskFinished, taskRetries, taskDuration,
			bytesDownloaded, segmentsFetched, segmentRetries, activeTasks)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Task lifecycle helpers
func IncTaskStarted(kind string)         { taskStarted.WithLabelValues(kind).Inc() }
func IncTaskFinished(kind, state string) { taskFinished.WithLabelValues(kind, state).Inc() }
func IncTaskRetry(kind string)           { taskRetries.WithLabelValues(kind).Inc() }
func ObserveTaskDuration(kind string, d time.Duration) {
	taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Transfer helpers
func AddBytes(n int64)     { bytesDownloaded.Add(float64(n)) }
func IncSegmentFetched()   { segmentsFetched.Inc() }
func IncSegmentRetry()     { segmentRetries.Inc() }
func SetActiveTasks(n int) { activeTasks.Set(float64(n)) }
