// Package metrics provides Prometheus metrics for the task store, the cache and the resource registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/nadmax/clawops/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"type", "priority"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"type"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
		[]string{"type"},
	)
	TasksInStore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clawops_tasks_in_store",
			Help: "Current number of tasks in the store by status",
		},
		[]string{"status"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawops_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type", "status"},
	)
	StaleDequeues = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawops_stale_dequeues_total",
			Help: "Queue entries discarded because the task was no longer pending",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawops_workers_active",
			Help: "Number of currently busy pool workers",
		},
	)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_cache_evictions_total",
			Help: "Cache entries removed by reason",
		},
		[]string{"reason"},
	)
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clawops_cache_entries",
			Help: "Current number of cache entries",
		},
	)
	RegistryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_registry_writes_total",
			Help: "Registry documents written to disk",
		},
		[]string{"forced"},
	)
	RegistrySkippedSaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clawops_registry_skipped_saves_total",
			Help: "Non-forced registry saves collapsed by the debounce window",
		},
	)
	ResourcesRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_resources_registered_total",
			Help: "Resources registered by type",
		},
		[]string{"type"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawops_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawops_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskCreated(taskType string, priority int) {
	TasksCreated.WithLabelValues(taskType, strconv.Itoa(priority)).Inc()
}

func RecordTaskCompleted(taskType string, duration time.Duration) {
	TasksCompleted.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType, "completed").Observe(duration.Seconds())
}

func RecordTaskFailed(taskType string, duration time.Duration) {
	TasksFailed.WithLabelValues(taskType).Inc()
	TaskDuration.WithLabelValues(taskType, "failed").Observe(duration.Seconds())
}

func RecordStaleDequeue() {
	StaleDequeues.Inc()
}

func UpdateTaskGauges(counts task.StatusCounts) {
	TasksInStore.WithLabelValues(string(task.StatusPending)).Set(float64(counts.Pending))
	TasksInStore.WithLabelValues(string(task.StatusRunning)).Set(float64(counts.Running))
	TasksInStore.WithLabelValues(string(task.StatusCompleted)).Set(float64(counts.Completed))
	TasksInStore.WithLabelValues(string(task.StatusFailed)).Set(float64(counts.Failed))
}

func WorkerStarted() {
	WorkersActive.Inc()
}

func WorkerFinished() {
	WorkersActive.Dec()
}

func RecordCacheHit() {
	CacheRequests.WithLabelValues("hit").Inc()
}

func RecordCacheMiss() {
	CacheRequests.WithLabelValues("miss").Inc()
}

func RecordCacheEviction(reason string, n int) {
	if n <= 0 {
		return
	}
	CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func UpdateCacheEntries(n int) {
	CacheEntries.Set(float64(n))
}

func RecordRegistryWrite(forced bool) {
	RegistryWrites.WithLabelValues(strconv.FormatBool(forced)).Inc()
}

func RecordRegistrySkippedSave() {
	RegistrySkippedSaves.Inc()
}

func RecordResourceRegistered(resourceType string) {
	ResourcesRegistered.WithLabelValues(resourceType).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
