package metrics

import (
	"strconv"
	"testing"
	"time"

	"github.com/nadmax/clawops/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskCreated(t *testing.T) {
	TasksCreated.Reset()

	tests := []struct {
		name     string
		taskType string
		priority int
	}{
		{name: "urgent task", taskType: "analysis", priority: 1},
		{name: "default task", taskType: "email", priority: task.DefaultPriority},
		{name: "background task", taskType: "cleanup", priority: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordTaskCreated(tt.taskType, tt.priority)

			value := getCounterValue(t, TasksCreated, tt.taskType, strconv.Itoa(tt.priority))
			assert.Equal(t, 1.0, value)
		})
	}
}

func TestRecordTaskCompleted(t *testing.T) {
	TasksCompleted.Reset()
	TaskDuration.Reset()

	RecordTaskCompleted("test-task", 2*time.Second)

	assert.Equal(t, 1.0, getCounterValue(t, TasksCompleted, "test-task"))
	assert.Equal(t, 2.0, getHistogramSum(t, TaskDuration, "test-task", "completed"))
}

func TestRecordTaskFailed(t *testing.T) {
	TasksFailed.Reset()
	TaskDuration.Reset()

	RecordTaskFailed("failing-task", 500*time.Millisecond)

	assert.Equal(t, 1.0, getCounterValue(t, TasksFailed, "failing-task"))
	assert.Equal(t, 0.5, getHistogramSum(t, TaskDuration, "failing-task", "failed"))
}

func TestUpdateTaskGauges(t *testing.T) {
	TasksInStore.Reset()

	UpdateTaskGauges(task.StatusCounts{Pending: 3, Running: 2, Completed: 4, Failed: 1, Total: 10})

	assert.Equal(t, 3.0, getGaugeValue(t, TasksInStore, "pending"))
	assert.Equal(t, 2.0, getGaugeValue(t, TasksInStore, "running"))
	assert.Equal(t, 4.0, getGaugeValue(t, TasksInStore, "completed"))
	assert.Equal(t, 1.0, getGaugeValue(t, TasksInStore, "failed"))
}

func TestWorkersActive(t *testing.T) {
	WorkersActive.Set(0)

	WorkerStarted()
	WorkerStarted()
	WorkerFinished()

	metric := &dto.Metric{}
	require.NoError(t, WorkersActive.Write(metric))
	assert.Equal(t, 1.0, metric.Gauge.GetValue())
}

func TestCacheMetrics(t *testing.T) {
	CacheRequests.Reset()
	CacheEvictions.Reset()

	RecordCacheHit()
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction("lru", 2)
	RecordCacheEviction("expired", 0)
	UpdateCacheEntries(7)

	assert.Equal(t, 2.0, getCounterValue(t, CacheRequests, "hit"))
	assert.Equal(t, 1.0, getCounterValue(t, CacheRequests, "miss"))
	assert.Equal(t, 2.0, getCounterValue(t, CacheEvictions, "lru"))
	assert.Equal(t, 0.0, getCounterValue(t, CacheEvictions, "expired"))

	metric := &dto.Metric{}
	require.NoError(t, CacheEntries.Write(metric))
	assert.Equal(t, 7.0, metric.Gauge.GetValue())
}

func TestRegistryMetrics(t *testing.T) {
	RegistryWrites.Reset()
	ResourcesRegistered.Reset()

	RecordRegistryWrite(true)
	RecordRegistryWrite(false)
	RecordRegistryWrite(false)
	RecordResourceRegistered("api_key")

	assert.Equal(t, 1.0, getCounterValue(t, RegistryWrites, "true"))
	assert.Equal(t, 2.0, getCounterValue(t, RegistryWrites, "false"))
	assert.Equal(t, 1.0, getCounterValue(t, ResourcesRegistered, "api_key"))
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	tests := []struct {
		name     string
		method   string
		endpoint string
		status   string
		duration time.Duration
	}{
		{name: "successful GET", method: "GET", endpoint: "/api/tasks", status: "200", duration: 50 * time.Millisecond},
		{name: "failed POST", method: "POST", endpoint: "/api/tasks", status: "500", duration: 100 * time.Millisecond},
		{name: "not found", method: "GET", endpoint: "/unknown", status: "404", duration: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordHTTPRequest(tt.method, tt.endpoint, tt.status, tt.duration)

			count := getCounterValue(t, HTTPRequestsTotal, tt.method, tt.endpoint, tt.status)
			assert.Greater(t, count, 0.0, "request counter should be incremented")

			sum := getHistogramSum(t, HTTPRequestDuration, tt.method, tt.endpoint)
			assert.Greater(t, sum, 0.0, "duration should be recorded")
		})
	}
}

func TestTaskDurationHistogramBuckets(t *testing.T) {
	TaskDuration.Reset()

	durations := []time.Duration{
		5 * time.Millisecond,
		100 * time.Millisecond,
		1 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}

	for _, d := range durations {
		RecordTaskCompleted("bucket-test", d)
	}

	metric := getHistogramMetric(t, TaskDuration, "bucket-test", "completed")
	assert.Equal(t, uint64(len(durations)), metric.Histogram.GetSampleCount())
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	metric := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, c.Write(metric))
	return metric.Counter.GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, labels ...string) float64 {
	metric := &dto.Metric{}
	g, err := gauge.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	require.NoError(t, g.Write(metric))
	return metric.Gauge.GetValue()
}

func getHistogramSum(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) float64 {
	metric := getHistogramMetric(t, histogram, labels...)
	return metric.Histogram.GetSampleSum()
}

func getHistogramMetric(t *testing.T, histogram *prometheus.HistogramVec, labels ...string) *dto.Metric {
	metric := &dto.Metric{}
	observer, err := histogram.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	h := observer.(prometheus.Histogram)
	require.NoError(t, h.Write(metric))
	return metric
}
