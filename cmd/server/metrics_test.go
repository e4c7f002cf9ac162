package main

import (
	"context"
	"testing"
	"time"

	"github.com/nadmax/clawops/internal/cache"
	"github.com/nadmax/clawops/internal/metrics"
	"github.com/nadmax/clawops/internal/queue"
	"github.com/nadmax/clawops/internal/repository"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	q, err := queue.NewQueue(context.Background(), repository.NewMockTaskRepository(), queue.Options{})
	require.NoError(t, err)

	_, err = q.CreateTask(context.Background(), "a", "echo", 1, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	c := cache.New(cache.Config{MaxSize: 10, Now: func() time.Time { return now }})
	require.NoError(t, c.Set("short", 1, time.Second))
	require.NoError(t, c.Set("long", 2, time.Hour))

	now = now.Add(time.Minute)
	collect(context.Background(), q, c)

	assert.Equal(t, 1, c.Len())

	m := &dto.Metric{}
	require.NoError(t, metrics.CacheEntries.Write(m))
	assert.Equal(t, 1.0, m.GetGauge().GetValue())

	m = &dto.Metric{}
	require.NoError(t, metrics.TasksInStore.WithLabelValues("pending").Write(m))
	assert.Equal(t, 1.0, m.GetGauge().GetValue())
}
