package main

import (
	"context"
	"time"

	"github.com/nadmax/clawops/internal/cache"
	"github.com/nadmax/clawops/internal/metrics"
	"github.com/nadmax/clawops/internal/queue"
	"github.com/rs/zerolog/log"
)

const metricsInterval = 10 * time.Second

// startMetricsCollector picks up rows written by workers, refreshes the store
// gauges and sweeps expired cache entries until ctx is done.
func startMetricsCollector(ctx context.Context, q *queue.Queue, c *cache.Cache) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collect(ctx, q, c)
		}
	}
}

func collect(ctx context.Context, q *queue.Queue, c *cache.Cache) {
	if err := q.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reload task store")
	}
	counts := q.GetStatus()

	if removed := c.CleanupExpired(); removed > 0 {
		log.Debug().Int("removed", removed).Msg("expired cache entries swept")
	}
	metrics.UpdateCacheEntries(c.Len())

	log.Debug().
		Int("pending", counts.Pending).
		Int("running", counts.Running).
		Int("completed", counts.Completed).
		Int("failed", counts.Failed).
		Msg("store gauges refreshed")
}
