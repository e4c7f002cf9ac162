package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nadmax/clawops/internal/cache"
	"github.com/nadmax/clawops/internal/task"
	"github.com/nadmax/clawops/internal/worker"
	"github.com/rs/zerolog/log"
)

const TaskTypeEcho = "echo"

// EchoHandler stands in for real work and reports the task name back.
func EchoHandler(_ context.Context, t *task.Task) (any, error) {
	return "Result of " + t.Name, nil
}

// Cached memoizes a handler's successful results keyed by task type, name and
// extra fields. Failures are never cached.
func Cached(h worker.TaskHandler, c *cache.Cache, ttl time.Duration) worker.TaskHandler {
	return func(ctx context.Context, t *task.Task) (any, error) {
		desc := map[string]any{
			"task_type": t.Type,
			"name":      t.Name,
			"extra":     t.Extra,
		}

		if raw, ok := c.Get(desc); ok {
			var value any
			if err := json.Unmarshal(raw, &value); err == nil {
				log.Debug().Str("task_id", t.ID).Msg("served from cache")
				return value, nil
			}
		}

		value, err := h(ctx, t)
		if err != nil {
			return nil, err
		}

		if err := c.Set(desc, value, ttl); err != nil {
			log.Debug().Err(err).Str("task_id", t.ID).Msg("result not cached")
		}

		return value, nil
	}
}
