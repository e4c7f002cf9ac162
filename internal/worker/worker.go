// Package worker provides the background processor that drains pending tasks
// from the store and runs them through handlers registered per task type.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/clawops/internal/queue"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 2 * time.Second

type TaskHandler func(ctx context.Context, t *task.Task) (any, error)

type Worker struct {
	id           string
	queue        *queue.Queue
	mu           sync.RWMutex
	handlers     map[string]TaskHandler
	stop         chan struct{}
	stopOnce     sync.Once
	pollInterval time.Duration
	reloaders    []*reloader
}

type reloader struct {
	name string
	fn   func() error
	last time.Time
}

var _ queue.Executor = (*Worker)(nil)

func NewWorker(id string, q *queue.Queue) *Worker {
	return &Worker{
		id:           id,
		queue:        q,
		handlers:     make(map[string]TaskHandler),
		stop:         make(chan struct{}),
		pollInterval: DefaultPollInterval,
	}
}

func (w *Worker) RegisterHandler(taskType string, handler TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[taskType] = handler
}

func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// AddReloader registers fn to refresh state other processes write, such as
// the resource registry. RunOnce calls it at most once per poll interval.
func (w *Worker) AddReloader(name string, fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reloaders = append(w.reloaders, &reloader{name: name, fn: fn})
}

func (w *Worker) runReloaders(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range w.reloaders {
		if !r.last.IsZero() && now.Sub(r.last) < w.pollInterval {
			continue
		}
		r.last = now
		if err := r.fn(); err != nil {
			log.Warn().Err(err).Str("worker_id", w.id).Str("reloader", r.name).Msg("failed to reload")
		}
	}
}

// Execute routes a task to the handler registered for its type.
func (w *Worker) Execute(ctx context.Context, t *task.Task) (any, error) {
	w.mu.RLock()
	handler, exists := w.handlers[t.Type]
	w.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no handler for task type: %s", t.Type)
	}

	log.Debug().Str("worker_id", w.id).Str("task_id", t.ID).Str("task_type", t.Type).Msg("processing task")
	return handler(ctx, t)
}

// Start polls until ctx is done or Stop is called. It returns an error only
// when the task store can no longer be written.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().Str("worker_id", w.id).Msg("worker started")
	defer log.Info().Str("worker_id", w.id).Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce picks up to one pool's worth of pending tasks, runs them and
// returns how many were dispatched.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := w.queue.Reload(ctx); err != nil {
		log.Warn().Err(err).Str("worker_id", w.id).Msg("failed to reload task store")
	}
	w.runReloaders(time.Now())

	var ids []string
	for len(ids) < w.queue.PoolSize() {
		id, ok := w.queue.GetNextTask()
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	results, err := w.queue.RunConcurrent(ctx, ids, w)
	if err != nil {
		return len(ids), fmt.Errorf("worker %s: %w", w.id, err)
	}

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	log.Info().
		Str("worker_id", w.id).
		Int("dispatched", len(ids)).
		Int("failed", failed).
		Msg("batch finished")

	return len(ids), nil
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
