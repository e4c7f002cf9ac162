package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/clawops/internal/metrics"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

// Executor runs the actual work behind a task. The store only tracks state.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (any, error)
}

type ExecutorFunc func(ctx context.Context, t *task.Task) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (any, error) {
	return f(ctx, t)
}

// Result is the outcome of one task in a RunConcurrent batch.
type Result struct {
	Value any
	Err   error
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// RunConcurrent executes the given tasks on a pool of WorkerPoolSize
// goroutines and blocks until all of them finish. Task failures are recorded
// on the task and in the result map; the returned error only reports storage
// failures. Results arrive in completion order, the map has no ordering.
func (q *Queue) RunConcurrent(ctx context.Context, taskIDs []string, exec Executor) (map[string]Result, error) {
	ids := dedupe(taskIDs)
	results := make(map[string]Result, len(ids))
	if len(ids) == 0 {
		return results, nil
	}

	var (
		mu        sync.Mutex
		storeErrs []error
		wg        sync.WaitGroup
	)

	jobs := make(chan string)
	workers := min(q.poolSize, len(ids))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				res, err := q.runOne(ctx, id, exec)

				mu.Lock()
				results[id] = res
				if err != nil {
					storeErrs = append(storeErrs, err)
				}
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	return results, errors.Join(storeErrs...)
}

// runOne returns a non-nil error only when the store could not be written.
func (q *Queue) runOne(ctx context.Context, taskID string, exec Executor) (Result, error) {
	t, err := q.claim(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTaskNotPending) {
			return Result{Err: err}, nil
		}
		return Result{Err: err}, err
	}

	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	start := time.Now()
	value, execErr := safeExecute(ctx, exec, t)
	duration := time.Since(start)

	q.mu.Lock()
	defer q.mu.Unlock()

	live, ok := q.tasks[taskID]
	if !ok {
		return Result{Value: value, Err: execErr}, nil
	}

	if execErr != nil {
		live.Status = task.StatusFailed
		live.Error = execErr.Error()
		metrics.RecordTaskFailed(live.Type, duration)
		log.Warn().Err(execErr).Str("task_id", taskID).Str("task_type", live.Type).Msg("task failed")
	} else {
		live.Status = task.StatusCompleted
		live.Output = stringify(value)
		metrics.RecordTaskCompleted(live.Type, duration)
		log.Debug().Str("task_id", taskID).Dur("duration", duration).Msg("task completed")
	}

	if err := q.saveLocked(ctx, live); err != nil {
		return Result{Value: value, Err: execErr}, err
	}

	return Result{Value: value, Err: execErr}, nil
}

// claim moves a pending task to running and persists the transition.
func (q *Queue) claim(ctx context.Context, taskID string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !t.IsPending() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, t.Status)
	}

	prev := t.UpdatedAt
	t.Status = task.StatusRunning
	if err := q.saveLocked(ctx, t); err != nil {
		t.Status = task.StatusPending
		t.UpdatedAt = prev
		return nil, err
	}

	return t.Clone(), nil
}

func safeExecute(ctx context.Context, exec Executor, t *task.Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return exec.Execute(ctx, t)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
