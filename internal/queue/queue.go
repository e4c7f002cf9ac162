// Package queue implements the durable task store: an in-memory id index and
// min-priority queue in front of a task repository, plus a bounded worker pool
// that runs tasks through a caller-supplied Executor.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/clawops/internal/metrics"
	"github.com/nadmax/clawops/internal/repository"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotPending = errors.New("task is not pending")
)

const DefaultWorkerPoolSize = 3

type Options struct {
	WorkerPoolSize int
	Now            func() time.Time
}

type Queue struct {
	mu         sync.Mutex
	repo       repository.TaskRepository
	tasks      map[string]*task.Task
	pq         priorityQueue
	seq        uint64
	lastMillis int64
	poolSize   int
	now        func() time.Time
}

// NewQueue loads every stored task into memory. A repository that cannot be
// read leaves the store empty instead of failing startup.
func NewQueue(ctx context.Context, repo repository.TaskRepository, opts Options) (*Queue, error) {
	if repo == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{
		repo:     repo,
		tasks:    make(map[string]*task.Task),
		poolSize: opts.WorkerPoolSize,
		now:      opts.Now,
	}

	tasks, err := repo.LoadTasks(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load tasks, starting with an empty store")
		return q, nil
	}

	for _, t := range tasks {
		q.tasks[t.ID] = t
		if t.IsPending() {
			q.pushLocked(t)
		}
	}

	log.Debug().Int("tasks", len(tasks)).Msg("task store loaded")
	return q, nil
}

func (q *Queue) PoolSize() int {
	return q.poolSize
}

func (q *Queue) pushLocked(t *task.Task) {
	q.seq++
	heap.Push(&q.pq, entry{priority: t.Priority, seq: q.seq, id: t.ID})
}

// nextIDLocked issues {type}_{epoch_millis}, moving forward one millisecond at
// a time when the current one is already taken.
func (q *Queue) nextIDLocked(taskType string, now time.Time) string {
	millis := now.UnixMilli()
	if millis <= q.lastMillis {
		millis = q.lastMillis + 1
	}
	for {
		id := task.FormatID(taskType, millis)
		if _, taken := q.tasks[id]; !taken {
			q.lastMillis = millis
			return id
		}
		millis++
	}
}

// CreateTask stores a new pending task and queues it by priority.
func (q *Queue) CreateTask(ctx context.Context, name, taskType string, priority int, extra map[string]any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id := q.nextIDLocked(taskType, now)
	t := task.NewTask(id, name, taskType, priority, extra, now)

	if err := q.repo.CreateTask(ctx, t); err != nil {
		return "", fmt.Errorf("failed to persist task %s: %w", id, err)
	}

	q.tasks[id] = t
	q.pushLocked(t)
	metrics.RecordTaskCreated(taskType, priority)

	return id, nil
}

// SaveTask persists the in-memory state of one task and stamps updated_at.
// It reports false when the id is unknown.
func (q *Queue) SaveTask(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return false, nil
	}

	return true, q.saveLocked(ctx, t)
}

func (q *Queue) saveLocked(ctx context.Context, t *task.Task) error {
	now := q.now()
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	t.UpdatedAt = now

	if err := q.repo.SaveTask(ctx, t.Clone()); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", t.ID, err)
	}

	return nil
}

// UpdateTask applies fn to the stored record and persists it. fn must not
// change the id. Setting a task back to pending does not queue it again.
func (q *Queue) UpdateTask(ctx context.Context, taskID string, fn func(*task.Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	fn(t)
	t.ID = taskID

	return q.saveLocked(ctx, t)
}

func (q *Queue) GetTask(taskID string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	return t.Clone(), nil
}

// GetAllTasks returns copies ordered by creation time.
func (q *Queue) GetAllTasks() []*task.Task {
	q.mu.Lock()
	tasks := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t.Clone())
	}
	q.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})

	return tasks
}

// GetNextTask pops queue entries until one still points at a pending task.
// Equal priorities come out in insertion order.
func (q *Queue) GetNextTask() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pq.Len() > 0 {
		e := heap.Pop(&q.pq).(entry)
		t, ok := q.tasks[e.id]
		if ok && t.IsPending() {
			return e.id, true
		}
		metrics.RecordStaleDequeue()
	}

	return "", false
}

// GetStatus counts tasks by status in a single pass.
func (q *Queue) GetStatus() task.StatusCounts {
	q.mu.Lock()
	var counts task.StatusCounts
	for _, t := range q.tasks {
		counts.Add(t.Status)
	}
	q.mu.Unlock()

	metrics.UpdateTaskGauges(counts)
	return counts
}

// Reload merges rows written by other processes. Unknown ids are added (and
// queued when pending); known ids take the stored row when it is newer.
func (q *Queue) Reload(ctx context.Context) error {
	tasks, err := q.repo.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload tasks: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, t := range tasks {
		existing, ok := q.tasks[t.ID]
		if !ok {
			q.tasks[t.ID] = t
			if t.IsPending() {
				q.pushLocked(t)
			}
			added++
			continue
		}
		if t.UpdatedAt.After(existing.UpdatedAt) {
			q.tasks[t.ID] = t
		}
	}

	if added > 0 {
		log.Debug().Int("added", added).Msg("task store reloaded")
	}
	return nil
}

func (q *Queue) Close() error {
	return q.repo.Close()
}
