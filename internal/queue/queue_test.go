package queue

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/clawops/internal/filelock"
	"github.com/nadmax/clawops/internal/repository"
	"github.com/nadmax/clawops/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestQueue(t *testing.T) (*Queue, *repository.MockTaskRepository, *fakeClock) {
	mockRepo := repository.NewMockTaskRepository()
	clock := newFakeClock()

	q, err := NewQueue(context.Background(), mockRepo, Options{WorkerPoolSize: 3, Now: clock.Now})
	require.NoError(t, err)

	return q, mockRepo, clock
}

func echoExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, t *task.Task) (any, error) {
		return "Result of " + t.Name, nil
	})
}

func TestNewQueue(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)

	assert.NotNil(t, q)
	assert.Equal(t, 3, q.PoolSize())
	assert.Equal(t, 1, mockRepo.LoadTasksCalls)
}

func TestNewQueue_NilRepository(t *testing.T) {
	_, err := NewQueue(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestNewQueue_DefaultPoolSize(t *testing.T) {
	q, err := NewQueue(context.Background(), repository.NewMockTaskRepository(), Options{})
	require.NoError(t, err)

	assert.Equal(t, DefaultWorkerPoolSize, q.PoolSize())
}

func TestNewQueue_LoadsStoredTasks(t *testing.T) {
	mockRepo := repository.NewMockTaskRepository()
	now := time.Now()

	done := task.NewTask("analysis_1", "old", "analysis", 1, nil, now)
	done.Status = task.StatusCompleted
	waiting := task.NewTask("analysis_2", "new", "analysis", 7, nil, now.Add(time.Millisecond))
	mockRepo.Tasks[done.ID] = done
	mockRepo.Tasks[waiting.ID] = waiting

	q, err := NewQueue(context.Background(), mockRepo, Options{})
	require.NoError(t, err)

	assert.Len(t, q.GetAllTasks(), 2)

	id, ok := q.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, "analysis_2", id)

	_, ok = q.GetNextTask()
	assert.False(t, ok)
}

func TestNewQueue_LoadFailureStartsEmpty(t *testing.T) {
	mockRepo := repository.NewMockTaskRepository()
	mockRepo.LoadTasksError = errors.New("file is not a database")

	q, err := NewQueue(context.Background(), mockRepo, Options{})
	require.NoError(t, err)

	assert.Equal(t, task.StatusCounts{}, q.GetStatus())
}

func TestCreateTask(t *testing.T) {
	q, mockRepo, clock := setupTestQueue(t)

	id, err := q.CreateTask(context.Background(), "nightly", "analysis", 2, map[string]any{"depth": "full"})
	require.NoError(t, err)

	assert.Equal(t, task.FormatID("analysis", clock.Now().UnixMilli()), id)
	assert.Equal(t, 1, mockRepo.GetCreateTaskCallCount())

	status, exists := mockRepo.GetTaskStatus(id)
	assert.True(t, exists)
	assert.Equal(t, task.StatusPending, status)

	tsk, err := q.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "nightly", tsk.Name)
	assert.Equal(t, "analysis", tsk.Type)
	assert.Equal(t, 2, tsk.Priority)
	assert.Equal(t, "full", tsk.Extra["depth"])
	assert.Equal(t, tsk.CreatedAt, tsk.UpdatedAt)
}

func TestCreateTask_SameMillisecondGetsDistinctIDs(t *testing.T) {
	q, _, clock := setupTestQueue(t)
	ctx := context.Background()
	base := clock.Now().UnixMilli()

	var ids []string
	for range 3 {
		id, err := q.CreateTask(ctx, "n", "analysis", task.DefaultPriority, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, []string{
		task.FormatID("analysis", base),
		task.FormatID("analysis", base+1),
		task.FormatID("analysis", base+2),
	}, ids)
}

func TestCreateTask_PersistFailure(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)
	mockRepo.CreateTaskError = errors.New("disk full")

	_, err := q.CreateTask(context.Background(), "n", "analysis", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Empty(t, q.GetAllTasks())
	_, ok := q.GetNextTask()
	assert.False(t, ok)
}

func TestSaveTask(t *testing.T) {
	q, mockRepo, clock := setupTestQueue(t)
	ctx := context.Background()

	t.Run("unknown id is a no-op", func(t *testing.T) {
		saved, err := q.SaveTask(ctx, "missing_1")
		assert.NoError(t, err)
		assert.False(t, saved)
		assert.Equal(t, 0, mockRepo.GetSaveTaskCallCount())
	})

	t.Run("stamps updated_at", func(t *testing.T) {
		id, err := q.CreateTask(ctx, "n", "analysis", 1, nil)
		require.NoError(t, err)

		clock.Advance(5 * time.Second)
		saved, err := q.SaveTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, saved)

		tsk, err := q.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, clock.Now(), tsk.UpdatedAt)
		assert.Equal(t, 1, mockRepo.GetSaveTaskCallCount())
	})

	t.Run("updated_at never precedes created_at", func(t *testing.T) {
		id, err := q.CreateTask(ctx, "n", "report", 1, nil)
		require.NoError(t, err)

		clock.Advance(-time.Hour)
		_, err = q.SaveTask(ctx, id)
		require.NoError(t, err)

		tsk, err := q.GetTask(id)
		require.NoError(t, err)
		assert.False(t, tsk.UpdatedAt.Before(tsk.CreatedAt))
	})

	t.Run("storage failure propagates", func(t *testing.T) {
		id, err := q.CreateTask(ctx, "n", "email", 1, nil)
		require.NoError(t, err)

		mockRepo.SaveTaskError = errors.New("readonly")
		defer func() { mockRepo.SaveTaskError = nil }()

		_, err = q.SaveTask(ctx, id)
		assert.Error(t, err)
	})
}

func TestUpdateTask(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.CreateTask(ctx, "n", "analysis", 1, nil)
	require.NoError(t, err)

	err = q.UpdateTask(ctx, id, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.Output = "manual"
		t.ID = "tampered"
	})
	require.NoError(t, err)

	tsk, err := q.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
	assert.Equal(t, id, tsk.ID)

	status, _ := mockRepo.GetTaskStatus(id)
	assert.Equal(t, task.StatusCompleted, status)

	err = q.UpdateTask(ctx, "missing_1", func(*task.Task) {})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetTask_NotFound(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	_, err := q.GetTask("non-existent-id")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetTask_ReturnsCopy(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	id, err := q.CreateTask(context.Background(), "n", "analysis", 1, nil)
	require.NoError(t, err)

	tsk, err := q.GetTask(id)
	require.NoError(t, err)
	tsk.Status = task.StatusFailed

	again, err := q.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, again.Status)
}

func TestGetNextTask_PriorityOrder(t *testing.T) {
	q, _, clock := setupTestQueue(t)
	ctx := context.Background()

	priorities := []int{3, 1, 4, 1, 5}
	byID := make(map[string]int)
	var ids []string
	for _, p := range priorities {
		id, err := q.CreateTask(ctx, "n", "analysis", p, nil)
		require.NoError(t, err)
		byID[id] = p
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}

	var got []int
	var order []string
	for range priorities {
		id, ok := q.GetNextTask()
		require.True(t, ok)
		got = append(got, byID[id])
		order = append(order, id)
	}

	assert.Equal(t, []int{1, 1, 3, 4, 5}, got)
	assert.Equal(t, []string{ids[1], ids[3]}, order[:2], "ties keep insertion order")

	_, ok := q.GetNextTask()
	assert.False(t, ok)
}

func TestGetNextTask_DiscardsStaleEntries(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	first, err := q.CreateTask(ctx, "a", "analysis", 1, nil)
	require.NoError(t, err)
	second, err := q.CreateTask(ctx, "b", "analysis", 2, nil)
	require.NoError(t, err)

	require.NoError(t, q.UpdateTask(ctx, first, func(t *task.Task) { t.Status = task.StatusRunning }))

	id, ok := q.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, second, id)

	_, ok = q.GetNextTask()
	assert.False(t, ok)

	require.NoError(t, q.UpdateTask(ctx, first, func(t *task.Task) { t.Status = task.StatusPending }))
	_, ok = q.GetNextTask()
	assert.False(t, ok, "stale entries are not resurrected")
}

func TestGetNextTask_Empty(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	id, ok := q.GetNextTask()
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestGetNextTask_RandomizedOrdering(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 2))

	priorities := make(map[string]int)
	for range 50 {
		p := r.IntN(10) + 1
		id, err := q.CreateTask(ctx, "n", "analysis", p, nil)
		require.NoError(t, err)
		priorities[id] = p
	}

	seen := make(map[string]bool)
	last := 0
	for {
		id, ok := q.GetNextTask()
		if !ok {
			break
		}

		tsk, err := q.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, tsk.Status)
		assert.False(t, seen[id], "id %s returned twice", id)
		assert.GreaterOrEqual(t, priorities[id], last)

		seen[id] = true
		last = priorities[id]
	}

	assert.Len(t, seen, 50)
}

func TestGetStatus(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	statuses := []task.TaskStatus{
		task.StatusPending, task.StatusPending, task.StatusPending,
		task.StatusRunning, task.StatusInProgress,
		task.StatusCompleted, task.StatusCompleted, task.StatusCompleted, task.StatusCompleted,
		task.StatusFailed,
	}
	for _, s := range statuses {
		id, err := q.CreateTask(ctx, "n", "analysis", 5, nil)
		require.NoError(t, err)
		require.NoError(t, q.UpdateTask(ctx, id, func(t *task.Task) { t.Status = s }))
	}

	counts := q.GetStatus()

	assert.Equal(t, task.StatusCounts{Pending: 3, Running: 2, Completed: 4, Failed: 1, Total: 10}, counts)
	assert.Equal(t, counts.Pending+counts.Running+counts.Completed+counts.Failed, counts.Total)
}

func TestReload(t *testing.T) {
	q, mockRepo, clock := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.CreateTask(ctx, "local", "analysis", 5, nil)
	require.NoError(t, err)

	external := task.NewTask("email_42", "remote", "email", 1, nil, clock.Now())
	mockRepo.Tasks[external.ID] = external

	newer, err := mockRepo.GetTask(ctx, id)
	require.NoError(t, err)
	newer.Status = task.StatusCompleted
	newer.UpdatedAt = clock.Now().Add(time.Minute)
	mockRepo.Tasks[id] = newer

	require.NoError(t, q.Reload(ctx))

	next, ok := q.GetNextTask()
	require.True(t, ok)
	assert.Equal(t, "email_42", next)

	tsk, err := q.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
}

func TestReload_Error(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)
	mockRepo.LoadTasksError = errors.New("locked")

	assert.Error(t, q.Reload(context.Background()))
}

func TestClose(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)

	assert.NoError(t, q.Close())
	assert.True(t, mockRepo.Closed)
}

func TestEndToEnd_SQLiteWithFileLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sqliteRepo, err := repository.NewSQLiteTaskRepository(ctx, dir)
	require.NoError(t, err)
	repo := repository.NewLockedRepository(sqliteRepo, filelock.InDir(dir))

	q, err := NewQueue(ctx, repo, Options{WorkerPoolSize: 2})
	require.NoError(t, err)

	priorities := []int{3, 1, 4, 1, 5}
	byID := make(map[string]int)
	for _, p := range priorities {
		id, err := q.CreateTask(ctx, "job", "analysis", p, nil)
		require.NoError(t, err)
		byID[id] = p
	}

	var dequeued []string
	var order []int
	for range priorities {
		id, ok := q.GetNextTask()
		require.True(t, ok)
		dequeued = append(dequeued, id)
		order = append(order, byID[id])
	}
	assert.Equal(t, []int{1, 1, 3, 4, 5}, order)

	results, err := q.RunConcurrent(ctx, dequeued, echoExecutor())
	require.NoError(t, err)
	assert.Len(t, results, 5)

	assert.Equal(t, task.StatusCounts{Completed: 5, Total: 5}, q.GetStatus())
	require.NoError(t, q.Close())

	reopenedRepo, err := repository.NewSQLiteTaskRepository(ctx, dir)
	require.NoError(t, err)
	reopened, err := NewQueue(ctx, reopenedRepo, Options{})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, task.StatusCounts{Completed: 5, Total: 5}, reopened.GetStatus())
	for _, tsk := range reopened.GetAllTasks() {
		assert.Equal(t, "Result of job", tsk.Output)
	}
}

func TestReload_SeesOtherProcessFinishTask(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	openQueue := func(now func() time.Time) *Queue {
		repo, err := repository.NewSQLiteTaskRepository(ctx, dir)
		require.NoError(t, err)
		q, err := NewQueue(ctx, repository.NewLockedRepository(repo, filelock.InDir(dir)), Options{Now: now})
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		return q
	}

	clock := newFakeClock()
	server := openQueue(clock.Now)

	id, err := server.CreateTask(ctx, "job", "analysis", 1, nil)
	require.NoError(t, err)

	clock.Advance(time.Second)
	worker := openQueue(clock.Now)
	require.NoError(t, worker.Reload(ctx))

	claimed, ok := worker.GetNextTask()
	require.True(t, ok)
	require.Equal(t, id, claimed)

	_, err = worker.RunConcurrent(ctx, []string{claimed}, ExecutorFunc(func(context.Context, *task.Task) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, err)

	require.NoError(t, server.Reload(ctx))

	got, err := server.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, task.StatusCounts{Failed: 1, Total: 1}, server.GetStatus())

	_, ok = server.GetNextTask()
	assert.False(t, ok, "a task finished elsewhere must not be handed out again")
}

func TestRunConcurrent_Success(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c", "d"} {
		id, err := q.CreateTask(ctx, name, "analysis", 5, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	results, err := q.RunConcurrent(ctx, ids, echoExecutor())
	require.NoError(t, err)
	require.Len(t, results, 4)

	for _, id := range ids {
		assert.False(t, results[id].Failed())

		tsk, err := q.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, tsk.Status)
		assert.Equal(t, "Result of "+tsk.Name, tsk.Output)
		assert.Equal(t, tsk.Output, results[id].Value)
	}

	// running + terminal state per task
	assert.Equal(t, 8, mockRepo.GetSaveTaskCallCount())
}

func TestRunConcurrent_ExecutorSeesRunningState(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.CreateTask(ctx, "n", "analysis", 5, nil)
	require.NoError(t, err)

	var seen task.TaskStatus
	var persisted task.TaskStatus
	_, err = q.RunConcurrent(ctx, []string{id}, ExecutorFunc(func(_ context.Context, t *task.Task) (any, error) {
		seen = t.Status
		persisted, _ = mockRepo.GetTaskStatus(t.ID)
		return nil, nil
	}))
	require.NoError(t, err)

	assert.Equal(t, task.StatusRunning, seen)
	assert.Equal(t, task.StatusRunning, persisted)

	tsk, err := q.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
	assert.Empty(t, tsk.Output)
}

func TestRunConcurrent_FailureIsolation(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	okID, err := q.CreateTask(ctx, "ok", "analysis", 5, nil)
	require.NoError(t, err)
	errID, err := q.CreateTask(ctx, "err", "analysis", 5, nil)
	require.NoError(t, err)
	panicID, err := q.CreateTask(ctx, "panic", "analysis", 5, nil)
	require.NoError(t, err)

	exec := ExecutorFunc(func(_ context.Context, t *task.Task) (any, error) {
		switch t.Name {
		case "err":
			return nil, errors.New("model unavailable")
		case "panic":
			panic("nil map write")
		}
		return 42, nil
	})

	results, err := q.RunConcurrent(ctx, []string{okID, errID, panicID}, exec)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.False(t, results[okID].Failed())
	okTask, _ := q.GetTask(okID)
	assert.Equal(t, task.StatusCompleted, okTask.Status)
	assert.Equal(t, "42", okTask.Output)

	assert.EqualError(t, results[errID].Err, "model unavailable")
	errTask, _ := q.GetTask(errID)
	assert.Equal(t, task.StatusFailed, errTask.Status)
	assert.Equal(t, "model unavailable", errTask.Error)

	assert.True(t, results[panicID].Failed())
	panicTask, _ := q.GetTask(panicID)
	assert.Equal(t, task.StatusFailed, panicTask.Status)
	assert.Contains(t, panicTask.Error, "nil map write")
}

func TestRunConcurrent_UnknownAndNonPending(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	doneID, err := q.CreateTask(ctx, "done", "analysis", 5, nil)
	require.NoError(t, err)
	require.NoError(t, q.UpdateTask(ctx, doneID, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.Output = "first run"
	}))

	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, *task.Task) (any, error) {
		calls.Add(1)
		return "second run", nil
	})

	results, err := q.RunConcurrent(ctx, []string{"missing_1", doneID}, exec)
	require.NoError(t, err)

	assert.ErrorIs(t, results["missing_1"].Err, ErrTaskNotFound)
	assert.ErrorIs(t, results[doneID].Err, ErrTaskNotPending)
	assert.Equal(t, int32(0), calls.Load())

	tsk, _ := q.GetTask(doneID)
	assert.Equal(t, "first run", tsk.Output)
}

func TestRunConcurrent_DuplicateIDsRunOnce(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.CreateTask(ctx, "n", "analysis", 5, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	results, err := q.RunConcurrent(ctx, []string{id, id, id}, ExecutorFunc(func(context.Context, *task.Task) (any, error) {
		calls.Add(1)
		return "ok", nil
	}))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, results, 1)
	assert.False(t, results[id].Failed())
}

func TestRunConcurrent_BoundedPool(t *testing.T) {
	mockRepo := repository.NewMockTaskRepository()
	q, err := NewQueue(context.Background(), mockRepo, Options{WorkerPoolSize: 2})
	require.NoError(t, err)
	ctx := context.Background()

	var ids []string
	for range 6 {
		id, err := q.CreateTask(ctx, "n", "analysis", 5, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var active, peak atomic.Int32
	exec := ExecutorFunc(func(context.Context, *task.Task) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})

	results, err := q.RunConcurrent(ctx, ids, exec)
	require.NoError(t, err)

	assert.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, task.StatusCounts{Completed: 6, Total: 6}, q.GetStatus())
}

func TestRunConcurrent_StorageFailure(t *testing.T) {
	q, mockRepo, _ := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.CreateTask(ctx, "n", "analysis", 5, nil)
	require.NoError(t, err)

	mockRepo.SaveTaskError = errors.New("disk full")

	var calls atomic.Int32
	results, err := q.RunConcurrent(ctx, []string{id}, ExecutorFunc(func(context.Context, *task.Task) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, results[id].Failed())
	assert.Equal(t, int32(0), calls.Load())

	tsk, _ := q.GetTask(id)
	assert.Equal(t, task.StatusPending, tsk.Status, "failed claim is rolled back")
}

func TestRunConcurrent_Empty(t *testing.T) {
	q, _, _ := setupTestQueue(t)

	results, err := q.RunConcurrent(context.Background(), nil, echoExecutor())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "text", stringify("text"))
	assert.Equal(t, "raw", stringify([]byte("raw")))
	assert.Equal(t, "7", stringify(7))
	assert.Equal(t, "map[a:1]", stringify(map[string]int{"a": 1}))
}
