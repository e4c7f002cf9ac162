package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nadmax/clawops/internal/repository/models"
	"github.com/nadmax/clawops/internal/task"
)

// MockTaskRepository keeps rows in memory and records every call.
type MockTaskRepository struct {
	mu              sync.Mutex
	CreateTaskCalls []*task.Task
	SaveTaskCalls   []*task.Task
	LoadTasksCalls  int
	Tasks           map[string]*task.Task
	Closed          bool
	LoadTasksError  error
	GetTaskError    error
	CreateTaskError error
	SaveTaskError   error
	ListTasksError  error
	StatsError      error
}

func NewMockTaskRepository() *MockTaskRepository {
	return &MockTaskRepository{
		Tasks: make(map[string]*task.Task),
	}
}

func (m *MockTaskRepository) LoadTasks(_ context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LoadTasksCalls++
	if m.LoadTasksError != nil {
		return nil, m.LoadTasksError
	}

	return m.sortedLocked(), nil
}

func (m *MockTaskRepository) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	return t.Clone(), nil
}

func (m *MockTaskRepository) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateTaskCalls = append(m.CreateTaskCalls, t.Clone())
	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}

	if _, exists := m.Tasks[t.ID]; exists {
		return fmt.Errorf("duplicate task id %s", t.ID)
	}
	m.Tasks[t.ID] = t.Clone()

	return nil
}

func (m *MockTaskRepository) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, t.Clone())
	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = t.Clone()

	return nil
}

func (m *MockTaskRepository) ListTasks(_ context.Context, filter ListFilter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListTasksError != nil {
		return nil, m.ListTasksError
	}

	var out []*task.Task
	for _, t := range m.sortedLocked() {
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	return out, nil
}

func (m *MockTaskRepository) GetTaskStats(_ context.Context) ([]models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return nil, m.StatsError
	}

	type key struct{ typ, status string }
	byKey := make(map[key]*models.TaskStats)
	var keys []key
	for _, t := range m.Tasks {
		k := key{t.Type, string(t.Status)}
		s, ok := byKey[k]
		if !ok {
			s = &models.TaskStats{Type: k.typ, Status: k.status, MinPriority: t.Priority, MaxPriority: t.Priority}
			byKey[k] = s
			keys = append(keys, k)
		}
		s.Count++
		s.MaxPriority = max(s.MaxPriority, t.Priority)
		s.MinPriority = min(s.MinPriority, t.Priority)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}
		return keys[i].status < keys[j].status
	})

	stats := make([]models.TaskStats, 0, len(keys))
	for _, k := range keys {
		stats = append(stats, *byKey[k])
	}

	return stats, nil
}

func (m *MockTaskRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}

func (m *MockTaskRepository) GetCreateTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CreateTaskCalls)
}

func (m *MockTaskRepository) GetSaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveTaskCalls)
}

// GetTaskStatus reports the last persisted status of a task.
func (m *MockTaskRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tasks[taskID]
	if !ok {
		return "", false
	}

	return t.Status, true
}

func (m *MockTaskRepository) sortedLocked() []*task.Task {
	out := make([]*task.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}
