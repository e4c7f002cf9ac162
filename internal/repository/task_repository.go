// Package repository provides durable storage for task records: a SQL implementation
// shared by SQLite and PostgreSQL, an advisory-locked decorator and a recording mock.
package repository

import (
	"context"
	"errors"

	"github.com/nadmax/clawops/internal/repository/models"
	"github.com/nadmax/clawops/internal/task"
)

var ErrNotFound = errors.New("task not found in repository")

// ListFilter narrows ListTasks. Zero values mean "any".
type ListFilter struct {
	Type   string
	Status task.TaskStatus
	Limit  int
}

type TaskRepository interface {
	LoadTasks(ctx context.Context) ([]*task.Task, error)
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	CreateTask(ctx context.Context, t *task.Task) error
	SaveTask(ctx context.Context, t *task.Task) error
	ListTasks(ctx context.Context, filter ListFilter) ([]*task.Task, error)
	GetTaskStats(ctx context.Context) ([]models.TaskStats, error)
	Close() error
}
