package repository

import (
	"context"

	"github.com/nadmax/clawops/internal/filelock"
	"github.com/nadmax/clawops/internal/task"
)

// LockedRepository serializes writes from several processes sharing one store
// behind an exclusive advisory lock. Only the write itself is guarded: a
// read-modify-write cycle spanning two processes can still interleave.
type LockedRepository struct {
	TaskRepository
	lock *filelock.Lock
}

func NewLockedRepository(repo TaskRepository, lock *filelock.Lock) *LockedRepository {
	return &LockedRepository{TaskRepository: repo, lock: lock}
}

func (r *LockedRepository) CreateTask(ctx context.Context, t *task.Task) error {
	return r.lock.With(func() error {
		return r.TaskRepository.CreateTask(ctx, t)
	})
}

func (r *LockedRepository) SaveTask(ctx context.Context, t *task.Task) error {
	return r.lock.With(func() error {
		return r.TaskRepository.SaveTask(ctx, t)
	})
}
