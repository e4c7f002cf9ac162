// Package app wires the task store, the cache and the resource registry from
// configuration and tears them down in order.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/clawops/internal/cache"
	"github.com/nadmax/clawops/internal/config"
	"github.com/nadmax/clawops/internal/filelock"
	"github.com/nadmax/clawops/internal/queue"
	"github.com/nadmax/clawops/internal/registry"
	"github.com/nadmax/clawops/internal/repository"
	"github.com/rs/zerolog/log"
)

type Components struct {
	Repo     repository.TaskRepository
	Queue    *queue.Queue
	Cache    *cache.Cache
	Registry *registry.Registry

	redis *cache.RedisStore
}

// OpenRepository picks PostgreSQL when a DSN is configured and the SQLite
// file in the tasks directory otherwise. Writes to the SQLite file go through
// the directory's advisory lock when FileLock is set.
func OpenRepository(ctx context.Context, cfg config.Store) (repository.TaskRepository, error) {
	if cfg.PostgresDSN != "" {
		repo, err := repository.NewPostgresTaskRepository(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("task table in PostgreSQL")
		return repo, nil
	}

	repo, err := repository.NewSQLiteTaskRepository(ctx, cfg.Dir)
	if err != nil {
		return nil, err
	}
	log.Info().Str("dir", cfg.Dir).Bool("file_lock", cfg.FileLock).Msg("task table in SQLite")

	if cfg.FileLock {
		return repository.NewLockedRepository(repo, filelock.InDir(cfg.Dir)), nil
	}
	return repo, nil
}

// OpenCache builds the cache and loads its persisted snapshot. A snapshot that
// cannot be read is logged and the cache starts empty.
func OpenCache(ctx context.Context, cfg config.Cache) (*cache.Cache, *cache.RedisStore, error) {
	ccfg := cache.Config{
		MaxSize:          cfg.MaxSize,
		DefaultTTL:       cfg.DefaultTTL(),
		Disabled:         !cfg.Enabled,
		SweepProbability: cache.DefaultSweepProbability,
	}

	var rs *cache.RedisStore
	switch {
	case cfg.RedisAddr != "":
		var err error
		rs, err = cache.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		ccfg.Store = rs
	case cfg.File != "":
		ccfg.Store = cache.NewFileStore(cfg.File)
	}

	c := cache.New(ccfg)
	if err := c.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("starting with an empty cache")
	}

	return c, rs, nil
}

func Open(ctx context.Context, storeCfg config.Store, cacheCfg config.Cache, registryCfg config.Registry) (*Components, error) {
	repo, err := OpenRepository(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open task repository: %w", err)
	}

	q, err := queue.NewQueue(ctx, repo, queue.Options{WorkerPoolSize: storeCfg.WorkerPoolSize})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	c, rs, err := OpenCache(ctx, cacheCfg)
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	reg := registry.New(registry.Options{
		Path:         registryCfg.Path,
		SaveInterval: registryCfg.SaveInterval(),
	})

	return &Components{
		Repo:     repo,
		Queue:    q,
		Cache:    c,
		Registry: reg,
		redis:    rs,
	}, nil
}

// Close flushes the cache and any debounced registry changes, then releases
// the stores. Every step runs; the errors are joined.
func (c *Components) Close(ctx context.Context) error {
	var errs []error

	if err := c.Cache.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.Registry.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close task store: %w", err))
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	return errors.Join(errs...)
}
