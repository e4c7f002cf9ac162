// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Store configures the durable task store.
type Store struct {
	// Dir holds tasks.db and the .lock sentinel.
	Dir string `envconfig:"TASKS_DIR" default:".tasks"`

	// PostgresDSN moves the task table to PostgreSQL when set.
	PostgresDSN string `envconfig:"POSTGRES_DSN"`

	WorkerPoolSize int `envconfig:"WORKER_POOL_SIZE" default:"3"`

	// FileLock serializes writes across processes sharing Dir.
	FileLock bool `envconfig:"TASKS_FILE_LOCK" default:"true"`
}

// Cache configures the TTL/LRU cache and its optional persistence.
type Cache struct {
	MaxSize           int  `envconfig:"CACHE_MAX_SIZE" default:"100"`
	DefaultTTLSeconds int  `envconfig:"CACHE_DEFAULT_TTL_SECONDS" default:"300"`
	Enabled           bool `envconfig:"CACHE_ENABLED" default:"true"`

	// File persists the cache as a JSON snapshot.
	File string `envconfig:"CACHE_FILE"`

	// RedisAddr persists the cache in Redis and wins over File.
	RedisAddr string `envconfig:"CACHE_REDIS_ADDR"`
}

func (c Cache) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

type Registry struct {
	Path                string `envconfig:"REGISTRY_PATH" default:"resource_registry.json"`
	SaveIntervalSeconds int    `envconfig:"REGISTRY_SAVE_INTERVAL_SECONDS" default:"5"`
}

func (r Registry) SaveInterval() time.Duration {
	return time.Duration(r.SaveIntervalSeconds) * time.Second
}

// Server holds API server configuration.
type Server struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Store    Store    `ignored:"true"`
	Cache    Cache    `ignored:"true"`
	Registry Registry `ignored:"true"`
}

// Worker holds task worker configuration.
type Worker struct {
	// ID defaults to worker-<uuid>.
	ID                  string `envconfig:"WORKER_ID"`
	PollIntervalSeconds int    `envconfig:"POLL_INTERVAL_SECONDS" default:"2"`
	ReportDir           string `envconfig:"REPORT_DIR" default:"reports"`
	LogLevel            string `envconfig:"LOG_LEVEL" default:"info"`

	FromName    string `envconfig:"FROM_NAME" default:"clawops"`
	FromAddress string `envconfig:"FROM_ADDRESS"`
	EmailAPIKey string `envconfig:"EMAIL_API_KEY"`

	Store    Store    `ignored:"true"`
	Cache    Cache    `ignored:"true"`
	Registry Registry `ignored:"true"`
}

func (w Worker) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (s Store) validate() error {
	if s.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", s.WorkerPoolSize)
	}
	return nil
}

func (c Cache) validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("CACHE_MAX_SIZE must be positive, got %d", c.MaxSize)
	}
	if c.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("CACHE_DEFAULT_TTL_SECONDS must be positive, got %d", c.DefaultTTLSeconds)
	}
	return nil
}

// loadComponents fills the component sections shared by every process.
func loadComponents(store *Store, cache *Cache, registry *Registry) error {
	for _, section := range []any{store, cache, registry} {
		if err := envconfig.Process("", section); err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}
	}

	for _, v := range []interface{ validate() error }{*store, *cache, *registry} {
		if err := v.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (r Registry) validate() error {
	if r.SaveIntervalSeconds <= 0 {
		return fmt.Errorf("REGISTRY_SAVE_INTERVAL_SECONDS must be positive, got %d", r.SaveIntervalSeconds)
	}
	return nil
}

// LoadServer loads server configuration from environment variables.
func LoadServer() (Server, error) {
	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}

	if err := loadComponents(&cfg.Store, &cfg.Cache, &cfg.Registry); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadWorker loads worker configuration from environment variables.
func LoadWorker() (Worker, error) {
	var cfg Worker
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}

	if err := loadComponents(&cfg.Store, &cfg.Cache, &cfg.Registry); err != nil {
		return cfg, err
	}
	if cfg.PollIntervalSeconds <= 0 {
		return cfg, fmt.Errorf("POLL_INTERVAL_SECONDS must be positive, got %d", cfg.PollIntervalSeconds)
	}

	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()[:8]
	}

	return cfg, nil
}
