package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// NewPostgresTaskRepository connects to a shared PostgreSQL task table.
func NewPostgresTaskRepository(ctx context.Context, connectionString string) (*SQLTaskRepository, error) {
	db, err := sql.Open(postgresDialect.name, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	r := newSQLTaskRepository(db, postgresDialect)
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}
