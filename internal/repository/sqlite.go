package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseFile is the name of the SQLite file kept inside a tasks directory.
const DatabaseFile = "tasks.db"

// NewSQLiteTaskRepository opens (creating if needed) <dir>/tasks.db.
func NewSQLiteTaskRepository(ctx context.Context, dir string) (*SQLTaskRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(dir, DatabaseFile))
	db, err := sql.Open(sqliteDialect.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}

	// One writer connection; other processes are handled by the busy timeout.
	db.SetMaxOpenConns(1)

	r := newSQLTaskRepository(db, sqliteDialect)
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}
