package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nadmax/clawops/internal/repository/models"
	"github.com/nadmax/clawops/internal/task"
	"github.com/rs/zerolog/log"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT,
		task_type TEXT,
		status TEXT,
		priority INTEGER DEFAULT 5,
		output TEXT,
		error TEXT,
		created_at DOUBLE PRECISION,
		updated_at DOUBLE PRECISION
	);
	CREATE TABLE IF NOT EXISTS task_extra (
		task_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)
`

const selectColumns = `
	SELECT
		t.id, t.name, t.task_type, t.status, t.priority,
		t.output, t.error, t.created_at, t.updated_at, e.data
	FROM tasks t
	LEFT JOIN task_extra e ON e.task_id = t.id
`

// dialect hides the few differences between the SQL engines we write to.
type dialect struct {
	name             string
	dollarBindParams bool
}

var (
	sqliteDialect   = dialect{name: "sqlite3"}
	postgresDialect = dialect{name: "postgres", dollarBindParams: true}
)

// rebind rewrites '?' placeholders into $1..$n for engines that need it.
func (d dialect) rebind(query string) string {
	if !d.dollarBindParams {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

// SQLTaskRepository stores one row per task in the "tasks" table and keyword
// fields in "task_extra".
type SQLTaskRepository struct {
	db      *sql.DB
	dialect dialect
}

func newSQLTaskRepository(db *sql.DB, d dialect) *SQLTaskRepository {
	return &SQLTaskRepository{db: db, dialect: d}
}

func (r *SQLTaskRepository) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}

func (r *SQLTaskRepository) LoadTasks(ctx context.Context) ([]*task.Task, error) {
	return r.queryTasks(ctx, selectColumns+` ORDER BY t.created_at, t.id`)
}

func (r *SQLTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	tasks, err := r.queryTasks(ctx, selectColumns+` WHERE t.id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	return tasks[0], nil
}

func (r *SQLTaskRepository) ListTasks(ctx context.Context, filter ListFilter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "t.task_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, string(filter.Status))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.updated_at DESC, t.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return r.queryTasks(ctx, query, args...)
}

func (r *SQLTaskRepository) CreateTask(ctx context.Context, t *task.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, name, task_type, status, priority,
			output, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(
		ctx,
		r.dialect.rebind(query),
		t.ID,
		t.Name,
		t.Type,
		string(t.Status),
		t.Priority,
		t.Output,
		t.Error,
		task.UnixSeconds(t.CreatedAt),
		task.UnixSeconds(t.UpdatedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}

	if len(t.Extra) > 0 {
		if err := r.upsertExtra(ctx, tx, t); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, name, task_type, status, priority,
			output, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			output = excluded.output,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(
		ctx,
		r.dialect.rebind(query),
		t.ID,
		t.Name,
		t.Type,
		string(t.Status),
		t.Priority,
		t.Output,
		t.Error,
		task.UnixSeconds(t.CreatedAt),
		task.UnixSeconds(t.UpdatedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}

	if err := r.saveExtra(ctx, tx, t); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// saveExtra replaces the stored extra fields. An empty map drops the row so
// cleared fields do not come back on the next load.
func (r *SQLTaskRepository) saveExtra(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	if len(t.Extra) > 0 {
		return r.upsertExtra(ctx, tx, t)
	}

	if _, err := tx.ExecContext(ctx, r.dialect.rebind(`DELETE FROM task_extra WHERE task_id = ?`), t.ID); err != nil {
		return fmt.Errorf("failed to clear extra fields of %s: %w", t.ID, err)
	}

	return nil
}

func (r *SQLTaskRepository) upsertExtra(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	data, err := json.Marshal(t.Extra)
	if err != nil {
		return fmt.Errorf("failed to marshal extra fields: %w", err)
	}

	query := `
		INSERT INTO task_extra (task_id, data) VALUES (?, ?)
		ON CONFLICT (task_id) DO UPDATE SET data = excluded.data
	`
	if _, err := tx.ExecContext(ctx, r.dialect.rebind(query), t.ID, string(data)); err != nil {
		return fmt.Errorf("failed to save extra fields of %s: %w", t.ID, err)
	}

	return nil
}

func (r *SQLTaskRepository) GetTaskStats(ctx context.Context) ([]models.TaskStats, error) {
	query := `
		SELECT
			task_type, status, COUNT(*) AS count,
			COALESCE(AVG(updated_at - created_at), 0) AS avg_duration,
			COALESCE(MAX(priority), 0) AS max_priority,
			COALESCE(MIN(priority), 0) AS min_priority
		FROM tasks
		GROUP BY task_type, status
		ORDER BY task_type, status
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close rows")
		}
	}()

	var stats []models.TaskStats
	for rows.Next() {
		var s models.TaskStats
		if err := rows.Scan(
			&s.Type,
			&s.Status,
			&s.Count,
			&s.AvgDurationSeconds,
			&s.MaxPriority,
			&s.MinPriority,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *SQLTaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close rows")
		}
	}()

	var tasks []*task.Task
	for rows.Next() {
		var (
			t                   task.Task
			status              string
			name, output, msg   sql.NullString
			extra               sql.NullString
			createdAt, updateAt float64
		)

		if err := rows.Scan(
			&t.ID,
			&name,
			&t.Type,
			&status,
			&t.Priority,
			&output,
			&msg,
			&createdAt,
			&updateAt,
			&extra,
		); err != nil {
			return nil, err
		}

		t.Name = name.String
		t.Status = task.TaskStatus(status)
		t.Output = output.String
		t.Error = msg.String
		t.CreatedAt = task.FromUnixSeconds(createdAt)
		t.UpdatedAt = task.FromUnixSeconds(updateAt)

		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &t.Extra); err != nil {
				log.Warn().Err(err).Str("task_id", t.ID).Msg("ignoring malformed extra fields")
				t.Extra = nil
			}
		}

		tasks = append(tasks, &t)
	}

	return tasks, rows.Err()
}

func (r *SQLTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLTaskRepository) Close() error {
	return r.db.Close()
}
