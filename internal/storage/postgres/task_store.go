// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// PoolConfig controls the Postgres connection pool shared by the stores.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from the config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// TaskStore implements classify.TaskStore over the tasks table.
type TaskStore struct {
	pool pgxPool
}

// NewTaskStore constructs a TaskStore from an existing pool.
func NewTaskStore(pool pgxPool) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	s.pool.Close()
}

const taskColumns = `id, job_id, room_id, progress_channel, status, current, total, message, user_id, idempotency_key, created_at, updated_at`

// CreateTask inserts the task row.
func (s *TaskStore) CreateTask(ctx context.Context, task classify.Task) error {
	query := `
		INSERT INTO tasks (id, job_id, room_id, progress_channel, status, current, total, message, user_id, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11);
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.JobID,
		task.RoomID,
		task.ProgressChannel,
		task.Status,
		task.Current,
		task.Total,
		task.Message,
		task.UserID,
		task.IdempotencyKey,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a single task or returns classify.ErrNotFound.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (classify.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return classify.Task{}, classify.ErrNotFound
		}
		return classify.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// FindTasks returns tasks matching the AND-combination of the filter's
// non-nil fields, newest first.
func (s *TaskStore) FindTasks(ctx context.Context, filter classify.TaskFilter) ([]classify.Task, error) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.ID != nil {
		add("id", *filter.ID)
	}
	if filter.JobID != nil {
		add("job_id", *filter.JobID)
	}
	if filter.RoomID != nil {
		add("room_id", *filter.RoomID)
	}
	if filter.ProgressChannel != nil {
		add("progress_channel", *filter.ProgressChannel)
	}
	if filter.Status != nil {
		add("status", *filter.Status)
	}
	if filter.UserID != nil {
		add("user_id", *filter.UserID)
	}
	if filter.IdempotencyKey != nil {
		add("idempotency_key", *filter.IdempotencyKey)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC;"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	defer rows.Close()

	var tasks []classify.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask merges the non-nil update fields into the task row.
func (s *TaskStore) UpdateTask(ctx context.Context, taskID string, update classify.TaskUpdate) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.JobID != nil {
		set("job_id", *update.JobID)
	}
	if update.Status != nil {
		set("status", *update.Status)
	}
	if update.Current != nil {
		set("current", *update.Current)
	}
	if update.Total != nil {
		set("total", *update.Total)
	}
	if update.Message != nil {
		set("message", *update.Message)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, taskID)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d;", strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classify.ErrNotFound
	}
	return nil
}

// MarkFailed sets status FAILED with the given message.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID string, message string) error {
	query := `UPDATE tasks SET status = $1, message = $2, updated_at = NOW() WHERE id = $3;`
	tag, err := s.pool.Exec(ctx, query, classify.TaskStatusFailed, message, taskID)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classify.ErrNotFound
	}
	return nil
}

// MarkFinished sets status DONE, snaps current to total, and records the
// final message.
func (s *TaskStore) MarkFinished(ctx context.Context, taskID string, message string) error {
	query := `UPDATE tasks SET status = $1, current = total, message = $2, updated_at = NOW() WHERE id = $3;`
	tag, err := s.pool.Exec(ctx, query, classify.TaskStatusDone, message, taskID)
	if err != nil {
		return fmt.Errorf("mark task finished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classify.ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (classify.Task, error) {
	var task classify.Task
	err := row.Scan(
		&task.ID,
		&task.JobID,
		&task.RoomID,
		&task.ProgressChannel,
		&task.Status,
		&task.Current,
		&task.Total,
		&task.Message,
		&task.UserID,
		&task.IdempotencyKey,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return classify.Task{}, err
	}
	return task, nil
}
