// Package postgres keeps export task status in a Postgres table so several
// API replicas can answer status polls for the same task.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/tablesource/internal/export"
)

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("export queue dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open export queue db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping export queue db: %w", err)
	}
	return db, nil
}

type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS export_task (
  task_id TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create export_task table: %w", err)
	}
	return nil
}

func (s *TaskStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping export queue db: %w", err)
	}
	return nil
}

func (s *TaskStore) Start(ctx context.Context, taskID string) error {
	query := `
INSERT INTO export_task (task_id, state)
VALUES ($1, $2)
ON CONFLICT (task_id)
DO UPDATE SET state = EXCLUDED.state, message = '', updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, taskID, string(export.TaskStarted)); err != nil {
		return fmt.Errorf("start export task: %w", err)
	}
	return nil
}

func (s *TaskStore) Finish(ctx context.Context, taskID string) error {
	return s.setState(ctx, taskID, export.TaskFinished, "")
}

func (s *TaskStore) Fail(ctx context.Context, taskID, message string) error {
	return s.setState(ctx, taskID, export.TaskFailed, message)
}

func (s *TaskStore) Status(ctx context.Context, taskID string) (export.TaskStatus, error) {
	query := `
SELECT state, message, updated_at
FROM export_task
WHERE task_id = $1`
	status := export.TaskStatus{ID: taskID}
	var state string
	if err := s.db.QueryRowContext(ctx, query, taskID).Scan(&state, &status.Message, &status.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return export.TaskStatus{}, export.ErrTaskNotFound
		}
		return export.TaskStatus{}, fmt.Errorf("get export task: %w", err)
	}
	status.State = export.TaskState(state)
	return status, nil
}

func (s *TaskStore) Clear(ctx context.Context, taskID string) error {
	query := `
DELETE FROM export_task
WHERE task_id = $1`
	if _, err := s.db.ExecContext(ctx, query, taskID); err != nil {
		return fmt.Errorf("clear export task: %w", err)
	}
	return nil
}

func (s *TaskStore) setState(ctx context.Context, taskID string, state export.TaskState, message string) error {
	query := `
UPDATE export_task
SET state = $2, message = $3, updated_at = now()
WHERE task_id = $1`
	result, err := s.db.ExecContext(ctx, query, taskID, string(state), message)
	if err != nil {
		return fmt.Errorf("update export task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update export task rows affected: %w", err)
	}
	if affected == 0 {
		return export.ErrTaskNotFound
	}
	return nil
}

var _ export.TaskStore = (*TaskStore)(nil)
