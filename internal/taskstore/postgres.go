package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/patelmm79/dev-nexus/internal/bus"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	task_type    TEXT NOT NULL,
	repository   TEXT NOT NULL,
	status       TEXT NOT NULL,
	input        JSONB NOT NULL,
	result       JSONB,
	error        TEXT,
	worker_id    TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_queued
	ON tasks (status, created_at) WHERE status = 'queued';

CREATE INDEX IF NOT EXISTS idx_tasks_repository
	ON tasks (repository);

CREATE INDEX IF NOT EXISTS idx_tasks_terminal_completed
	ON tasks (completed_at) WHERE status IN ('completed', 'failed');
`

const taskColumns = `
	task_id, task_type, repository, status, input,
	COALESCE(result, 'null'::jsonb), COALESCE(error, ''), COALESCE(worker_id, ''),
	created_at, started_at, completed_at, updated_at`

// PGStore is the PostgreSQL task store. Dequeue relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never claim the same row.
type PGStore struct {
	db     *sqlx.DB
	bus    *bus.Feed
	logger *slog.Logger
}

// NewPGStore wraps an existing connection pool. The pool is shared with the
// dependency-graph store, so callers own its lifecycle.
func NewPGStore(db *sqlx.DB, b *bus.Feed, logger *slog.Logger) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGStore{db: db, bus: b, logger: logger}
}

// InitSchema creates the tasks table and its indexes.
func (s *PGStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PGStore) Create(ctx context.Context, taskType, repository string, input json.RawMessage) (string, error) {
	taskID := uuid.NewString()
	now := time.Now().UTC()
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, task_type, repository, status, input, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6);
	`, taskID, taskType, repository, StatusQueued, []byte(input), now)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	s.publish(bus.Event{
		Kind: bus.TaskEnqueued, TaskID: taskID, TaskType: taskType, Repository: repository,
	})
	return taskID, nil
}

// Dequeue claims the oldest queued task in a single statement. The inner
// select takes a row lock with SKIP LOCKED, so a row claimed by a concurrent
// transaction is invisible here rather than blocking.
func (s *PGStore) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $1, worker_id = $2, started_at = now(), updated_at = now()
		WHERE task_id = (
			SELECT task_id FROM tasks
			WHERE status = $3
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns+`;
	`, StatusProcessing, workerID, StatusQueued)

	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	s.publish(bus.Event{
		Kind: bus.TaskDequeued, TaskID: task.TaskID, TaskType: task.TaskType,
		Repository: task.Repository, WorkerID: workerID,
	})
	return &task, nil
}

func (s *PGStore) Update(ctx context.Context, taskID string, status Status, result json.RawMessage, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current Status
	var taskType, repository string
	err = tx.QueryRowContext(ctx, `
		SELECT status, task_type, repository FROM tasks WHERE task_id = $1 FOR UPDATE;
	`, taskID).Scan(&current, &taskType, &repository)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update: task %s not found", taskID)
		}
		return fmt.Errorf("select task for update: %w", err)
	}
	if current.Terminal() {
		s.logger.Warn("refusing terminal-state overwrite",
			"task_id", taskID, "current", current, "requested", status)
		return ErrTerminal
	}

	var resultArg any
	if len(result) > 0 {
		resultArg = []byte(result)
	}
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}

	if status.Terminal() {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1, result = $2, error = $3, completed_at = now(), updated_at = now()
			WHERE task_id = $4;
		`, status, resultArg, errArg, taskID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = $1, result = $2, error = $3, updated_at = now()
			WHERE task_id = $4;
		`, status, resultArg, errArg, taskID)
	}
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}

	switch status {
	case StatusCompleted:
		s.publish(bus.Event{
			Kind: bus.TaskCompleted, TaskID: taskID, TaskType: taskType, Repository: repository,
		})
	case StatusFailed:
		s.publish(bus.Event{
			Kind: bus.TaskFailed, TaskID: taskID, TaskType: taskType, Repository: repository, Err: errMsg,
		})
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE task_id = $1;
	`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func (s *PGStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND completed_at < $3;
	`, StatusCompleted, StatusFailed, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return n, nil
}

func (s *PGStore) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, worker_id = NULL, started_at = NULL, updated_at = now()
		WHERE status = $2 AND started_at < $3;
	`, StatusQueued, StatusProcessing, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("requeued stale processing tasks", "count", n)
	}
	return n, nil
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COUNT(1)
		FROM tasks;
	`)
	if err := row.Scan(&st.Queued, &st.Processing, &st.Completed, &st.Failed, &st.Total); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) publish(ev bus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// scanTask maps one tasks row onto a Task, normalizing nullable columns.
func scanTask(scan func(dest ...any) error, t *Task) error {
	var (
		input     []byte
		result    []byte
		startedAt sql.NullTime
		completed sql.NullTime
	)
	if err := scan(
		&t.TaskID, &t.TaskType, &t.Repository, &t.Status, &input,
		&result, &t.Error, &t.WorkerID,
		&t.CreatedAt, &startedAt, &completed, &t.UpdatedAt,
	); err != nil {
		return err
	}
	t.Input = json.RawMessage(input)
	if len(result) > 0 && string(result) != "null" {
		t.Result = json.RawMessage(result)
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completed.Valid {
		v := completed.Time
		t.CompletedAt = &v
	}
	return nil
}
