// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"algoworker/src/model"
)

const taskColumns = `id, algorithm_id, user_id, tenant_id, name, parameters, input_files, priority,
	status, progress, queued_at, start_time, end_time, actual_duration, error_message,
	resource_usage, created_at, updated_at`

// PostgresStore persists tasks, algorithms and logs through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema creates the tables and the submission trigger when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context, notifyChannel string) error {
	if _, err := s.db.ExecContext(ctx, tablesSchema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	if notifyChannel == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, notifySchema(notifyChannel)); err != nil {
		return fmt.Errorf("creating submission trigger: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.AlgorithmID, &t.UserID, &t.TenantID, &t.Name, &t.Parameters,
		pq.Array(&t.InputFiles), &t.Priority, &t.Status, &t.Progress, &t.QueuedAt,
		&t.StartTime, &t.EndTime, &t.ActualDuration, &t.ErrorMessage, &t.ResourceUsage,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("task %s has unknown status %q", t.ID, t.Status)
	}
	return t, nil
}

func (s *PostgresStore) LoadTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask locks the row for the duration of fn.
func (s *PostgresStore) UpdateTask(ctx context.Context, id string, fn UpdateFunc) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("locking task %s: %w", id, err)
	}

	if err := fn(t); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, progress = $3, queued_at = $4, start_time = $5, end_time = $6,
			actual_duration = $7, error_message = $8, resource_usage = $9, parameters = $10,
			updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Status, t.Progress, t.QueuedAt, t.StartTime, t.EndTime,
		t.ActualDuration, t.ErrorMessage, nullableDocument(t.ResourceUsage), t.Parameters,
	)
	if err != nil {
		return nil, fmt.Errorf("updating task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1
		ORDER BY priority DESC, COALESCE(queued_at, created_at) ASC, id ASC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s tasks: %w", status, err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAlgorithm(ctx context.Context, id string) (*model.Algorithm, error) {
	a := &model.Algorithm{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, image, entry_point, memory_mb, cpu_shares FROM algorithms WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Image, pq.Array(&a.EntryPoint), &a.Requirements.MemoryMB, &a.Requirements.CPUShares)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "algorithm", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying algorithm %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, log_level, message, context) VALUES ($1, $2, $3, $4)`,
		entry.TaskID, entry.Level, entry.Message, nullableDocument(entry.Context))
	if err != nil {
		return fmt.Errorf("appending log for task %s: %w", entry.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, taskID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, log_level, message, context, created_at
		FROM task_logs WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing logs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Message, &e.Context, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats

	// Combined query for better performance
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'PENDING') as pending,
				COUNT(*) FILTER (WHERE status = 'QUEUED') as queued,
				COUNT(*) FILTER (WHERE status = 'RUNNING') as running,
				COUNT(*) FILTER (WHERE status = 'COMPLETED') as completed,
				COUNT(*) FILTER (WHERE status = 'FAILED') as failed,
				COUNT(*) FILTER (WHERE status = 'CANCELLED') as cancelled
			FROM tasks
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (end_time - start_time))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE end_time > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM tasks
			WHERE status = 'COMPLETED' AND end_time IS NOT NULL AND start_time IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`

	err := s.db.QueryRowContext(ctx, query).Scan(
		&gs.TotalTasks, &gs.PendingTasks, &gs.QueuedTasks, &gs.RunningTasks,
		&gs.CompletedTasks, &gs.FailedTasks, &gs.CancelledTasks,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("querying task stats: %w", err)
	}
	return gs, nil
}

// nullableDocument stores an absent document as SQL NULL.
func nullableDocument(d model.Document) any {
	if d == nil {
		return nil
	}
	return d
}
