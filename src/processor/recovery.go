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

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"algoworker/src/logging"
	"algoworker/src/model"
	"algoworker/src/store"
)

const orphanedRunMessage = "worker restarted while the task was running"

// Submitter hands a task id to the admission queue.
type Submitter interface {
	Submit(ctx context.Context, taskID string) error
}

// OrphanReaper removes sandbox units left behind by a previous process.
type OrphanReaper interface {
	ReapOrphans(ctx context.Context) (int, error)
}

// RecoverTasks reconciles the records of a previous process: RUNNING tasks
// lost their unit and are failed, leftover units are reaped, and QUEUED tasks
// are handed back to the admission queue in queue order.
func RecoverTasks(ctx context.Context, st store.Store, reaper OrphanReaper, sub Submitter, stats *logging.WorkerStats) error {
	running, err := st.ListTasks(ctx, model.TaskRunning, 0)
	if err != nil {
		stats.DatabaseFailure(ctx)
		return fmt.Errorf("listing running tasks: %w", err)
	}
	failed := 0
	for _, t := range running {
		now := time.Now()
		_, err := st.UpdateTask(ctx, t.ID, func(t *model.Task) error { return t.Fail(now, orphanedRunMessage) })
		if err != nil {
			stats.DatabaseFailure(ctx)
			logging.LogAttrs(ctx, slog.LevelError, "failed to fail orphaned task",
				slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if err := store.Append(ctx, st, t.ID, model.LogError, "task failed",
			model.Document{"error": orphanedRunMessage, "stage": "recovery"}); err != nil {
			stats.DatabaseFailure(ctx)
		}
		failed++
	}
	if failed > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (marked as failed)", failed), slog.LevelInfo)
	}

	if reaper != nil {
		n, err := reaper.ReapOrphans(ctx)
		if err != nil {
			logging.Log(fmt.Sprintf("Error reaping orphaned containers: %v", err), slog.LevelWarn)
		} else if n > 0 {
			logging.Log(fmt.Sprintf("Removed %d orphaned containers", n), slog.LevelInfo)
		}
	}

	n, err := submitStatus(ctx, st, sub, model.TaskQueued)
	if err != nil {
		stats.DatabaseFailure(ctx)
		return err
	}
	if n > 0 {
		logging.Log(fmt.Sprintf("Re-queued %d tasks from a previous run", n), slog.LevelInfo)
	}
	return nil
}

// SubmitPending submits every PENDING task. Safe to call repeatedly: tasks
// already tracked by the queue are skipped.
func SubmitPending(ctx context.Context, st store.TaskRepository, sub Submitter) (int, error) {
	return submitStatus(ctx, st, sub, model.TaskPending)
}

func submitStatus(ctx context.Context, st store.TaskRepository, sub Submitter, status model.TaskStatus) (int, error) {
	tasks, err := st.ListTasks(ctx, status, 0)
	if err != nil {
		return 0, fmt.Errorf("listing %s tasks: %w", status, err)
	}
	submitted := 0
	for _, t := range tasks {
		if err := sub.Submit(ctx, t.ID); err != nil {
			if errors.Is(err, model.ErrAlreadySubmitted) || errors.Is(err, model.ErrAlreadyTerminal) {
				continue
			}
			if ctx.Err() != nil {
				return submitted, ctx.Err()
			}
			logging.LogAttrs(ctx, slog.LevelWarn, "failed to submit task",
				slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		submitted++
	}
	return submitted, nil
}
