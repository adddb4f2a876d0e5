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

// Package store persists task records, resolves algorithms and records task
// log entries.
package store

import (
	"context"

	"algoworker/src/model"
)

// UpdateFunc mutates a task inside an atomic read-modify-write. Returning an
// error discards the change.
type UpdateFunc func(*model.Task) error

type TaskRepository interface {
	LoadTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, id string, fn UpdateFunc) (*model.Task, error)
	// ListTasks returns tasks in the given status, highest priority first and
	// oldest first within a priority.
	ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error)
}

type AlgorithmRepository interface {
	GetAlgorithm(ctx context.Context, id string) (*model.Algorithm, error)
}

// LogSink is append-only; entries come back in insertion order.
type LogSink interface {
	AppendLog(ctx context.Context, entry model.LogEntry) error
	ListLogs(ctx context.Context, taskID string) ([]model.LogEntry, error)
}

// GlobalStats represents system-wide metrics
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	QueuedTasks     int     `json:"queued_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	CancelledTasks  int     `json:"cancelled_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

type Store interface {
	TaskRepository
	AlgorithmRepository
	LogSink
	Stats(ctx context.Context) (GlobalStats, error)
	Close() error
}

// Append is a shorthand for recording one entry.
func Append(ctx context.Context, sink LogSink, taskID string, level model.LogLevel, msg string, fields model.Document) error {
	return sink.AppendLog(ctx, model.LogEntry{
		TaskID:  taskID,
		Level:   level,
		Message: msg,
		Context: fields,
	})
}
