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

package logging

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	TasksProcessed   uint64    `json:"tasks_processed"`
	TasksSuccessful  uint64    `json:"tasks_successful"`
	TasksFailed      uint64    `json:"tasks_failed"`
	TasksCancelled   uint64    `json:"tasks_cancelled"`
	DatabaseFailures uint64    `json:"database_failures"`
	RunningTasks     []string  `json:"running_tasks"`
}

// Outcome is the terminal result of one run, as far as the stats care.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	running        map[string]struct{}

	started   metric.Float64Counter
	finished  metric.Float64Counter
	dbFailure metric.Float64Counter
}

func NewWorkerStats(id string) *WorkerStats {
	s := &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
		running: make(map[string]struct{}),
	}
	s.started, _ = InitializeFloatCounter("worker_tasks_total", "Total number of tasks started by the worker", "Task")
	s.finished, _ = InitializeFloatCounter("worker_tasks_finished", "Number of tasks that reached a terminal state, by outcome", "Task")
	s.dbFailure, _ = InitializeFloatCounter("worker_database_update_failures", "Number of database update failures in the worker", "Task")
	return s
}

func (s *WorkerStats) TaskStarted(ctx context.Context, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[taskID] = struct{}{}
	s.statusResponse.TasksProcessed++
	if s.started != nil {
		s.started.Add(ctx, 1)
	}
	UpdateSpanValue(ctx, "worker_tasks_total", float64(s.statusResponse.TasksProcessed))
}

func (s *WorkerStats) TaskFinished(ctx context.Context, taskID string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, taskID)
	switch outcome {
	case OutcomeSucceeded:
		s.statusResponse.TasksSuccessful++
	case OutcomeFailed:
		s.statusResponse.TasksFailed++
	case OutcomeCancelled:
		s.statusResponse.TasksCancelled++
	default:
		Log("unknown task outcome: "+string(outcome), slog.LevelWarn)
	}
	if s.finished != nil {
		s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if s.statusResponse.TasksProcessed > 0 {
		UpdateSpanValue(ctx, "worker_tasks_error_rate",
			float64(s.statusResponse.TasksFailed)/float64(s.statusResponse.TasksProcessed))
	}
}

func (s *WorkerStats) DatabaseFailure(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.DatabaseFailures++
	if s.dbFailure != nil {
		s.dbFailure.Add(ctx, 1)
	}
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	resp.RunningTasks = make([]string, 0, len(s.running))
	for id := range s.running {
		resp.RunningTasks = append(resp.RunningTasks, id)
	}
	slices.Sort(resp.RunningTasks)
	return resp
}
