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

package model

import (
	"fmt"
	"math"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskQueued, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// MaxRunningProgress is the highest progress a task may report before it completes.
const MaxRunningProgress = 99

type Task struct {
	ID          string   `json:"id"`
	AlgorithmID string   `json:"algorithm_id"`
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name"`
	Parameters  Document `json:"parameters,omitempty"`
	InputFiles  []string `json:"input_files,omitempty"`
	Priority    int      `json:"priority"`

	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	ActualDuration *int64     `json:"actual_duration,omitempty"` // seconds
	ErrorMessage   *string    `json:"error_message,omitempty"`
	ResourceUsage  Document   `json:"resource_usage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Parameters = t.Parameters.Clone()
	c.ResourceUsage = t.ResourceUsage.Clone()
	if t.InputFiles != nil {
		c.InputFiles = append([]string(nil), t.InputFiles...)
	}
	c.QueuedAt = cloneTime(t.QueuedAt)
	c.StartTime = cloneTime(t.StartTime)
	c.EndTime = cloneTime(t.EndTime)
	if t.ActualDuration != nil {
		d := *t.ActualDuration
		c.ActualDuration = &d
	}
	if t.ErrorMessage != nil {
		m := *t.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}

func (t *Task) check(to TaskStatus, from ...TaskStatus) error {
	if t.Status.Terminal() {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("task %s is %s", t.ID, t.Status),
			Err:    ErrAlreadyTerminal,
		}
	}
	for _, f := range from {
		if t.Status == f {
			return nil
		}
	}
	return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
}

// Queue moves a PENDING task onto the admission queue.
func (t *Task) Queue(at time.Time) error {
	if err := t.check(TaskQueued, TaskPending); err != nil {
		return err
	}
	t.Status = TaskQueued
	t.QueuedAt = &at
	t.UpdatedAt = at
	return nil
}

// Start marks an admitted task as running.
func (t *Task) Start(at time.Time) error {
	if err := t.check(TaskRunning, TaskQueued); err != nil {
		return err
	}
	t.Status = TaskRunning
	t.Progress = 0
	t.StartTime = &at
	t.UpdatedAt = at
	return nil
}

// AdvanceProgress raises the progress of a running task. Lower or equal values
// and values for tasks that are not running are ignored.
func (t *Task) AdvanceProgress(p int, at time.Time) bool {
	if t.Status != TaskRunning {
		return false
	}
	p = min(max(p, 0), MaxRunningProgress)
	if p <= t.Progress {
		return false
	}
	t.Progress = p
	t.UpdatedAt = at
	return true
}

func (t *Task) Complete(at time.Time) error {
	if err := t.check(TaskCompleted, TaskRunning); err != nil {
		return err
	}
	t.Status = TaskCompleted
	t.Progress = 100
	t.finish(at)
	return nil
}

func (t *Task) Fail(at time.Time, msg string) error {
	if err := t.check(TaskFailed, TaskRunning); err != nil {
		return err
	}
	if msg == "" {
		msg = "unknown error"
	}
	t.Status = TaskFailed
	t.ErrorMessage = &msg
	t.finish(at)
	return nil
}

func (t *Task) Cancel(at time.Time) error {
	if err := t.check(TaskCancelled, TaskPending, TaskQueued, TaskRunning); err != nil {
		return err
	}
	t.Status = TaskCancelled
	t.finish(at)
	return nil
}

func (t *Task) finish(at time.Time) {
	t.EndTime = &at
	t.UpdatedAt = at
	if t.StartTime != nil {
		secs := int64(math.Round(at.Sub(*t.StartTime).Seconds()))
		t.ActualDuration = &secs
	}
}

type ResourceRequirements struct {
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	CPUShares int64 `json:"cpu_shares,omitempty"`
}

// Algorithm is the runnable artifact a task references.
type Algorithm struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Image        string               `json:"image"`
	EntryPoint   []string             `json:"entry_point,omitempty"`
	Requirements ResourceRequirements `json:"requirements"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
