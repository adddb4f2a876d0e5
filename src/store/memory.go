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
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"algoworker/src/model"
)

// MemoryStore keeps everything in process. It backs tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*model.Task
	algorithms map[string]*model.Algorithm
	logs       map[string][]model.LogEntry
	logSeq     int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*model.Task),
		algorithms: make(map[string]*model.Algorithm),
		logs:       make(map[string][]model.LogEntry),
		now:        time.Now,
	}
}

// PutTask inserts or replaces a task record.
func (s *MemoryStore) PutTask(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := task.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Status == "" {
		c.Status = model.TaskPending
	}
	s.tasks[c.ID] = c
}

func (s *MemoryStore) PutAlgorithm(a *model.Algorithm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	c.EntryPoint = slices.Clone(a.EntryPoint)
	s.algorithms[a.ID] = &c
}

func (s *MemoryStore) LoadTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "task", ID: id}
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, fn UpdateFunc) (*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "task", ID: id}
	}
	c := t.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := c.Parameters.Validate(); err != nil {
		return nil, fmt.Errorf("task %s parameters: %w", id, err)
	}
	s.tasks[id] = c
	return c.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, compareQueueOrder)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func compareQueueOrder(a, b *model.Task) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := queuedOrCreated(a).Compare(queuedOrCreated(b)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func queuedOrCreated(t *model.Task) time.Time {
	if t.QueuedAt != nil {
		return *t.QueuedAt
	}
	return t.CreatedAt
}

func (s *MemoryStore) GetAlgorithm(ctx context.Context, id string) (*model.Algorithm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.algorithms[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "algorithm", ID: id}
	}
	c := *a
	c.EntryPoint = slices.Clone(a.EntryPoint)
	return &c, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry model.LogEntry) error {
	if err := entry.Context.Validate(); err != nil {
		return fmt.Errorf("log context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	entry.ID = s.logSeq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Context = entry.Context.Clone()
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	return nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, taskID string) ([]model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs[taskID]), nil
}

func (s *MemoryStore) Stats(ctx context.Context) (GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var gs GlobalStats
	var execTotal float64
	hourAgo := s.now().Add(-time.Hour)
	for _, t := range s.tasks {
		gs.TotalTasks++
		switch t.Status {
		case model.TaskPending:
			gs.PendingTasks++
		case model.TaskQueued:
			gs.QueuedTasks++
		case model.TaskRunning:
			gs.RunningTasks++
		case model.TaskCompleted:
			gs.CompletedTasks++
			if t.StartTime != nil && t.EndTime != nil {
				execTotal += t.EndTime.Sub(*t.StartTime).Seconds()
				if t.EndTime.After(hourAgo) {
					gs.ThroughputTasks++
				}
			}
		case model.TaskFailed:
			gs.FailedTasks++
		case model.TaskCancelled:
			gs.CancelledTasks++
		}
	}
	if gs.CompletedTasks > 0 {
		gs.AvgExecutionSec = execTotal / float64(gs.CompletedTasks)
	}
	return gs, nil
}

func (s *MemoryStore) Close() error { return nil }
