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

// Package scheduler bounds how many tasks run at once. Submitted tasks wait
// in a priority queue until a slot frees up; every completion re-runs
// admission exactly once.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"algoworker/src/logging"
	"algoworker/src/model"
	"algoworker/src/processor"
	"algoworker/src/store"
)

const DefaultLimit = 5

var ErrClosed = errors.New("scheduler is closed")

// Runner executes one admitted task. It must resolve the task record itself
// and return only once the task no longer occupies its slot.
type Runner interface {
	Execute(ctx context.Context, taskID string)
}

type Store interface {
	store.TaskRepository
	store.LogSink
}

type pendingItem struct {
	id       string
	priority int
	seq      uint64
	queuedAt time.Time
	index    int // position in the heap, -1 while not on it
	dropped  bool
}

type runningTask struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type Scheduler struct {
	store   Store
	runner  Runner
	limit   int
	metrics *Metrics
	now     func() time.Time

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending pendingQueue
	queued  map[string]*pendingItem
	running map[string]*runningTask
	seq     uint64
	closed  bool
}

// New returns a scheduler admitting at most limit tasks at a time. metrics may be nil.
func New(st Store, runner Runner, limit int, metrics *Metrics) *Scheduler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, stop := context.WithCancelCause(context.Background())
	return &Scheduler{
		store:   st,
		runner:  runner,
		limit:   limit,
		metrics: metrics,
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
		queued:  make(map[string]*pendingItem),
		running: make(map[string]*runningTask),
	}
}

// Submit moves a PENDING task to QUEUED and enqueues it. A task that is
// already QUEUED in the store (left over from a previous process) is enqueued
// as is. Submitting a task this scheduler already tracks returns
// model.ErrAlreadySubmitted.
func (s *Scheduler) Submit(ctx context.Context, taskID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.trackedLocked(taskID) {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, model.ErrAlreadySubmitted)
	}
	// Reserve the id so a concurrent Submit of the same task is rejected.
	item := &pendingItem{id: taskID, index: -1}
	s.queued[taskID] = item
	s.mu.Unlock()

	restored := false
	task, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		if t.Status == model.TaskQueued {
			restored = true
			return nil
		}
		return t.Queue(s.now())
	})
	if err != nil {
		s.mu.Lock()
		if s.queued[taskID] == item {
			delete(s.queued, taskID)
		}
		s.mu.Unlock()
		return fmt.Errorf("queueing task %s: %w", taskID, err)
	}
	if !restored {
		s.appendLog(ctx, taskID, model.LogInfo, "task queued", model.Document{"priority": task.Priority})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if item.dropped || s.closed {
		// Cancelled while being persisted, or shutting down. A QUEUED record
		// left behind is picked up on the next boot.
		if s.queued[taskID] == item {
			delete(s.queued, taskID)
		}
		if s.closed {
			return ErrClosed
		}
		return nil
	}
	item.priority = task.Priority
	item.queuedAt = s.now()
	if task.QueuedAt != nil {
		item.queuedAt = *task.QueuedAt
	}
	item.seq = s.seq
	s.seq++
	heap.Push(&s.pending, item)
	s.admitLocked()
	return nil
}

// admitLocked starts tasks while slots are free. Caller holds s.mu.
func (s *Scheduler) admitLocked() {
	for !s.closed && len(s.running) < s.limit && s.pending.Len() > 0 {
		item := heap.Pop(&s.pending).(*pendingItem)
		delete(s.queued, item.id)

		ctx, cancel := context.WithCancelCause(s.baseCtx)
		rt := &runningTask{cancel: cancel, done: make(chan struct{})}
		s.running[item.id] = rt
		s.metrics.admitted(s.now().Sub(item.queuedAt).Seconds())

		s.wg.Add(1)
		go s.execute(ctx, item.id, rt)
	}
	s.metrics.observe(s.pending.Len(), len(s.running))
}

func (s *Scheduler) execute(ctx context.Context, taskID string, rt *runningTask) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.LogAttrs(ctx, slog.LevelError, "task execution panicked",
				slog.String("task_id", taskID), slog.Any("panic", r))
		}
		rt.cancel(nil)

		s.mu.Lock()
		delete(s.running, taskID)
		close(rt.done)
		s.admitLocked()
		s.mu.Unlock()
	}()

	s.runner.Execute(ctx, taskID)
}

// Cancel cancels a task. A queued task is dropped from the queue and never
// runs. A running task has its sandbox unit terminated; Cancel waits until the
// executor has resolved it. Tasks in a terminal state are left untouched and
// an error wrapping model.ErrAlreadyTerminal is returned.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	if item, ok := s.queued[taskID]; ok {
		onHeap := item.index >= 0
		if onHeap {
			heap.Remove(&s.pending, item.index)
		}
		item.dropped = true
		delete(s.queued, taskID)
		s.metrics.observe(s.pending.Len(), len(s.running))
		s.mu.Unlock()

		s.metrics.cancelled("queued")
		if err := s.cancelRecord(ctx, taskID, "queued"); err != nil {
			if onHeap && !errors.Is(err, model.ErrAlreadyTerminal) {
				s.requeue(item)
			}
			return err
		}
		return nil
	}

	if rt, ok := s.running[taskID]; ok {
		s.mu.Unlock()
		s.metrics.cancelled("running")
		rt.cancel(processor.ErrCancelRequested)
		select {
		case <-rt.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		task, err := s.store.LoadTask(ctx, taskID)
		if err != nil {
			return err
		}
		switch task.Status {
		case model.TaskCancelled:
			return nil
		case model.TaskFailed:
			msg := ""
			if task.ErrorMessage != nil {
				msg = *task.ErrorMessage
			}
			return fmt.Errorf("task %s failed instead of cancelling (%s): %w", taskID, msg, model.ErrAlreadyTerminal)
		case model.TaskCompleted:
			return fmt.Errorf("task %s completed before cancellation took effect: %w", taskID, model.ErrAlreadyTerminal)
		}
		// Never started; the run was cut short before the record moved.
		return s.cancelRecord(ctx, taskID, "admitted")
	}
	s.mu.Unlock()

	return s.cancelRecord(ctx, taskID, "untracked")
}

func (s *Scheduler) cancelRecord(ctx context.Context, taskID, stage string) error {
	var from model.TaskStatus
	_, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		from = t.Status
		return t.Cancel(s.now())
	})
	if err != nil {
		return err
	}
	if from == model.TaskRunning {
		// Owned by another process; its unit is out of reach from here.
		logging.LogAttrs(ctx, slog.LevelWarn, "cancelled a running task this worker does not own",
			slog.String("task_id", taskID))
	}
	s.appendLog(ctx, taskID, model.LogInfo, "task cancelled", model.Document{"stage": stage})
	return nil
}

func (s *Scheduler) requeue(item *pendingItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.trackedLocked(item.id) {
		return
	}
	item.dropped = false
	s.queued[item.id] = item
	heap.Push(&s.pending, item)
	s.admitLocked()
}

func (s *Scheduler) trackedLocked(taskID string) bool {
	if _, ok := s.queued[taskID]; ok {
		return true
	}
	_, ok := s.running[taskID]
	return ok
}

// Snapshot returns the queued ids in admission order and the running ids sorted.
func (s *Scheduler) Snapshot() (queued, running []string) {
	s.mu.Lock()
	items := slices.Clone(s.pending)
	running = make([]string, 0, len(s.running))
	for id := range s.running {
		running = append(running, id)
	}
	s.mu.Unlock()

	slices.SortFunc(items, func(a, b *pendingItem) int {
		if a.less(b) {
			return -1
		}
		return 1
	})
	queued = make([]string, 0, len(items))
	for _, it := range items {
		queued = append(queued, it.id)
	}
	slices.Sort(running)
	return queued, running
}

func (s *Scheduler) Limit() int { return s.limit }

// Close stops admission, cancels running tasks and waits for them to resolve.
// Queued tasks keep their QUEUED record.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	for _, rt := range s.running {
		rt.cancel(processor.ErrShutdown)
	}
	s.mu.Unlock()

	s.stop(processor.ErrShutdown)
	s.wg.Wait()
}

func (s *Scheduler) appendLog(ctx context.Context, taskID string, level model.LogLevel, msg string, fields model.Document) {
	if err := store.Append(ctx, s.store, taskID, level, msg, fields); err != nil {
		logging.LogAttrs(ctx, slog.LevelWarn, "failed to append task log",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// pendingQueue orders by priority, highest first, then by submission order.
type pendingQueue []*pendingItem

func (a *pendingItem) less(b *pendingItem) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].less(q[j]) }
func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	item := x.(*pendingItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
