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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algoworker/src/model"
	"algoworker/src/processor"
	"algoworker/src/store"
)

// fakeRunner drives the task record the way the executor does: QUEUED to
// RUNNING, then holds the slot until released or cancelled.
type fakeRunner struct {
	st    *store.MemoryStore
	limit int
	auto  time.Duration // >0 completes on its own after this long

	mu        sync.Mutex
	gates     map[string]chan struct{}
	fail      map[string]bool
	started   []string
	causes    map[string]error
	active    int
	maxActive int
	overLimit bool
}

func newFakeRunner(st *store.MemoryStore, limit int) *fakeRunner {
	return &fakeRunner{
		st:     st,
		limit:  limit,
		gates:  make(map[string]chan struct{}),
		fail:   make(map[string]bool),
		causes: make(map[string]error),
	}
}

func (r *fakeRunner) gate(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[id]
	if !ok {
		g = make(chan struct{})
		r.gates[id] = g
	}
	return g
}

func (r *fakeRunner) release(id string) { close(r.gate(id)) }

func (r *fakeRunner) Execute(ctx context.Context, id string) {
	wctx := context.WithoutCancel(ctx)
	if _, err := r.st.UpdateTask(wctx, id, func(t *model.Task) error { return t.Start(time.Now()) }); err != nil {
		return
	}

	running, _ := r.st.ListTasks(wctx, model.TaskRunning, 0)
	r.mu.Lock()
	r.started = append(r.started, id)
	r.active++
	r.maxActive = max(r.maxActive, r.active)
	if len(running) > r.limit {
		r.overLimit = true
	}
	failNow := r.fail[id]
	r.mu.Unlock()

	finish := func(fn store.UpdateFunc) {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
		r.st.UpdateTask(wctx, id, fn)
	}

	if failNow {
		finish(func(t *model.Task) error { return t.Fail(time.Now(), "sandbox create: boom") })
		return
	}

	var timeout <-chan time.Time
	if r.auto > 0 {
		timeout = time.After(r.auto)
	}
	select {
	case <-r.gate(id):
		finish(func(t *model.Task) error { return t.Complete(time.Now()) })
	case <-timeout:
		finish(func(t *model.Task) error { return t.Complete(time.Now()) })
	case <-ctx.Done():
		cause := context.Cause(ctx)
		r.mu.Lock()
		r.causes[id] = cause
		r.mu.Unlock()
		if errors.Is(cause, processor.ErrCancelRequested) {
			finish(func(t *model.Task) error { return t.Cancel(time.Now()) })
			return
		}
		finish(func(t *model.Task) error { return t.Fail(time.Now(), cause.Error()) })
	}
}

func (r *fakeRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.started)
}

func newTestScheduler(t *testing.T, limit int, ids ...string) (*Scheduler, *fakeRunner, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, id := range ids {
		st.PutTask(&model.Task{ID: id, AlgorithmID: "algo", Priority: 5})
	}
	runner := newFakeRunner(st, limit)
	s := New(st, runner, limit, nil)
	t.Cleanup(s.Close)
	return s, runner, st
}

func status(t *testing.T, st *store.MemoryStore, id string) model.TaskStatus {
	t.Helper()
	task, err := st.LoadTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestSchedulerSixthTaskWaitsForSlot(t *testing.T) {
	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	s, runner, st := newTestScheduler(t, 5, ids...)
	ctx := context.Background()

	for _, id := range ids {
		require.NoError(t, s.Submit(ctx, id))
	}

	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ids[:5], sortedCopy(runner.startedIDs()))
	assert.Equal(t, model.TaskQueued, status(t, st, "t6"))

	queued, running := s.Snapshot()
	assert.Equal(t, []string{"t6"}, queued)
	assert.Len(t, running, 5)

	runner.release("t3")
	require.Eventually(t, func() bool { return status(t, st, "t6") == model.TaskRunning }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.TaskCompleted, status(t, st, "t3"))
}

func TestSchedulerCancelQueuedNeverRuns(t *testing.T) {
	s, runner, st := newTestScheduler(t, 1, "a", "b")
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, "a"))
	require.NoError(t, s.Submit(ctx, "b"))
	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(ctx, "b"))
	assert.Equal(t, model.TaskCancelled, status(t, st, "b"))

	runner.release("a")
	require.Eventually(t, func() bool { return status(t, st, "a") == model.TaskCompleted }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a"}, runner.startedIDs())

	logs, err := st.ListLogs(ctx, "b")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "task queued", logs[0].Message)
	assert.Equal(t, "task cancelled", logs[1].Message)
}

func TestSchedulerCancelTerminalTaskFails(t *testing.T) {
	s, _, st := newTestScheduler(t, 5)
	ctx := context.Background()
	for _, terminal := range []model.TaskStatus{model.TaskCompleted, model.TaskFailed, model.TaskCancelled} {
		id := "task-" + string(terminal)
		st.PutTask(&model.Task{ID: id, Status: terminal, Progress: 100})
		before, err := st.LoadTask(ctx, id)
		require.NoError(t, err)

		err = s.Cancel(ctx, id)
		assert.ErrorIs(t, err, model.ErrAlreadyTerminal)

		after, err := st.LoadTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}
}

func TestSchedulerCancelUnknownTask(t *testing.T) {
	s, _, _ := newTestScheduler(t, 5)
	assert.ErrorIs(t, s.Cancel(context.Background(), "missing"), model.ErrNotFound)
}

func TestSchedulerCancelPendingTask(t *testing.T) {
	s, _, st := newTestScheduler(t, 5, "p")
	require.NoError(t, s.Cancel(context.Background(), "p"))
	assert.Equal(t, model.TaskCancelled, status(t, st, "p"))
}

func TestSchedulerCancelRunningPropagates(t *testing.T) {
	s, runner, st := newTestScheduler(t, 2, "a")
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, "a"))
	require.Eventually(t, func() bool { return status(t, st, "a") == model.TaskRunning }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(ctx, "a"))

	assert.Equal(t, model.TaskCancelled, status(t, st, "a"))
	runner.mu.Lock()
	assert.ErrorIs(t, runner.causes["a"], processor.ErrCancelRequested)
	runner.mu.Unlock()
	_, running := s.Snapshot()
	assert.Empty(t, running)
}

func TestSchedulerCancelAfterCompletion(t *testing.T) {
	s, runner, st := newTestScheduler(t, 1, "a")
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, "a"))
	require.Eventually(t, func() bool { return status(t, st, "a") == model.TaskRunning }, time.Second, 5*time.Millisecond)
	runner.release("a")
	require.Eventually(t, func() bool { return status(t, st, "a") == model.TaskCompleted }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { _, r := s.Snapshot(); return len(r) == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Cancel(ctx, "a"), model.ErrAlreadyTerminal)
	assert.Equal(t, model.TaskCompleted, status(t, st, "a"))
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s, runner, st := newTestScheduler(t, 1)
	ctx := context.Background()
	st.PutTask(&model.Task{ID: "blocker", Priority: 5})
	st.PutTask(&model.Task{ID: "low", Priority: 1})
	st.PutTask(&model.Task{ID: "high", Priority: 9})
	st.PutTask(&model.Task{ID: "mid-1", Priority: 5})
	st.PutTask(&model.Task{ID: "mid-2", Priority: 5})

	require.NoError(t, s.Submit(ctx, "blocker"))
	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	for _, id := range []string{"low", "mid-1", "high", "mid-2"} {
		require.NoError(t, s.Submit(ctx, id))
	}
	queued, _ := s.Snapshot()
	assert.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, queued)

	want := []string{"blocker", "high", "mid-1", "mid-2", "low"}
	for i, id := range want {
		require.Eventually(t, func() bool { return len(runner.startedIDs()) == i+1 }, time.Second, 5*time.Millisecond)
		runner.release(id)
	}
	assert.Equal(t, want, runner.startedIDs())
}

func TestSchedulerFailureFreesSlot(t *testing.T) {
	s, runner, st := newTestScheduler(t, 1, "broken", "next")
	runner.fail["broken"] = true
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, "broken"))
	require.NoError(t, s.Submit(ctx, "next"))

	require.Eventually(t, func() bool { return status(t, st, "next") == model.TaskRunning }, time.Second, 5*time.Millisecond)
	task, err := st.LoadTask(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.NotEmpty(t, *task.ErrorMessage)
}

func TestSchedulerDuplicateSubmit(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, "a", "b")
	ctx := context.Background()
	require.NoError(t, s.Submit(ctx, "a"))
	require.NoError(t, s.Submit(ctx, "b"))
	assert.ErrorIs(t, s.Submit(ctx, "a"), model.ErrAlreadySubmitted)
	assert.ErrorIs(t, s.Submit(ctx, "b"), model.ErrAlreadySubmitted)
}

func TestSchedulerSubmitRestoresQueuedTask(t *testing.T) {
	s, runner, st := newTestScheduler(t, 1)
	st.PutTask(&model.Task{ID: "restored", Status: model.TaskQueued})
	require.NoError(t, s.Submit(context.Background(), "restored"))
	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	runner.release("restored")

	logs, _ := st.ListLogs(context.Background(), "restored")
	for _, l := range logs {
		assert.NotEqual(t, "task queued", l.Message)
	}
}

func TestSchedulerSubmitTerminalTask(t *testing.T) {
	s, _, st := newTestScheduler(t, 1)
	st.PutTask(&model.Task{ID: "done", Status: model.TaskCompleted})
	assert.ErrorIs(t, s.Submit(context.Background(), "done"), model.ErrAlreadyTerminal)
	// The reservation is released.
	assert.ErrorIs(t, s.Submit(context.Background(), "done"), model.ErrAlreadyTerminal)
}

func TestSchedulerConcurrencyLimitUnderLoad(t *testing.T) {
	const limit, total = 3, 40
	st := store.NewMemoryStore()
	var ids []string
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("t%02d", i)
		ids = append(ids, id)
		st.PutTask(&model.Task{ID: id, Priority: i % 4})
	}
	runner := newFakeRunner(st, limit)
	runner.auto = 2 * time.Millisecond
	s := New(st, runner, limit, nil)
	defer s.Close()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Submit(context.Background(), id))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		done, _ := st.ListTasks(context.Background(), model.TaskCompleted, 0)
		return len(done) == total
	}, 10*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.maxActive, limit)
	assert.False(t, runner.overLimit, "more RUNNING records than the limit")
	assert.Len(t, runner.started, total)
}

func TestSchedulerCloseCancelsRunning(t *testing.T) {
	st := store.NewMemoryStore()
	st.PutTask(&model.Task{ID: "a"})
	st.PutTask(&model.Task{ID: "b"})
	runner := newFakeRunner(st, 1)
	s := New(st, runner, 1, nil)
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, "a"))
	require.NoError(t, s.Submit(ctx, "b"))
	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 1 }, time.Second, 5*time.Millisecond)

	s.Close()

	runner.mu.Lock()
	assert.ErrorIs(t, runner.causes["a"], processor.ErrShutdown)
	runner.mu.Unlock()
	assert.Equal(t, model.TaskQueued, status(t, st, "b"), "queued work survives shutdown")
	assert.Equal(t, []string{"a"}, runner.startedIDs())
	assert.ErrorIs(t, s.Submit(ctx, "b"), ErrClosed)
}

func TestSchedulerMetrics(t *testing.T) {
	st := store.NewMemoryStore()
	st.PutTask(&model.Task{ID: "a"})
	st.PutTask(&model.Task{ID: "b"})
	runner := newFakeRunner(st, 1)
	m := NewMetrics(prometheus.NewRegistry())
	s := New(st, runner, 1, m)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Submit(ctx, "a"))
	require.NoError(t, s.Submit(ctx, "b"))
	require.Eventually(t, func() bool { return len(runner.startedIDs()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, float64(1), gaugeValue(t, m.Running))
	assert.Equal(t, float64(1), gaugeValue(t, m.QueueDepth))
	assert.Equal(t, float64(1), counterValue(t, m.Admissions))

	require.NoError(t, s.Cancel(ctx, "b"))
	assert.Equal(t, float64(0), gaugeValue(t, m.QueueDepth))
	assert.Equal(t, float64(1), counterValue(t, m.Cancellations.WithLabelValues("queued")))
	runner.release("a")
}

func TestNewMetricsNilRegistry(t *testing.T) {
	assert.Nil(t, NewMetrics(nil))
	var m *Metrics
	m.observe(1, 1)
	m.admitted(1)
	m.cancelled("queued")
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, g.Write(&out))
	return out.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

func sortedCopy(ids []string) []string {
	c := slices.Clone(ids)
	slices.Sort(c)
	return c
}
