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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algoworker/src/logging"
	"algoworker/src/model"
	"algoworker/src/store"
)

func newTestExecutor(t *testing.T, rt *fakeRuntime, opts Options) (*Executor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutAlgorithm(&model.Algorithm{
		ID:           "algo-1",
		Name:         "demo",
		Image:        "python:3.9-slim",
		EntryPoint:   []string{"python", "main.py"},
		Requirements: model.ResourceRequirements{MemoryMB: 2048, CPUShares: 256},
	})
	st.PutTask(&model.Task{
		ID:          "task-1",
		AlgorithmID: "algo-1",
		Name:        "demo run",
		Status:      model.TaskQueued,
		Parameters:  model.Document{"epochs": float64(3), "mode": "fast", "nested": map[string]any{"a": 1}},
		InputFiles:  []string{"s3://bucket/in.csv"},
	})
	if opts.MaxMemoryMB == 0 {
		opts.MaxMemoryMB = 512
	}
	if opts.MaxCPUShares == 0 {
		opts.MaxCPUShares = 512
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 200 * time.Millisecond
	}
	opts.DefaultImage = "python:3.9-slim"
	opts.WorkDir = "/tmp"
	opts.Network = "none"
	return NewExecutor(st, rt, logging.NewWorkerStats("test-worker"), opts), st
}

func runAsync(ctx context.Context, e *Executor, id string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(ctx, id)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not return")
	}
}

func loadTask(t *testing.T, st *store.MemoryStore, id string) *model.Task {
	t.Helper()
	task, err := st.LoadTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func logMessages(t *testing.T, st *store.MemoryStore, id string) []string {
	t.Helper()
	logs, err := st.ListLogs(context.Background(), id)
	require.NoError(t, err)
	var msgs []string
	for _, l := range logs {
		msgs = append(msgs, l.Message)
	}
	return msgs
}

func TestExecuteCompletesAndReportsProgress(t *testing.T) {
	rt := newFakeRuntime("starting\nprogress: 3/", "10\n", "done")
	rt.gate = make(chan struct{})
	e, st := newTestExecutor(t, rt, Options{})

	done := runAsync(context.Background(), e, "task-1")

	require.Eventually(t, func() bool {
		return loadTask(t, st, "task-1").Progress >= 30
	}, 2*time.Second, 10*time.Millisecond)
	mid := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskRunning, mid.Status)
	assert.Equal(t, 30, mid.Progress)

	close(rt.gate)
	waitDone(t, done)

	task := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.EndTime)
	require.NotNil(t, task.ActualDuration)
	assert.Nil(t, task.ErrorMessage)
	assert.Equal(t, int64(0), task.ResourceUsage["exit_code"])

	assert.Equal(t,
		[]string{"task started", "starting", "progress: 3/10", "done", "task completed"},
		logMessages(t, st, "task-1"))

	spec := rt.lastSpec()
	assert.True(t, spec.AutoRemove)
	assert.Equal(t, "python:3.9-slim", spec.Image)
	assert.Equal(t, []string{"python", "main.py"}, spec.Command)
	assert.Equal(t, int64(512<<20), spec.MemoryLimitBytes, "memory request is capped")
	assert.Equal(t, int64(256), spec.CPUShares)
	assert.Equal(t, "/tmp", spec.WorkingDir)
	assert.Equal(t, "task-1", spec.Env["TASK_ID"])
	assert.Equal(t, "3", spec.Env["PARAM_EPOCHS"])
	assert.Equal(t, "fast", spec.Env["PARAM_MODE"])
	assert.NotContains(t, spec.Env, "PARAM_NESTED")
	assert.JSONEq(t, `{"epochs":3,"mode":"fast","nested":{"a":1}}`, spec.Env["TASK_PARAMETERS"])
	assert.JSONEq(t, `["s3://bucket/in.csv"]`, spec.Env["TASK_INPUT_FILES"])

	stats := e.stats.GetStats()
	assert.Equal(t, uint64(1), stats.TasksSuccessful)
	assert.Empty(t, stats.RunningTasks)
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	rt := newFakeRuntime("boom\n")
	rt.exitCode = 3
	e, st := newTestExecutor(t, rt, Options{})

	e.Execute(context.Background(), "task-1")

	task := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "code 3")

	logs, err := st.ListLogs(context.Background(), "task-1")
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, model.LogError, last.Level)
	assert.Equal(t, "task failed", last.Message)
	assert.Equal(t, int64(3), last.Context["exit_code"])
}

func TestExecuteSandboxErrorsFail(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(*fakeRuntime)
		wantMsg string
		removed int
	}{
		{"create", func(f *fakeRuntime) { f.createErr = errors.New("no such image") }, "sandbox create: no such image", 0},
		{"attach", func(f *fakeRuntime) { f.attachErr = errors.New("hijack failed") }, "sandbox attach: hijack failed", 1},
		{"start", func(f *fakeRuntime) { f.startErr = errors.New("oci runtime error") }, "sandbox start: oci runtime error", 1},
		{"wait", func(f *fakeRuntime) { f.waitErr = errors.New("daemon went away") }, "sandbox wait: daemon went away", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := newFakeRuntime()
			tc.setup(rt)
			e, st := newTestExecutor(t, rt, Options{})

			e.Execute(context.Background(), "task-1")

			task := loadTask(t, st, "task-1")
			assert.Equal(t, model.TaskFailed, task.Status)
			require.NotNil(t, task.ErrorMessage)
			assert.Equal(t, tc.wantMsg, *task.ErrorMessage)
			_, _, removed := rt.counts()
			assert.Equal(t, tc.removed, removed)
			assert.Equal(t, uint64(1), e.stats.GetStats().TasksFailed)
		})
	}
}

func TestExecuteCancelTerminatesUnit(t *testing.T) {
	rt := newFakeRuntime("working\n")
	rt.hang = true
	e, st := newTestExecutor(t, rt, Options{})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	done := runAsync(ctx, e, "task-1")

	require.Eventually(t, func() bool {
		started, _, _ := rt.counts()
		return started == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel(ErrCancelRequested)
	waitDone(t, done)

	task := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskCancelled, task.Status)
	assert.NotNil(t, task.EndTime)
	_, terminated, _ := rt.counts()
	assert.Equal(t, 1, terminated)
	assert.Contains(t, logMessages(t, st, "task-1"), "task cancelled")
	assert.Equal(t, uint64(1), e.stats.GetStats().TasksCancelled)
}

func TestExecuteTerminateFailureFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.hang = true
	rt.terminateErr = errors.New("daemon unavailable")
	e, st := newTestExecutor(t, rt, Options{DrainTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	done := runAsync(ctx, e, "task-1")
	require.Eventually(t, func() bool {
		started, _, _ := rt.counts()
		return started == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel(ErrCancelRequested)
	waitDone(t, done)

	task := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "daemon unavailable")
	_, _, removed := rt.counts()
	assert.Equal(t, 1, removed)
}

func TestExecuteWatchdogFailsHungUnit(t *testing.T) {
	rt := newFakeRuntime()
	rt.hang = true
	e, st := newTestExecutor(t, rt, Options{MaxRuntime: 50 * time.Millisecond})

	e.Execute(context.Background(), "task-1")

	task := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "exceeded maximum runtime of 50ms", *task.ErrorMessage)
	_, terminated, _ := rt.counts()
	assert.Equal(t, 1, terminated)
}

func TestExecuteSkipsTaskNotQueued(t *testing.T) {
	rt := newFakeRuntime()
	e, st := newTestExecutor(t, rt, Options{})
	_, err := st.UpdateTask(context.Background(), "task-1", func(t *model.Task) error { return t.Cancel(time.Now()) })
	require.NoError(t, err)
	before := loadTask(t, st, "task-1")

	e.Execute(context.Background(), "task-1")

	assert.Equal(t, before, loadTask(t, st, "task-1"))
	assert.Empty(t, rt.specs)
}

func TestExecuteMissingAlgorithmLeavesStatus(t *testing.T) {
	rt := newFakeRuntime()
	e, st := newTestExecutor(t, rt, Options{})
	st.PutTask(&model.Task{ID: "task-2", AlgorithmID: "missing", Status: model.TaskQueued})

	e.Execute(context.Background(), "task-2")
	e.Execute(context.Background(), "no-such-task")

	assert.Equal(t, model.TaskQueued, loadTask(t, st, "task-2").Status)
	assert.Empty(t, rt.specs)
	assert.Empty(t, logMessages(t, st, "task-2"))
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	rt := newFakeRuntime()
	e, st := newTestExecutor(t, rt, Options{})
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelRequested)

	e.Execute(ctx, "task-1")

	task := loadTask(t, st, "task-1")
	assert.Equal(t, model.TaskCancelled, task.Status)
	assert.Nil(t, task.StartTime)
	assert.Empty(t, rt.specs)
}

func TestExecuteShutdownBeforeStartKeepsQueued(t *testing.T) {
	rt := newFakeRuntime()
	e, st := newTestExecutor(t, rt, Options{})
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)

	e.Execute(ctx, "task-1")

	assert.Equal(t, model.TaskQueued, loadTask(t, st, "task-1").Status)
}

func TestCapLimit(t *testing.T) {
	assert.Equal(t, int64(256), capLimit(256, 512))
	assert.Equal(t, int64(512), capLimit(1024, 512))
	assert.Equal(t, int64(512), capLimit(0, 512))
	assert.Equal(t, int64(512), capLimit(-5, 512))
	assert.Equal(t, int64(300), capLimit(300, 0))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "LEARNING_RATE", envKey("learning-rate"))
	assert.Equal(t, "BATCH_SIZE2", envKey("batch_size2"))
	assert.Equal(t, "A_B", envKey("a.b"))
}

// panickyLogStore panics when asked to record a log line with the given message.
type panickyLogStore struct {
	*store.MemoryStore
	msg string
}

func (s *panickyLogStore) AppendLog(ctx context.Context, entry model.LogEntry) error {
	if entry.Message == s.msg {
		panic("log sink exploded")
	}
	return s.MemoryStore.AppendLog(ctx, entry)
}

func TestExecutePanicsResolveFailed(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(*fakeRuntime)
		logPanicOn string
	}{
		{"runtime create", func(f *fakeRuntime) { f.createPanic = "nil runtime client" }, ""},
		{"runtime start", func(f *fakeRuntime) { f.startPanic = "nil runtime client" }, ""},
		{"output handling", func(f *fakeRuntime) { f.chunks = []string{"explode\n"} }, "explode"},
		{"start log", func(f *fakeRuntime) {}, "task started"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := newFakeRuntime()
			tc.setup(rt)
			e, st := newTestExecutor(t, rt, Options{})
			if tc.logPanicOn != "" {
				e.store = &panickyLogStore{MemoryStore: st, msg: tc.logPanicOn}
			}

			require.NotPanics(t, func() { e.Execute(context.Background(), "task-1") })

			task := loadTask(t, st, "task-1")
			assert.Equal(t, model.TaskFailed, task.Status)
			require.NotNil(t, task.ErrorMessage)
			assert.Contains(t, *task.ErrorMessage, "panic: ")
			assert.NotNil(t, task.EndTime)
			assert.Equal(t, uint64(1), e.stats.GetStats().TasksFailed)
			assert.Empty(t, e.stats.GetStats().RunningTasks)
		})
	}
}

func TestExecuteStartPanicDiscardsUnit(t *testing.T) {
	rt := newFakeRuntime()
	rt.startPanic = "boom"
	e, _ := newTestExecutor(t, rt, Options{})

	e.Execute(context.Background(), "task-1")

	_, terminated, removed := rt.counts()
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 1, removed)
}

func TestExecuteExitWinsOverLateCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		rt := newFakeRuntime()
		rt.instant = true
		e, st := newTestExecutor(t, rt, Options{})
		ctx, cancel := context.WithCancelCause(context.Background())
		rt.onStart = func() { cancel(ErrCancelRequested) }

		e.Execute(ctx, "task-1")

		task := loadTask(t, st, "task-1")
		require.Equal(t, model.TaskCompleted, task.Status, "attempt %d", i)
		_, terminated, _ := rt.counts()
		assert.Zero(t, terminated)
	}
}

func TestExecuteReleasesWaitAfterRun(t *testing.T) {
	rt := newFakeRuntime("done\n")
	e, _ := newTestExecutor(t, rt, Options{})

	e.Execute(context.Background(), "task-1")

	ctxs := rt.waitContexts()
	require.Len(t, ctxs, 1)
	assert.Error(t, ctxs[0].Err())
}
