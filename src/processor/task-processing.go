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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"algoworker/src/containerization"
	"algoworker/src/logging"
	"algoworker/src/model"
	"algoworker/src/output"
	"algoworker/src/store"
)

// Causes attached to a run context when it is cancelled.
var (
	ErrCancelRequested    = errors.New("cancellation requested")
	ErrMaxRuntimeExceeded = errors.New("maximum runtime exceeded")
	ErrShutdown           = errors.New("worker shutting down")
)

var errNoChange = errors.New("no change")

const (
	readChunkSize       = 4096
	defaultDrainTimeout = 5 * time.Second
)

type Options struct {
	DefaultImage string
	WorkDir      string
	Network      string
	// Caps applied to an algorithm's resource request.
	MaxMemoryMB  int64
	MaxCPUShares int64
	// MaxRuntime of 0 disables the watchdog.
	MaxRuntime   time.Duration
	DrainTimeout time.Duration
}

// Executor runs one task's workload in a sandbox unit and resolves its record.
type Executor struct {
	store   store.Store
	runtime containerization.Runtime
	stats   *logging.WorkerStats
	opts    Options
	now     func() time.Time
}

func NewExecutor(st store.Store, rt containerization.Runtime, stats *logging.WorkerStats, opts Options) *Executor {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	return &Executor{
		store:   st,
		runtime: rt,
		stats:   stats,
		opts:    opts,
		now:     time.Now,
	}
}

type runResult struct {
	exitCode     *int64
	err          error
	cause        error // set when the run context was cancelled
	terminateErr error
}

// Execute never returns an error: every failure ends up in the task record or
// in the worker log. Cancelling ctx with ErrCancelRequested terminates the unit.
func (e *Executor) Execute(ctx context.Context, taskID string) {
	ctx, span := logging.StartSpan(ctx, "execute_task", attribute.String("task_id", taskID))
	defer span.End()
	// Record writes must land even after the run is cancelled.
	wctx := context.WithoutCancel(ctx)

	task, err := e.store.LoadTask(wctx, taskID)
	if err != nil {
		e.loadFailed(ctx, "task", taskID, err)
		return
	}
	if task.Status != model.TaskQueued {
		logging.LogAttrs(ctx, slog.LevelWarn, "task is not queued, skipping run",
			slog.String("task_id", taskID), slog.String("status", string(task.Status)))
		return
	}
	algo, err := e.store.GetAlgorithm(wctx, task.AlgorithmID)
	if err != nil {
		e.loadFailed(ctx, "algorithm", task.AlgorithmID, err)
		return
	}

	if ctx.Err() != nil {
		e.abortQueued(wctx, taskID, context.Cause(ctx))
		return
	}

	spec := e.buildSpec(task, algo)
	if _, err := e.store.UpdateTask(wctx, taskID, func(t *model.Task) error { return t.Start(e.now()) }); err != nil {
		if errors.Is(err, model.ErrAlreadyTerminal) || errors.Is(err, model.ErrInvalidTransition) {
			logging.LogAttrs(ctx, slog.LevelWarn, "task changed before start, skipping run",
				slog.String("task_id", taskID), slog.String("error", err.Error()))
			return
		}
		e.stats.DatabaseFailure(ctx)
		logging.LogAttrs(ctx, slog.LevelError, "failed to mark task running",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}

	// From here on the task is RUNNING; a panic must still resolve it.
	var outcome logging.Outcome
	defer func() {
		if r := recover(); r != nil {
			logging.LogAttrs(ctx, slog.LevelError, "task execution panicked",
				slog.String("task_id", taskID), slog.Any("panic", r))
			if outcome == "" {
				outcome = e.resolve(wctx, taskID, spec, runResult{err: panicError(r)})
			}
		}
		if outcome == logging.OutcomeFailed {
			span.SetStatus(codes.Error, "task failed")
		}
		e.stats.TaskFinished(ctx, taskID, outcome)
	}()

	e.appendLog(wctx, taskID, model.LogInfo, "task started", model.Document{
		"algorithm_id": task.AlgorithmID,
		"parameters":   task.Parameters.Clone(),
	})
	e.stats.TaskStarted(ctx, taskID)
	logging.Log(fmt.Sprintf("Processing task: %s (ID: %s)", task.Name, task.ID), slog.LevelInfo)

	runCtx := ctx
	if e.opts.MaxRuntime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, e.opts.MaxRuntime, ErrMaxRuntimeExceeded)
		defer cancel()
	}

	res := e.run(runCtx, taskID, spec)
	outcome = e.resolve(wctx, taskID, spec, res)
}

func panicError(r any) error {
	return fmt.Errorf("panic: %v", r)
}

func (e *Executor) loadFailed(ctx context.Context, kind, id string, err error) {
	if !errors.Is(err, model.ErrNotFound) {
		e.stats.DatabaseFailure(ctx)
	}
	logging.LogAttrs(ctx, slog.LevelError, "failed to load "+kind,
		slog.String(kind+"_id", id), slog.String("error", err.Error()))
}

// abortQueued handles a run cancelled between admission and start. A shutdown
// leaves the task QUEUED for the next boot to pick up.
func (e *Executor) abortQueued(ctx context.Context, taskID string, cause error) {
	if !errors.Is(cause, ErrCancelRequested) {
		logging.LogAttrs(ctx, slog.LevelInfo, "run aborted before start",
			slog.String("task_id", taskID), slog.String("cause", fmt.Sprint(cause)))
		return
	}
	if _, err := e.store.UpdateTask(ctx, taskID, func(t *model.Task) error { return t.Cancel(e.now()) }); err != nil {
		if !errors.Is(err, model.ErrAlreadyTerminal) {
			e.stats.DatabaseFailure(ctx)
		}
		logging.LogAttrs(ctx, slog.LevelWarn, "failed to cancel task before start",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	e.appendLog(ctx, taskID, model.LogInfo, "task cancelled", model.Document{"stage": "queued"})
}

func (e *Executor) run(ctx context.Context, taskID string, spec containerization.ExecutionSpec) (res runResult) {
	// Runtime calls use a context that survives cancellation so the unit can
	// still be killed and cleaned up.
	rtCtx := context.WithoutCancel(ctx)
	// Released once the run is resolved, even if the unit could not be killed.
	waitCtx, stopWait := context.WithCancel(rtCtx)
	defer stopWait()

	var (
		id       string
		stream   io.ReadCloser
		pumpDone chan struct{}
		pumpErr  error
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logging.LogAttrs(ctx, slog.LevelError, "sandbox run panicked",
			slog.String("task_id", taskID), slog.Any("panic", r))
		if id != "" {
			e.discardUnit(rtCtx, taskID, id)
		}
		if stream != nil {
			stream.Close()
		}
		if pumpDone != nil {
			<-pumpDone
		}
		res = runResult{err: panicError(r)}
	}()

	var err error
	id, err = e.runtime.Create(rtCtx, spec)
	if err != nil {
		id = ""
		return runResult{err: &model.SandboxError{Op: "create", Err: err}}
	}
	stream, err = e.runtime.Attach(rtCtx, id)
	if err != nil {
		stream = nil
		e.removeUnit(rtCtx, taskID, id)
		return runResult{err: &model.SandboxError{Op: "attach", Err: err}}
	}
	defer stream.Close()
	waitCh := e.runtime.Wait(waitCtx, id)

	pumpDone = make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer func() {
			if r := recover(); r != nil {
				logging.LogAttrs(ctx, slog.LevelError, "output handling panicked",
					slog.String("task_id", taskID), slog.Any("panic", r))
				pumpErr = panicError(r)
				stream.Close()
			}
		}()
		e.pump(rtCtx, taskID, stream)
	}()

	if err := e.runtime.Start(rtCtx, id); err != nil {
		e.removeUnit(rtCtx, taskID, id)
		stream.Close()
		<-pumpDone
		return runResult{err: &model.SandboxError{Op: "start", Err: err}}
	}

	exited := func(w containerization.WaitResult) runResult {
		e.drain(stream, pumpDone)
		if w.Err != nil {
			return runResult{err: &model.SandboxError{Op: "wait", Err: w.Err}}
		}
		code := w.StatusCode
		// pumpErr is set, if ever, before pumpDone closes.
		return runResult{exitCode: &code, err: pumpErr}
	}

	select {
	case w := <-waitCh:
		return exited(w)

	case <-ctx.Done():
		// An exit that raced the cancellation stands.
		select {
		case w := <-waitCh:
			return exited(w)
		default:
		}

		cause := context.Cause(ctx)
		logging.LogAttrs(ctx, slog.LevelInfo, "terminating sandbox unit",
			slog.String("task_id", taskID), slog.String("cause", cause.Error()))
		cancelled := runResult{cause: cause}
		if err := e.runtime.Terminate(rtCtx, id); err != nil {
			cancelled.terminateErr = &model.SandboxError{Op: "terminate", Err: err}
			e.removeUnit(rtCtx, taskID, id)
		}
		select {
		case <-waitCh:
		case <-time.After(e.opts.DrainTimeout):
		}
		e.drain(stream, pumpDone)
		return cancelled
	}
}

// drain gives the output pump a bounded window to finish after the unit exited.
func (e *Executor) drain(stream io.Closer, done <-chan struct{}) {
	timer := time.NewTimer(e.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		stream.Close()
		<-done
	}
}

func (e *Executor) discardUnit(ctx context.Context, taskID, id string) {
	if err := e.runtime.Terminate(ctx, id); err != nil {
		logging.LogAttrs(ctx, slog.LevelWarn, "failed to terminate sandbox unit",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	e.removeUnit(ctx, taskID, id)
}

func (e *Executor) removeUnit(ctx context.Context, taskID, id string) {
	if err := e.runtime.Remove(ctx, id); err != nil {
		logging.LogAttrs(ctx, slog.LevelWarn, "failed to remove sandbox unit",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

func (e *Executor) pump(ctx context.Context, taskID string, r io.Reader) {
	parser := output.NewParser()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.handleLines(ctx, taskID, parser.Feed(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logging.LogAttrs(ctx, slog.LevelWarn, "output stream ended with error",
					slog.String("task_id", taskID), slog.String("error", err.Error()))
			}
			break
		}
	}
	e.handleLines(ctx, taskID, parser.Flush())
}

func (e *Executor) handleLines(ctx context.Context, taskID string, lines []output.Line) {
	for _, line := range lines {
		fields := model.Document{"source": "container"}
		if line.Progress != nil {
			fields["progress"] = *line.Progress
		}
		e.appendLog(ctx, taskID, model.LogInfo, line.Text, fields)

		if line.Progress == nil {
			continue
		}
		p := *line.Progress
		_, err := e.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
			if !t.AdvanceProgress(p, e.now()) {
				return errNoChange
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNoChange) {
			e.stats.DatabaseFailure(ctx)
			logging.LogAttrs(ctx, slog.LevelWarn, "failed to update progress",
				slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
}

func (e *Executor) resolve(ctx context.Context, taskID string, spec containerization.ExecutionSpec, res runResult) logging.Outcome {
	usage := model.Document{
		"image":              spec.Image,
		"memory_limit_bytes": spec.MemoryLimitBytes,
		"cpu_shares":         spec.CPUShares,
	}
	if res.exitCode != nil {
		usage["exit_code"] = *res.exitCode
	}

	var (
		outcome logging.Outcome
		msg     string
	)
	switch {
	case res.cause != nil && res.terminateErr != nil:
		outcome, msg = logging.OutcomeFailed, fmt.Sprintf("%v: %v", res.cause, res.terminateErr)
	case errors.Is(res.cause, ErrCancelRequested):
		outcome = logging.OutcomeCancelled
	case errors.Is(res.cause, ErrMaxRuntimeExceeded):
		outcome, msg = logging.OutcomeFailed, fmt.Sprintf("exceeded maximum runtime of %s", e.opts.MaxRuntime)
	case res.cause != nil:
		outcome, msg = logging.OutcomeFailed, fmt.Sprintf("run interrupted: %v", res.cause)
	case res.err != nil:
		outcome, msg = logging.OutcomeFailed, res.err.Error()
	case *res.exitCode == 0:
		outcome = logging.OutcomeSucceeded
	default:
		outcome, msg = logging.OutcomeFailed, (&model.ExitError{Code: *res.exitCode}).Error()
	}

	now := e.now()
	_, err := e.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.ResourceUsage = usage
		switch outcome {
		case logging.OutcomeSucceeded:
			return t.Complete(now)
		case logging.OutcomeCancelled:
			return t.Cancel(now)
		default:
			return t.Fail(now, msg)
		}
	})
	if err != nil {
		if !errors.Is(err, model.ErrAlreadyTerminal) {
			e.stats.DatabaseFailure(ctx)
		}
		logging.LogAttrs(ctx, slog.LevelError, "failed to record task outcome",
			slog.String("task_id", taskID), slog.String("outcome", string(outcome)), slog.String("error", err.Error()))
		return outcome
	}

	switch outcome {
	case logging.OutcomeSucceeded:
		e.appendLog(ctx, taskID, model.LogInfo, "task completed", model.Document{"exit_code": int64(0)})
		logging.Log(fmt.Sprintf("Task %s completed successfully", taskID), slog.LevelInfo)
	case logging.OutcomeCancelled:
		e.appendLog(ctx, taskID, model.LogInfo, "task cancelled", model.Document{"stage": "running"})
		logging.Log(fmt.Sprintf("Task %s cancelled", taskID), slog.LevelInfo)
	default:
		fields := model.Document{"error": msg}
		if res.exitCode != nil {
			fields["exit_code"] = *res.exitCode
		}
		e.appendLog(ctx, taskID, model.LogError, "task failed", fields)
		logging.Log(fmt.Sprintf("Task %s failed: %s", taskID, msg), slog.LevelError)
	}
	return outcome
}

func (e *Executor) appendLog(ctx context.Context, taskID string, level model.LogLevel, msg string, fields model.Document) {
	if err := store.Append(ctx, e.store, taskID, level, msg, fields); err != nil {
		e.stats.DatabaseFailure(ctx)
		logging.LogAttrs(ctx, slog.LevelWarn, "failed to append task log",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

func (e *Executor) buildSpec(task *model.Task, algo *model.Algorithm) containerization.ExecutionSpec {
	image := algo.Image
	if image == "" {
		image = e.opts.DefaultImage
	}

	params, err := task.Parameters.Encode()
	if err != nil {
		params = []byte("{}")
	}
	files := task.InputFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, _ := json.Marshal(files)

	env := map[string]string{
		"TASK_ID":          task.ID,
		"TASK_PARAMETERS":  string(params),
		"TASK_INPUT_FILES": string(filesJSON),
	}
	for k, v := range task.Parameters {
		if s, ok := scalarString(v); ok {
			env["PARAM_"+envKey(k)] = s
		}
	}

	return containerization.ExecutionSpec{
		TaskID:           task.ID,
		Image:            image,
		Command:          algo.EntryPoint,
		Env:              env,
		WorkingDir:       e.opts.WorkDir,
		MemoryLimitBytes: capLimit(algo.Requirements.MemoryMB, e.opts.MaxMemoryMB) << 20,
		CPUShares:        capLimit(algo.Requirements.CPUShares, e.opts.MaxCPUShares),
		Network:          e.opts.Network,
		AutoRemove:       true,
	}
}

// capLimit honours a positive request up to limit; anything else gets limit.
func capLimit(requested, limit int64) int64 {
	if requested > 0 && (limit <= 0 || requested <= limit) {
		return requested
	}
	return limit
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, k)
}
