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
	"fmt"
	"io"
	"sync"

	"algoworker/src/containerization"
)

// fakeRuntime plays a scripted unit: after Start it writes chunks, waits for
// gate (when set), then exits with exitCode. A hanging unit only exits once
// terminated or removed. An instant unit has already exited when Start returns.
type fakeRuntime struct {
	chunks   []string
	exitCode int64
	gate     chan struct{}
	hang     bool
	instant  bool
	onStart  func()

	createPanic any
	startPanic  any

	createErr    error
	attachErr    error
	startErr     error
	waitErr      error
	terminateErr error

	mu         sync.Mutex
	specs      []containerization.ExecutionSpec
	units      map[string]*fakeUnit
	started    int
	terminated int
	removed    int
	waitCtxs   []context.Context
}

type fakeUnit struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	wait chan containerization.WaitResult
	stop chan struct{}
	once sync.Once
}

func (u *fakeUnit) kill() { u.once.Do(func() { close(u.stop) }) }

func newFakeRuntime(chunks ...string) *fakeRuntime {
	return &fakeRuntime{chunks: chunks, units: make(map[string]*fakeUnit)}
}

func (f *fakeRuntime) Create(ctx context.Context, spec containerization.ExecutionSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.createPanic != nil {
		panic(f.createPanic)
	}
	if f.createErr != nil {
		return "", f.createErr
	}
	pr, pw := io.Pipe()
	id := fmt.Sprintf("unit-%d", len(f.specs))
	f.units[id] = &fakeUnit{pr: pr, pw: pw, wait: make(chan containerization.WaitResult, 1), stop: make(chan struct{})}
	return id, nil
}

func (f *fakeRuntime) unit(id string) *fakeUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units[id]
}

func (f *fakeRuntime) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return f.unit(id).pr, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) <-chan containerization.WaitResult {
	f.mu.Lock()
	f.waitCtxs = append(f.waitCtxs, ctx)
	f.mu.Unlock()
	return f.unit(id).wait
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	if f.startPanic != nil {
		panic(f.startPanic)
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started++
	f.mu.Unlock()

	u := f.unit(id)
	if f.onStart != nil {
		defer f.onStart()
	}
	if f.instant {
		u.pw.Close()
		u.wait <- containerization.WaitResult{StatusCode: f.exitCode}
		return nil
	}
	go func() {
		for _, c := range f.chunks {
			if _, err := u.pw.Write([]byte(c)); err != nil {
				break
			}
		}
		code := f.exitCode
		switch {
		case f.hang:
			<-u.stop
			code = 137
		case f.gate != nil:
			select {
			case <-f.gate:
			case <-u.stop:
				code = 137
			}
		}
		u.pw.Close()
		if f.waitErr != nil {
			u.wait <- containerization.WaitResult{Err: f.waitErr}
			return
		}
		u.wait <- containerization.WaitResult{StatusCode: code}
	}()
	return nil
}

func (f *fakeRuntime) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	f.terminated++
	f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	if u := f.unit(id); u != nil {
		u.kill()
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
	if u := f.unit(id); u != nil {
		u.kill()
	}
	return nil
}

func (f *fakeRuntime) counts() (started, terminated, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.terminated, f.removed
}

func (f *fakeRuntime) waitContexts() []context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]context.Context(nil), f.waitCtxs...)
}

func (f *fakeRuntime) lastSpec() containerization.ExecutionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}
