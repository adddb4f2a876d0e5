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

package containerization

import (
	"context"
	"io"
)

const (
	LabelManaged = "algoworker.managed"
	LabelTaskID  = "algoworker.task_id"
)

// ExecutionSpec describes one sandbox unit. It lives only for a single run.
type ExecutionSpec struct {
	TaskID           string
	Image            string
	Command          []string // empty runs the image's default command
	Env              map[string]string
	WorkingDir       string
	MemoryLimitBytes int64
	CPUShares        int64
	Network          string // "none" disables networking
	AutoRemove       bool
}

type WaitResult struct {
	StatusCode int64
	Err        error
}

// Runtime drives isolated execution units. Attach and Wait must be called
// before Start so that no output or exit status is missed.
type Runtime interface {
	Create(ctx context.Context, spec ExecutionSpec) (string, error)
	// Attach returns the combined stdout/stderr stream of the unit.
	Attach(ctx context.Context, id string) (io.ReadCloser, error)
	// Wait delivers exactly one result once the unit exits, or an error once
	// ctx is cancelled.
	Wait(ctx context.Context, id string) <-chan WaitResult
	Start(ctx context.Context, id string) error
	// Terminate kills the unit. A unit that is already gone counts as terminated.
	Terminate(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}
