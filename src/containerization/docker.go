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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"algoworker/src/logging"
)

const defaultPIDsLimit = 256

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DockerRuntime runs sandbox units as Docker containers. It remembers which
// containers it created so the reaper can tell live units from orphans.
type DockerRuntime struct {
	cli client.APIClient

	mu     sync.Mutex
	active map[string]string // container id -> task id
}

func NewDockerRuntime(cli client.APIClient) *DockerRuntime {
	return &DockerRuntime{
		cli:    cli,
		active: make(map[string]string),
	}
}

func (r *DockerRuntime) Create(ctx context.Context, spec ExecutionSpec) (string, error) {
	cfg, hostCfg, netCfg := containerConfig(spec)
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName(spec.TaskID))
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		logging.LogAttrs(ctx, slog.LevelWarn, "container create warning",
			slog.String("task_id", spec.TaskID), slog.String("warning", w))
	}

	r.mu.Lock()
	r.active[resp.ID] = spec.TaskID
	r.mu.Unlock()
	return resp.ID, nil
}

func (r *DockerRuntime) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		// Both streams go to the same writer: the unit's combined output.
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		pw.CloseWithError(err)
	}()
	return &attachedStream{PipeReader: pr, resp: resp}, nil
}

type attachedStream struct {
	*io.PipeReader
	resp types.HijackedResponse
	once sync.Once
}

func (s *attachedStream) Close() error {
	s.once.Do(func() {
		s.resp.Close()
		s.PipeReader.Close()
	})
	return nil
}

func (r *DockerRuntime) Wait(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	// Auto-removed containers are waited on until removal, as the docker CLI does.
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionRemoved)
	go func() {
		defer r.untrack(id)
		select {
		case st := <-statusCh:
			if st.Error != nil && st.Error.Message != "" {
				out <- WaitResult{StatusCode: st.StatusCode, Err: errors.New(st.Error.Message)}
				return
			}
			out <- WaitResult{StatusCode: st.StatusCode}
		case err := <-errCh:
			out <- WaitResult{Err: fmt.Errorf("waiting for container: %w", err)}
		case <-ctx.Done():
			// The unit is no longer ours to wait on; the reaper takes it from here.
			out <- WaitResult{Err: fmt.Errorf("waiting for container: %w", context.Cause(ctx))}
		}
	}()
	return out
}

func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Terminate(ctx context.Context, id string) error {
	err := r.cli.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		// Conflict means the container is no longer running.
		return nil
	}
	return fmt.Errorf("killing container: %w", err)
}

func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	defer r.untrack(id)
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err == nil || cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("removing container: %w", err)
}

func (r *DockerRuntime) untrack(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

func (r *DockerRuntime) tracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Active returns the ids of the containers this runtime still owns.
func (r *DockerRuntime) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func containerName(taskID string) string {
	name := invalidNameChars.ReplaceAllString(taskID, "-")
	if len(name) > 40 {
		name = name[:40]
	}
	return fmt.Sprintf("algoworker-%s-%s", name, uuid.NewString()[:8])
}

func containerConfig(spec ExecutionSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          slices.Clone(spec.Command),
		Env:          env,
		WorkingDir:   spec.WorkingDir,
		Tty:          false,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelTaskID:  spec.TaskID,
		},
	}

	pids := int64(defaultPIDsLimit)
	hostCfg := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
		Resources: container.Resources{
			Memory:     spec.MemoryLimitBytes,
			MemorySwap: spec.MemoryLimitBytes,
			CPUShares:  spec.CPUShares,
			PidsLimit:  &pids,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}

	var netCfg *network.NetworkingConfig
	switch spec.Network {
	case "":
	case "none":
		hostCfg.NetworkMode = container.NetworkMode("none")
	default:
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}
	return cfg, hostCfg, netCfg
}
