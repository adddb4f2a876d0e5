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
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"algoworker/src/logging"
)

// EnsureSandboxNetwork creates or retrieves the bridge network sandbox units join.
// External access stays open; ExtraHosts in the container config blocks host services.
func EnsureSandboxNetwork(ctx context.Context, cli client.APIClient, name string) (string, error) {
	if name == "" || name == "none" {
		return "", nil
	}

	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}

	for _, n := range networks {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}

	return resp.ID, nil
}

// EnsureImage pulls ref, blocking until the pull has finished.
func EnsureImage(ctx context.Context, cli client.APIClient, ref string) error {
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// ReapOrphans force-removes managed containers this runtime does not own,
// typically left behind by a previous crashed worker.
func (r *DockerRuntime) ReapOrphans(ctx context.Context) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing managed containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if r.tracked(c.ID) {
			continue
		}
		logging.LogAttrs(ctx, slog.LevelInfo, "removing orphaned container",
			slog.String("container_id", shortID(c.ID)),
			slog.String("task_id", c.Labels[LabelTaskID]),
		)
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			logging.Log(fmt.Sprintf("failed to remove orphaned container %s: %v", shortID(c.ID), err), slog.LevelWarn)
			continue
		}
		removed++
	}
	return removed, nil
}

func RunContainerReaper(ctx context.Context, r *DockerRuntime, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if _, err := r.ReapOrphans(sweepCtx); err != nil {
				logging.Log(fmt.Sprintf("container reaper: %v", err), slog.LevelWarn)
			}
			cancel()
		}
	}
}

// CleanupActiveContainers removes every container still owned by r. Used on shutdown.
func (r *DockerRuntime) CleanupActiveContainers(ctx context.Context) {
	for _, id := range r.Active() {
		logging.Log(fmt.Sprintf("Cleaning up active container %s...", shortID(id)), slog.LevelInfo)
		if err := r.Remove(ctx, id); err != nil {
			logging.Log(fmt.Sprintf("failed to remove container %s: %v", shortID(id), err), slog.LevelWarn)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
