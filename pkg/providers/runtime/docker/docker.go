/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package docker runs workers as local containers. It exists for development
// and single-host deployments; production runs on ECS.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/go-logr/logr"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/utils"
)

const stopGraceSeconds = 30

type Provider struct {
	api client.APIClient
}

func NewProvider(api client.APIClient) *Provider {
	return &Provider{api: api}
}

func (p *Provider) Launch(ctx context.Context, spec *runtime.LaunchSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Env:    environmentFor(spec.Env),
		Labels: labelsFor(spec),
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(spec.MemoryMb) * 1024 * 1024,
			NanoCPUs: int64(spec.CpuUnits) * 1e9 / 1024,
		},
	}
	created, err := p.api.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName(spec))
	if err != nil {
		return "", errors.Wrap(v1.ErrorKindLaunch, err, "creating worker container for agent %q", spec.Agent)
	}
	if err := p.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", errors.Wrap(v1.ErrorKindLaunch, err, "starting worker container for agent %q", spec.Agent)
	}
	handle := utils.DockerHandle(created.ID)
	logr.FromContextOrDiscard(ctx).V(1).Info("launched worker container",
		"agent", spec.Agent,
		"runtime-handle", handle,
		"dispatch-id", spec.DispatchID,
	)
	return handle, nil
}

func (p *Provider) Stop(ctx context.Context, runtimeHandle, reason string) error {
	containerID, err := utils.ParseContainerID(runtimeHandle)
	if err != nil {
		return errors.Wrap(v1.ErrorKindValidation, err, "stopping worker")
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("stopping worker container", "runtime-handle", runtimeHandle, "reason", reason)
	if err := p.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: lo.ToPtr(stopGraceSeconds)}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping worker container %s, %w", containerID, err)
	}
	return nil
}

func (p *Provider) Describe(ctx context.Context, runtimeHandle string) (*runtime.Status, error) {
	containerID, err := utils.ParseContainerID(runtimeHandle)
	if err != nil {
		return nil, errors.Wrap(v1.ErrorKindValidation, err, "describing worker")
	}
	inspected, err := p.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &runtime.Status{RuntimeHandle: runtimeHandle, State: runtime.StateUnknown}, nil
		}
		return nil, fmt.Errorf("inspecting worker container %s, %w", containerID, err)
	}
	status := &runtime.Status{RuntimeHandle: runtimeHandle}
	if createdAt, ok := parseDockerTime(inspected.Created); ok {
		status.CreatedAt = &createdAt
	}
	state := inspected.State
	if state == nil {
		status.State = runtime.StateUnknown
		return status, nil
	}
	if startedAt, ok := parseDockerTime(state.StartedAt); ok {
		status.StartedAt = &startedAt
	}
	switch state.Status {
	case "running", "paused":
		status.State = runtime.StateRunning
	case "exited", "dead", "removing":
		status.State = runtime.StateStopped
		status.StopCode = v1.StopCodeEssentialContainerExited
		status.ExitCode = lo.ToPtr(state.ExitCode)
		status.StopReason = lo.Ternary(state.OOMKilled, "container was OOM killed", "container exited")
		if stoppedAt, ok := parseDockerTime(state.FinishedAt); ok {
			status.StoppedAt = &stoppedAt
		}
	default:
		status.State = runtime.StateProvisioning
	}
	return status, nil
}

// List returns the handles of running containers carrying the managed label.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	containers, err := p.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", runtime.ManagedTagKey+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("listing worker containers, %w", err)
	}
	return lo.Map(containers, func(c container.Summary, _ int) string {
		return utils.DockerHandle(c.ID)
	}), nil
}

func containerName(spec *runtime.LaunchSpec) string {
	if spec.DispatchID != "" {
		return fmt.Sprintf("outpost-%s-%s", spec.Agent, spec.DispatchID)
	}
	return fmt.Sprintf("outpost-%s-warm-%d", spec.Agent, time.Now().UnixNano())
}

func labelsFor(spec *runtime.LaunchSpec) map[string]string {
	return lo.Assign(
		map[string]string{runtime.AgentTagKey: spec.Agent, runtime.ManagedTagKey: "true"},
		lo.Ternary(spec.DispatchID != "", map[string]string{runtime.DispatchTagKey: spec.DispatchID}, nil),
		lo.Ternary(spec.TenantID != "", map[string]string{runtime.TenantTagKey: spec.TenantID}, nil),
	)
}

func environmentFor(env map[string]string) []string {
	pairs := lo.MapToSlice(env, func(k, v string) string { return fmt.Sprintf("%s=%s", k, v) })
	sort.Strings(pairs)
	return pairs
}

func parseDockerTime(value string) (time.Time, bool) {
	if value == "" || strings.HasPrefix(value, "0001-") {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
