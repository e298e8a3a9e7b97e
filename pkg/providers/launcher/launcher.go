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

// Package launcher composes launch descriptors: environment merge, resource
// overrides under agent ceilings, workspace mount, and the bootstrap document
// that tells a worker what to run.
package launcher

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/blob"
	"github.com/outpost-run/outpost/pkg/providers/launcher/bootstrap"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/providers/secrets"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
	"github.com/outpost-run/outpost/pkg/utils"
)

const (
	// AssignmentPrefix is where warm workers poll for their assignment
	// object, keyed by their own task id.
	AssignmentPrefix = "assignments/"
	// StagingPrefix is where workers stage outputs before publication.
	StagingPrefix = "staging/"

	assignmentContentType = "application/toml"
)

type Provider interface {
	// Launch cold-starts a worker for the dispatch and returns its runtime
	// handle.
	Launch(ctx context.Context, record *v1.Dispatch, bundle *secrets.Bundle) (string, error)
	// Bind assigns the dispatch to an acquired warm slot by writing its
	// assignment object, returning the slot id as the runtime handle.
	Bind(ctx context.Context, record *v1.Dispatch, bundle *secrets.Bundle, slot *v1.Slot) (string, error)
	// LaunchPlaceholder starts an idle pool worker for the agent.
	LaunchPlaceholder(ctx context.Context, agent *agents.Agent) (string, error)
}

type DefaultProvider struct {
	runtimeProvider   runtime.Provider
	workspaceProvider workspace.Provider
	blobProvider      blob.Provider
	registry          *agents.Registry
	logGroup          string
}

func NewDefaultProvider(runtimeProvider runtime.Provider, workspaceProvider workspace.Provider, blobProvider blob.Provider, registry *agents.Registry, logGroup string) *DefaultProvider {
	return &DefaultProvider{
		runtimeProvider:   runtimeProvider,
		workspaceProvider: workspaceProvider,
		blobProvider:      blobProvider,
		registry:          registry,
		logGroup:          logGroup,
	}
}

func (p *DefaultProvider) Launch(ctx context.Context, record *v1.Dispatch, bundle *secrets.Bundle) (string, error) {
	agent, err := p.registry.Get(record.Agent)
	if err != nil {
		return "", err
	}
	// Deterministic rejects come before the workspace claim so a refused
	// launch never leaves a lease behind.
	if err := checkAliases(agent, record); err != nil {
		return "", err
	}
	resources, err := resourcesFor(agent, record.Constraints)
	if err != nil {
		return "", err
	}
	mount, err := p.workspaceProvider.Prepare(ctx, record)
	if err != nil {
		return "", err
	}
	encoded, err := p.document(record, mount).EncodeEnv()
	if err != nil {
		return "", err
	}
	env := lo.Assign(map[string]string{}, agent.Env, bundle.Env())
	env[bootstrap.EnvKey] = encoded
	handle, err := p.runtimeProvider.Launch(ctx, &runtime.LaunchSpec{
		Agent:          agent.Name,
		TaskDefinition: agent.TaskDefinition,
		Image:          agent.Image,
		DispatchID:     record.DispatchID,
		TenantID:       record.TenantID,
		Env:            env,
		CpuUnits:       resources.cpuUnits,
		MemoryMb:       resources.memoryMb,
		DiskGb:         resources.diskGb,
		Tags:           record.Tags,
	})
	if err != nil {
		return "", err
	}
	logr.FromContextOrDiscard(ctx).Info("cold launched worker",
		"dispatch-id", record.DispatchID,
		"agent", agent.Name,
		"runtime-handle", handle,
	)
	return handle, nil
}

// Bind never touches the bundle values: resolved secrets must not reach the
// blob store, so the assignment carries handles and the worker resolves them
// in place. The bundle argument exists so callers resolve once and fail fast
// on either path.
func (p *DefaultProvider) Bind(ctx context.Context, record *v1.Dispatch, _ *secrets.Bundle, slot *v1.Slot) (string, error) {
	agent, err := p.registry.Get(record.Agent)
	if err != nil {
		return "", err
	}
	if err := checkAliases(agent, record); err != nil {
		return "", err
	}
	mount, err := p.workspaceProvider.Prepare(ctx, record)
	if err != nil {
		return "", err
	}
	doc := p.document(record, mount)
	doc.SecretHandles = lo.Assign(map[string]string{}, agent.Secrets, record.AdditionalSecrets)
	raw, err := doc.Encode()
	if err != nil {
		return "", err
	}
	if err := p.blobProvider.Put(ctx, AssignmentKey(slot.SlotID), raw, assignmentContentType); err != nil {
		return "", err
	}
	logr.FromContextOrDiscard(ctx).Info("bound dispatch to warm worker",
		"dispatch-id", record.DispatchID,
		"agent", agent.Name,
		"runtime-handle", slot.SlotID,
	)
	return slot.SlotID, nil
}

func (p *DefaultProvider) LaunchPlaceholder(ctx context.Context, agent *agents.Agent) (string, error) {
	return p.runtimeProvider.Launch(ctx, &runtime.LaunchSpec{
		Agent:          agent.Name,
		TaskDefinition: agent.TaskDefinition,
		Image:          agent.Image,
		Env:            agent.Env,
		CpuUnits:       agent.Defaults.CpuUnits,
		MemoryMb:       agent.Defaults.MemoryMb,
	})
}

func (p *DefaultProvider) document(record *v1.Dispatch, mount *workspace.Mount) *bootstrap.Document {
	return &bootstrap.Document{
		DispatchID:     record.DispatchID,
		TenantID:       record.TenantID,
		Agent:          record.Agent,
		ModelID:        record.ModelID,
		Task:           record.Task,
		TimeoutSeconds: record.TimeoutSeconds,
		ContextLevel:   string(record.ContextLevel),
		Workspace: bootstrap.Workspace{
			Kind:      string(mount.Kind),
			CloneMode: string(mount.CloneMode),
			Volume:    mount.Volume,
			Repo:      mount.Repo,
			Branch:    mount.Branch,
		},
		ArtifactPrefix: StagingPrefixFor(record.DispatchID),
		LogGroup:       p.logGroup,
	}
}

// checkAliases re-validates the caller's secret aliases against the deny list
// and the composed base environment. Request validation already rejects these,
// but the launcher is the last line before injection.
func checkAliases(agent *agents.Agent, record *v1.Dispatch) error {
	var errs error
	for _, alias := range record.AdditionalSecrets {
		if denied := v1.DeniedEnvKey(alias); denied != "" {
			errs = multierr.Append(errs, errors.New(v1.ErrorKindValidation, "secret alias %q matches denied prefix %q", alias, denied))
			continue
		}
		if _, taken := agent.Env[alias]; taken {
			errs = multierr.Append(errs, errors.New(v1.ErrorKindValidation, "secret alias %q collides with a base environment key", alias))
			continue
		}
		if lo.Contains(lo.Values(agent.Secrets), alias) {
			errs = multierr.Append(errs, errors.New(v1.ErrorKindValidation, "secret alias %q collides with an agent secret alias", alias))
		}
	}
	return errs
}

type resources struct {
	cpuUnits int
	memoryMb int
	diskGb   int
}

// resourcesFor applies caller constraints over agent defaults. Overrides
// above the agent ceiling are rejected rather than clamped silently.
func resourcesFor(agent *agents.Agent, constraints *v1.Constraints) (resources, error) {
	out := resources{cpuUnits: agent.Defaults.CpuUnits, memoryMb: agent.Defaults.MemoryMb}
	if constraints == nil {
		return out, nil
	}
	var errs error
	if constraints.MaxCpuUnits > 0 {
		if ceiling := agent.Ceilings.MaxCpuUnits; ceiling > 0 && constraints.MaxCpuUnits > ceiling {
			errs = multierr.Append(errs, errors.New(v1.ErrorKindValidation, "constraints.maxCpuUnits %d exceeds the %s ceiling %d", constraints.MaxCpuUnits, agent.Name, ceiling))
		} else {
			out.cpuUnits = constraints.MaxCpuUnits
		}
	}
	if constraints.MaxMemoryMb > 0 {
		if ceiling := agent.Ceilings.MaxMemoryMb; ceiling > 0 && constraints.MaxMemoryMb > ceiling {
			errs = multierr.Append(errs, errors.New(v1.ErrorKindValidation, "constraints.maxMemoryMb %d exceeds the %s ceiling %d", constraints.MaxMemoryMb, agent.Name, ceiling))
		} else {
			out.memoryMb = constraints.MaxMemoryMb
		}
	}
	if constraints.MaxDiskGb > 0 {
		if ceiling := agent.Ceilings.MaxDiskGb; ceiling > 0 && constraints.MaxDiskGb > ceiling {
			errs = multierr.Append(errs, errors.New(v1.ErrorKindValidation, "constraints.maxDiskGb %d exceeds the %s ceiling %d", constraints.MaxDiskGb, agent.Name, ceiling))
		} else {
			out.diskGb = constraints.MaxDiskGb
		}
	}
	if errs != nil {
		return resources{}, errs
	}
	return out, nil
}

// AssignmentKey is the object a warm worker polls for its assignment, keyed
// by the short task id so a worker can derive it from runtime metadata.
func AssignmentKey(slotID string) string {
	if taskID, err := utils.ParseTaskID(slotID); err == nil {
		return AssignmentPrefix + taskID + ".toml"
	}
	return AssignmentPrefix + slotID + ".toml"
}

// StagingPrefixFor keys staged worker outputs by dispatch id: it is known
// before a runtime handle exists and stays identical across warm and cold
// paths.
func StagingPrefixFor(dispatchID string) string {
	return StagingPrefix + dispatchID + "/"
}
