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

package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/go-logr/logr"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/batcher"
	awscache "github.com/outpost-run/outpost/pkg/cache"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/utils"
)

const (
	// WorkerContainerName is the container every task definition names its
	// agent process; env overrides and log streams key on it.
	WorkerContainerName = "worker"
	startedBy           = "outpost"

	// Fargate rejects ephemeral storage overrides below this floor.
	minEphemeralStorageGb = 21
)

// Worker tag keys. Tag values never include secret material.
const (
	AgentTagKey    = "outpost.run/agent"
	DispatchTagKey = "outpost.run/dispatch-id"
	TenantTagKey   = "outpost.run/tenant-id"
	RoleTagKey     = "outpost.run/role"
	ManagedTagKey  = "outpost.run/managed"
)

type ECSProvider struct {
	api                 sdk.ECSAPI
	describeTaskBatcher *batcher.DescribeTasksBatcher
	unavailableCapacity *awscache.UnavailableCapacity

	cluster        string
	subnets        []string
	securityGroups []string
	assignPublicIP bool
}

func NewECSProvider(ctx context.Context, api sdk.ECSAPI, unavailableCapacity *awscache.UnavailableCapacity, cluster string, subnets, securityGroups []string, assignPublicIP bool) *ECSProvider {
	return &ECSProvider{
		api:                 api,
		describeTaskBatcher: batcher.NewDescribeTasksBatcher(ctx, api),
		unavailableCapacity: unavailableCapacity,
		cluster:             cluster,
		subnets:             subnets,
		securityGroups:      securityGroups,
		assignPublicIP:      assignPublicIP,
	}
}

func (p *ECSProvider) Launch(ctx context.Context, spec *LaunchSpec) (string, error) {
	if p.unavailableCapacity.IsUnavailable(spec.Agent) {
		return "", errors.New(v1.ErrorKindUnavailable, "capacity for agent %q is unavailable, retry after %s", spec.Agent, p.unavailableCapacity.RetryAfter(spec.Agent).Round(time.Second))
	}
	out, err := p.api.RunTask(ctx, p.runTaskInput(spec))
	if err != nil {
		if errors.IsAWSTransient(err) {
			return "", errors.Wrap(v1.ErrorKindTransient, err, "launching worker for agent %q", spec.Agent)
		}
		return "", errors.Wrap(v1.ErrorKindLaunch, err, "launching worker for agent %q", spec.Agent)
	}
	if len(out.Tasks) == 0 {
		return "", p.launchFailure(ctx, spec.Agent, out.Failures)
	}
	handle := aws.ToString(out.Tasks[0].TaskArn)
	logr.FromContextOrDiscard(ctx).V(1).Info("launched worker",
		"agent", spec.Agent,
		"runtime-handle", handle,
		"dispatch-id", spec.DispatchID,
	)
	return handle, nil
}

func (p *ECSProvider) Stop(ctx context.Context, runtimeHandle, reason string) error {
	if _, err := p.api.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(p.cluster),
		Task:    aws.String(runtimeHandle),
		Reason:  aws.String(reason),
	}); err != nil {
		// Stopping a task that already stopped or aged out is a no-op.
		if errors.IsAWSNotFound(err) || isMissingTask(err) {
			return nil
		}
		return errors.ClassifyAWS(err, "stopping worker %s", runtimeHandle)
	}
	return nil
}

func (p *ECSProvider) Describe(ctx context.Context, runtimeHandle string) (*Status, error) {
	out, err := p.describeTaskBatcher.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(p.cluster),
		Tasks:   []string{runtimeHandle},
	})
	if err != nil {
		return nil, errors.ClassifyAWS(err, "describing worker %s", runtimeHandle)
	}
	if len(out.Tasks) == 0 {
		// ECS forgets stopped tasks after about an hour; a missing task reads
		// as unknown, not as an error.
		return &Status{RuntimeHandle: runtimeHandle, State: StateUnknown}, nil
	}
	return statusFromTask(out.Tasks[0]), nil
}

// List pages through every task this control plane started that ECS still
// wants running. The startedBy filter scopes the listing to our own launches
// even when the cluster is shared.
func (p *ECSProvider) List(ctx context.Context) ([]string, error) {
	var handles []string
	input := &ecs.ListTasksInput{
		Cluster:   aws.String(p.cluster),
		StartedBy: aws.String(startedBy),
	}
	for {
		out, err := p.api.ListTasks(ctx, input)
		if err != nil {
			return nil, errors.ClassifyAWS(err, "listing workers")
		}
		handles = append(handles, out.TaskArns...)
		if out.NextToken == nil {
			return handles, nil
		}
		input.NextToken = out.NextToken
	}
}

func (p *ECSProvider) runTaskInput(spec *LaunchSpec) *ecs.RunTaskInput {
	override := ecstypes.ContainerOverride{
		Name:        aws.String(WorkerContainerName),
		Environment: environmentFor(spec.Env),
	}
	taskOverride := &ecstypes.TaskOverride{ContainerOverrides: []ecstypes.ContainerOverride{override}}
	if spec.CpuUnits > 0 {
		taskOverride.Cpu = aws.String(strconv.Itoa(spec.CpuUnits))
	}
	if spec.MemoryMb > 0 {
		taskOverride.Memory = aws.String(strconv.Itoa(spec.MemoryMb))
	}
	if spec.DiskGb >= minEphemeralStorageGb {
		taskOverride.EphemeralStorage = &ecstypes.EphemeralStorage{SizeInGiB: int32(spec.DiskGb)}
	}
	assignPublicIP := ecstypes.AssignPublicIpDisabled
	if p.assignPublicIP {
		assignPublicIP = ecstypes.AssignPublicIpEnabled
	}
	role := "warm"
	if spec.DispatchID != "" {
		role = "dispatch"
	}
	return &ecs.RunTaskInput{
		Cluster:        aws.String(p.cluster),
		TaskDefinition: aws.String(spec.TaskDefinition),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		StartedBy:      aws.String(startedBy),
		Overrides:      taskOverride,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        p.subnets,
				SecurityGroups: p.securityGroups,
				AssignPublicIp: assignPublicIP,
			},
		},
		Tags: utils.MergeTags(
			spec.Tags,
			map[string]string{AgentTagKey: spec.Agent, RoleTagKey: role, ManagedTagKey: "true"},
			lo.Ternary(spec.DispatchID != "", map[string]string{DispatchTagKey: spec.DispatchID}, nil),
			lo.Ternary(spec.TenantID != "", map[string]string{TenantTagKey: spec.TenantID}, nil),
		),
	}
}

func (p *ECSProvider) launchFailure(ctx context.Context, agent string, failures []ecstypes.Failure) error {
	reasons := lo.Map(failures, func(f ecstypes.Failure, _ int) string {
		return fmt.Sprintf("%s: %s", aws.ToString(f.Reason), aws.ToString(f.Detail))
	})
	reason := strings.Join(reasons, "; ")
	if isCapacityFailure(failures) {
		p.unavailableCapacity.MarkUnavailable(ctx, agent, reason)
		return errors.New(v1.ErrorKindUnavailable, "no capacity for agent %q, %s", agent, reason)
	}
	return errors.New(v1.ErrorKindLaunch, "run task returned no tasks for agent %q, %s", agent, reason)
}

func isCapacityFailure(failures []ecstypes.Failure) bool {
	return lo.SomeBy(failures, func(f ecstypes.Failure) bool {
		reason := aws.ToString(f.Reason)
		return strings.Contains(reason, "Capacity is unavailable") || strings.HasPrefix(reason, "RESOURCE:")
	})
}

func isMissingTask(err error) bool {
	var invalid *ecstypes.InvalidParameterException
	return stderrors.As(err, &invalid) && strings.Contains(invalid.ErrorMessage(), "task was not found")
}

func statusFromTask(task ecstypes.Task) *Status {
	status := &Status{
		RuntimeHandle: aws.ToString(task.TaskArn),
		CreatedAt:     task.CreatedAt,
		StartedAt:     task.StartedAt,
		StoppedAt:     task.StoppedAt,
		StopReason:    aws.ToString(task.StoppedReason),
		StopCode:      v1.StopCode(task.StopCode),
	}
	switch aws.ToString(task.LastStatus) {
	case "RUNNING":
		status.State = StateRunning
	case "STOPPED", "DEPROVISIONING", "STOPPING":
		status.State = StateStopped
	default:
		status.State = StateProvisioning
	}
	for _, container := range task.Containers {
		if aws.ToString(container.Name) == WorkerContainerName && container.ExitCode != nil {
			status.ExitCode = lo.ToPtr(int(*container.ExitCode))
		}
	}
	return status
}

func environmentFor(env map[string]string) []ecstypes.KeyValuePair {
	keys := lo.Keys(env)
	sort.Strings(keys)
	return lo.Map(keys, func(key string, _ int) ecstypes.KeyValuePair {
		return ecstypes.KeyValuePair{Name: aws.String(key), Value: aws.String(env[key])}
	})
}
