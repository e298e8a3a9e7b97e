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

package fake

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	sdk "github.com/outpost-run/outpost/pkg/aws"
)

// ECSBehavior must be reset between tests otherwise tests will
// pollute each other.
type ECSBehavior struct {
	RunTaskBehavior          MockedFunction[ecs.RunTaskInput, ecs.RunTaskOutput]
	StopTaskBehavior         MockedFunction[ecs.StopTaskInput, ecs.StopTaskOutput]
	DescribeTasksBehavior    MockedFunction[ecs.DescribeTasksInput, ecs.DescribeTasksOutput]
	ListTasksBehavior        MockedFunction[ecs.ListTasksInput, ecs.ListTasksOutput]
	DescribeClustersBehavior MockedFunction[ecs.DescribeClustersInput, ecs.DescribeClustersOutput]

	// Tasks launched through the default RunTask transformer, keyed by ARN.
	Tasks sync.Map
}

type ECSAPI struct {
	sdk.ECSAPI
	ECSBehavior
}

func NewECSAPI() *ECSAPI {
	return &ECSAPI{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *ECSAPI) Reset() {
	e.RunTaskBehavior.Reset()
	e.StopTaskBehavior.Reset()
	e.DescribeTasksBehavior.Reset()
	e.ListTasksBehavior.Reset()
	e.DescribeClustersBehavior.Reset()
	e.Tasks.Range(func(k, v any) bool {
		e.Tasks.Delete(k)
		return true
	})
}

// Task returns the stored task for arn, if the default transformer created one.
func (e *ECSAPI) Task(arn string) (ecstypes.Task, bool) {
	if task, ok := e.Tasks.Load(arn); ok {
		return task.(ecstypes.Task), true
	}
	return ecstypes.Task{}, false
}

// SetTaskStatus overwrites the last status of a stored task so tests can walk
// a task through its lifecycle.
func (e *ECSAPI) SetTaskStatus(arn string, status string) {
	if task, ok := e.Tasks.Load(arn); ok {
		t := task.(ecstypes.Task)
		t.LastStatus = aws.String(status)
		if status == "RUNNING" && t.StartedAt == nil {
			t.StartedAt = aws.Time(time.Now())
		}
		e.Tasks.Store(arn, t)
	}
}

// StopStoredTask marks a stored task STOPPED with the given stop code and the
// container exit code, mirroring what DescribeTasks would eventually report.
func (e *ECSAPI) StopStoredTask(arn string, stopCode ecstypes.TaskStopCode, reason string, exitCode *int32) {
	if task, ok := e.Tasks.Load(arn); ok {
		t := task.(ecstypes.Task)
		t.LastStatus = aws.String("STOPPED")
		t.DesiredStatus = aws.String("STOPPED")
		t.StopCode = stopCode
		t.StoppedReason = aws.String(reason)
		t.StoppedAt = aws.Time(time.Now())
		if len(t.Containers) > 0 {
			t.Containers[0].ExitCode = exitCode
		}
		e.Tasks.Store(arn, t)
	}
}

func (e *ECSAPI) RunTask(_ context.Context, input *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	return e.RunTaskBehavior.Invoke(input, func(input *ecs.RunTaskInput) (*ecs.RunTaskOutput, error) {
		task := ecstypes.Task{
			TaskArn:           aws.String(RandomRuntimeHandle()),
			ClusterArn:        aws.String(lo.FromPtrOr(input.Cluster, DefaultCluster)),
			TaskDefinitionArn: input.TaskDefinition,
			LastStatus:        aws.String("PROVISIONING"),
			DesiredStatus:     aws.String("RUNNING"),
			CreatedAt:         aws.Time(time.Now()),
			StartedBy:         input.StartedBy,
			Overrides:         input.Overrides,
			Tags:              input.Tags,
			Containers:        []ecstypes.Container{{Name: aws.String("worker"), LastStatus: aws.String("PENDING")}},
		}
		e.Tasks.Store(aws.ToString(task.TaskArn), task)
		return &ecs.RunTaskOutput{Tasks: []ecstypes.Task{task}}, nil
	})
}

func (e *ECSAPI) StopTask(_ context.Context, input *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	return e.StopTaskBehavior.Invoke(input, func(input *ecs.StopTaskInput) (*ecs.StopTaskOutput, error) {
		arn := aws.ToString(input.Task)
		e.StopStoredTask(arn, ecstypes.TaskStopCodeUserInitiated, lo.FromPtrOr(input.Reason, "Task stopped by user"), nil)
		if task, ok := e.Task(arn); ok {
			return &ecs.StopTaskOutput{Task: &task}, nil
		}
		return &ecs.StopTaskOutput{}, nil
	})
}

func (e *ECSAPI) DescribeTasks(_ context.Context, input *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	return e.DescribeTasksBehavior.Invoke(input, func(input *ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
		out := &ecs.DescribeTasksOutput{}
		for _, arn := range input.Tasks {
			if task, ok := e.Task(arn); ok {
				out.Tasks = append(out.Tasks, task)
			} else {
				out.Failures = append(out.Failures, ecstypes.Failure{Arn: aws.String(arn), Reason: aws.String("MISSING")})
			}
		}
		return out, nil
	})
}

func (e *ECSAPI) ListTasks(_ context.Context, input *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	return e.ListTasksBehavior.Invoke(input, func(input *ecs.ListTasksInput) (*ecs.ListTasksOutput, error) {
		// ListTasks filters on desired status, not last status, and defaults
		// to RUNNING; stopped tasks drop out as soon as StopTask lands.
		desired := string(input.DesiredStatus)
		if desired == "" {
			desired = "RUNNING"
		}
		out := &ecs.ListTasksOutput{}
		e.Tasks.Range(func(k, v any) bool {
			task := v.(ecstypes.Task)
			if lo.FromPtrOr(task.DesiredStatus, "RUNNING") != desired {
				return true
			}
			if input.StartedBy != nil && aws.ToString(task.StartedBy) != aws.ToString(input.StartedBy) {
				return true
			}
			out.TaskArns = append(out.TaskArns, k.(string))
			return true
		})
		return out, nil
	})
}

func (e *ECSAPI) DescribeClusters(_ context.Context, input *ecs.DescribeClustersInput, _ ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	return e.DescribeClustersBehavior.Invoke(input, func(input *ecs.DescribeClustersInput) (*ecs.DescribeClustersOutput, error) {
		running := 0
		e.Tasks.Range(func(_, v any) bool {
			if aws.ToString(v.(ecstypes.Task).LastStatus) == "RUNNING" {
				running++
			}
			return true
		})
		return &ecs.DescribeClustersOutput{
			Clusters: []ecstypes.Cluster{{
				ClusterName:       aws.String(DefaultCluster),
				Status:            aws.String("ACTIVE"),
				RunningTasksCount: int32(running),
			}},
		}, nil
	})
}
