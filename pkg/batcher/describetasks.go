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

package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/go-logr/logr"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	sdk "github.com/outpost-run/outpost/pkg/aws"
)

// DescribeTasks accepts at most 100 task ARNs per call.
const maxTasksPerDescribe = 100

type DescribeTasksBatcher struct {
	batcher *Batcher[ecs.DescribeTasksInput, ecs.DescribeTasksOutput]
}

func NewDescribeTasksBatcher(ctx context.Context, ecsapi sdk.ECSAPI) *DescribeTasksBatcher {
	options := Options[ecs.DescribeTasksInput, ecs.DescribeTasksOutput]{
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      maxTasksPerDescribe,
		RequestHasher: ClusterHasher,
		BatchExecutor: execDescribeTasksBatch(ecsapi),
	}
	return &DescribeTasksBatcher{batcher: NewBatcher(ctx, options)}
}

func (b *DescribeTasksBatcher) DescribeTasks(ctx context.Context, describeTasksInput *ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
	if len(describeTasksInput.Tasks) != 1 {
		return nil, fmt.Errorf("expected to receive a single task only, found %d", len(describeTasksInput.Tasks))
	}
	result := b.batcher.Add(ctx, describeTasksInput)
	return result.Output, result.Err
}

func ClusterHasher(ctx context.Context, input *ecs.DescribeTasksInput) uint64 {
	hash, err := hashstructure.Hash(input.Cluster, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed hashing input cluster")
	}
	return hash
}

func execDescribeTasksBatch(ecsapi sdk.ECSAPI) BatchExecutor[ecs.DescribeTasksInput, ecs.DescribeTasksOutput] {
	return func(ctx context.Context, inputs []*ecs.DescribeTasksInput) []Result[ecs.DescribeTasksOutput] {
		results := make([]Result[ecs.DescribeTasksOutput], len(inputs))
		firstInput := inputs[0]
		// aggregate task ARNs into 1 input
		for _, input := range inputs[1:] {
			firstInput.Tasks = append(firstInput.Tasks, input.Tasks...)
		}

		missingTaskARNs := lo.SliceToMap(firstInput.Tasks, func(arn string) (string, struct{}) { return arn, struct{}{} })

		// Execute fully aggregated request
		// We don't care about the error here since we'll break up the batch upon any sort of failure
		out, err := ecsapi.DescribeTasks(ctx, firstInput)
		if err == nil {
			for _, task := range out.Tasks {
				arn := aws.ToString(task.TaskArn)
				if _, reqID, ok := lo.FindLastIndexOf(inputs, func(input *ecs.DescribeTasksInput) bool {
					return input.Tasks[0] == arn
				}); ok {
					delete(missingTaskARNs, arn)
					t := task
					results[reqID] = Result[ecs.DescribeTasksOutput]{Output: &ecs.DescribeTasksOutput{
						Tasks: []ecstypes.Task{t},
					}}
				}
			}
		}

		// A task the aggregated call did not return (reported as a failure or
		// hit by a transient fault) is retried individually so one bad ARN
		// cannot poison the whole batch.
		var wg sync.WaitGroup
		for taskARN := range missingTaskARNs {
			wg.Add(1)
			go func(taskARN string) {
				defer wg.Done()
				// try to execute separately
				out, err := ecsapi.DescribeTasks(ctx, &ecs.DescribeTasksInput{
					Cluster: firstInput.Cluster,
					Tasks:   []string{taskARN},
				})
				_, reqID, ok := lo.FindIndexOf(inputs, func(input *ecs.DescribeTasksInput) bool {
					return input.Tasks[0] == taskARN
				})
				if !ok {
					return
				}
				results[reqID] = Result[ecs.DescribeTasksOutput]{Output: out, Err: err}
			}(taskARN)
		}
		wg.Wait()
		return results
	}
}
