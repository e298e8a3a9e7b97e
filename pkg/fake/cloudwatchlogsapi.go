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
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	sdk "github.com/outpost-run/outpost/pkg/aws"
)

// CloudWatchLogsBehavior must be reset between tests otherwise tests will
// pollute each other.
type CloudWatchLogsBehavior struct {
	GetLogEventsBehavior MockedFunction[cloudwatchlogs.GetLogEventsInput, cloudwatchlogs.GetLogEventsOutput]

	// Streams seeds stream name -> lines for the default transformer.
	Streams sync.Map
}

type CloudWatchLogsAPI struct {
	sdk.CloudWatchLogsAPI
	CloudWatchLogsBehavior
}

func NewCloudWatchLogsAPI() *CloudWatchLogsAPI {
	return &CloudWatchLogsAPI{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (c *CloudWatchLogsAPI) Reset() {
	c.GetLogEventsBehavior.Reset()
	c.Streams.Range(func(k, v any) bool {
		c.Streams.Delete(k)
		return true
	})
}

// SeedStream stores log lines for a stream.
func (c *CloudWatchLogsAPI) SeedStream(stream string, lines []string) {
	c.Streams.Store(stream, lines)
}

func (c *CloudWatchLogsAPI) GetLogEvents(_ context.Context, input *cloudwatchlogs.GetLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	return c.GetLogEventsBehavior.Invoke(input, func(input *cloudwatchlogs.GetLogEventsInput) (*cloudwatchlogs.GetLogEventsOutput, error) {
		var lines []string
		if stored, ok := c.Streams.Load(aws.ToString(input.LogStreamName)); ok {
			lines = stored.([]string)
		}
		// Forward tokens encode the next line index. A read past the end
		// returns no events and echoes the token back, like CloudWatch does.
		start := 0
		if input.NextToken != nil {
			fmt.Sscanf(aws.ToString(input.NextToken), "f/%d", &start)
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if input.Limit != nil && start+int(*input.Limit) < end {
			end = start + int(*input.Limit)
		}
		now := time.Now().UnixMilli()
		out := &cloudwatchlogs.GetLogEventsOutput{
			NextForwardToken:  aws.String(fmt.Sprintf("f/%d", end)),
			NextBackwardToken: aws.String("b/0"),
		}
		for i, line := range lines[start:end] {
			out.Events = append(out.Events, cwltypes.OutputLogEvent{
				Message:   aws.String(line),
				Timestamp: aws.Int64(now + int64(start+i)),
			})
		}
		return out, nil
	})
}
