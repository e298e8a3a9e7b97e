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

package logs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/utils"
)

const (
	// DefaultPageLines is the page size when the caller does not set one.
	DefaultPageLines = 500
	// MaxPageLines bounds a single page regardless of what the caller asks.
	MaxPageLines = 5000

	eventsPerCall = 2000
	maxCalls      = 25
)

type Provider interface {
	// Page returns up to query.Limit lines of worker output starting at
	// query.Offset lines from the beginning of the stream.
	Page(ctx context.Context, runtimeHandle string, query v1.LogQuery) (*v1.LogPage, error)
}

type DefaultProvider struct {
	api          sdk.CloudWatchLogsAPI
	logGroup     string
	streamPrefix string
}

func NewDefaultProvider(api sdk.CloudWatchLogsAPI, logGroup, streamPrefix string) *DefaultProvider {
	return &DefaultProvider{api: api, logGroup: logGroup, streamPrefix: streamPrefix}
}

// Page walks the stream from its head, skipping query.Offset lines. CloudWatch
// has no line-offset read, so the walk re-reads skipped pages; dispatch streams
// are short-lived and bounded, and callers page forward monotonically.
func (p *DefaultProvider) Page(ctx context.Context, runtimeHandle string, query v1.LogQuery) (*v1.LogPage, error) {
	taskID, err := utils.ParseTaskID(runtimeHandle)
	if err != nil {
		return nil, errors.Wrap(v1.ErrorKindValidation, err, "log stream unavailable for runtime handle")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultPageLines
	}
	if limit > MaxPageLines {
		limit = MaxPageLines
	}

	page := &v1.LogPage{Lines: []string{}, NextOffset: query.Offset}
	var token *string
	remainingSkip := query.Offset
	for call := 0; call < maxCalls; call++ {
		out, err := p.api.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(p.logGroup),
			LogStreamName: aws.String(p.streamName(taskID)),
			StartFromHead: aws.Bool(true),
			Limit:         aws.Int32(eventsPerCall),
			NextToken:     token,
		})
		if err != nil {
			if errors.IsAWSNotFound(err) {
				// The stream appears shortly after the worker starts; an
				// absent stream reads as an empty page, not an error.
				return page, nil
			}
			return nil, errors.ClassifyAWS(err, "reading log stream for task %s", taskID)
		}
		for _, event := range out.Events {
			if remainingSkip > 0 {
				remainingSkip--
				continue
			}
			if len(page.Lines) >= limit {
				return page, nil
			}
			page.Lines = append(page.Lines, aws.ToString(event.Message))
			page.NextOffset++
		}
		// CloudWatch signals the end of the stream by echoing the token back.
		if out.NextForwardToken == nil || (token != nil && aws.ToString(out.NextForwardToken) == aws.ToString(token)) {
			return page, nil
		}
		if len(out.Events) == 0 {
			return page, nil
		}
		token = out.NextForwardToken
	}
	return page, nil
}

func (p *DefaultProvider) streamName(taskID string) string {
	// The awslogs driver writes streams as <prefix>/<container>/<task-id>.
	return fmt.Sprintf("%s/worker/%s", p.streamPrefix, taskID)
}
