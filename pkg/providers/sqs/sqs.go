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

package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	servicesqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/utils/atomic"
)

type Provider interface {
	Name() string
	GetSQSMessages(context.Context) ([]sqstypes.Message, error)
	SendMessage(context.Context, interface{}) (string, error)
	DeleteSQSMessage(context.Context, *sqstypes.Message) error
}

// DefaultProvider receives worker lifecycle events from the queue that
// EventBridge routes task state changes into. The queue URL is resolved
// from the queue name on first use and cached for the process lifetime.
type DefaultProvider struct {
	client sdk.SQSAPI

	queueName string
	queueURL  atomic.CachedVal[string]
}

func NewDefaultProvider(client sdk.SQSAPI, queueName string) (*DefaultProvider, error) {
	provider := &DefaultProvider{
		client:    client,
		queueName: queueName,
	}
	provider.queueURL.Resolve = func(ctx context.Context) (string, error) {
		ret, err := provider.client.GetQueueUrl(ctx, &servicesqs.GetQueueUrlInput{QueueName: aws.String(provider.queueName)})
		if err != nil {
			return "", fmt.Errorf("fetching queue url, %w", err)
		}
		return aws.ToString(ret.QueueUrl), nil
	}
	return provider, nil
}

func (p *DefaultProvider) Name() string {
	return p.queueName
}

func (p *DefaultProvider) GetSQSMessages(ctx context.Context) ([]sqstypes.Message, error) {
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering queue url, %w", err)
	}

	input := &servicesqs.ReceiveMessageInput{
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20, // Seconds
		WaitTimeSeconds:     20, // Seconds, maximum for long polling
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{
			string(sqstypes.QueueAttributeNameAll),
		},
		QueueUrl: aws.String(queueURL),
	}

	result, err := p.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receiving sqs messages, %w", err)
	}
	return result.Messages, nil
}

func (p *DefaultProvider) SendMessage(ctx context.Context, body interface{}) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling the passed body as json, %w", err)
	}
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return "", fmt.Errorf("discovering queue url, %w", err)
	}
	input := &servicesqs.SendMessageInput{
		MessageBody: aws.String(string(raw)),
		QueueUrl:    aws.String(queueURL),
	}
	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sending messages to sqs queue, %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

func (p *DefaultProvider) DeleteSQSMessage(ctx context.Context, msg *sqstypes.Message) error {
	queueURL, err := p.queueURL.TryGet(ctx)
	if err != nil {
		return fmt.Errorf("discovering queue url, %w", err)
	}
	input := &servicesqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}

	if _, err := p.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("deleting messages from sqs queue, %w", err)
	}
	return nil
}
