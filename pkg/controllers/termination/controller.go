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

// Package termination turns worker lifecycle events from the queue into
// dispatch status transitions. EventBridge routes every task state change in
// the cluster here; start confirmations promote dispatches to RUNNING and
// stop reports settle them to a terminal status.
package termination

import (
	"context"
	"fmt"
	"time"

	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/controllers/termination/messages"
	"github.com/outpost-run/outpost/pkg/controllers/termination/messages/taskstatechange"
	"github.com/outpost-run/outpost/pkg/providers/sqs"
)

const parallelism = 10

// pollBackoff spaces receive retries when the queue itself is failing.
const pollBackoff = 10 * time.Second

type Controller struct {
	sqsProvider sqs.Provider
	reconciler  *Reconciler
	parser      *EventParser
	clock       clock.Clock
}

func NewController(sqsProvider sqs.Provider, reconciler *Reconciler, clk clock.Clock) *Controller {
	return &Controller{
		sqsProvider: sqsProvider,
		reconciler:  reconciler,
		parser:      NewEventParser(DefaultParsers...),
		clock:       clk,
	}
}

// Start polls the queue until ctx is done. Receives use long polling, so an
// idle loop costs one outstanding request.
func (c *Controller) Start(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithValues("controller", "termination", "queue", c.sqsProvider.Name())
	ctx = logr.NewContext(ctx, log)
	log.Info("watching termination queue")
	for ctx.Err() == nil {
		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "polling termination queue")
			select {
			case <-ctx.Done():
			case <-c.clock.After(pollBackoff):
			}
		}
	}
}

// Poll drains one receive batch. Split out from Start so tests can drive
// single iterations.
func (c *Controller) Poll(ctx context.Context) error {
	sqsMessages, err := c.sqsProvider.GetSQSMessages(ctx)
	if err != nil {
		return fmt.Errorf("getting messages from queue, %w", err)
	}
	if len(sqsMessages) == 0 {
		return nil
	}
	workers := &errgroup.Group{}
	workers.SetLimit(parallelism)
	errs := make([]error, len(sqsMessages))
	for i := range sqsMessages {
		workers.Go(func() error {
			msg, e := c.parseMessage(&sqsMessages[i])
			if e != nil {
				// An unparseable message would redeliver forever; log it and
				// drop it.
				logr.FromContextOrDiscard(ctx).Error(e, "parsing message")
				errs[i] = c.deleteMessage(ctx, &sqsMessages[i])
				return nil
			}
			if e = c.handleMessage(ctx, msg); e != nil {
				errs[i] = fmt.Errorf("handling message, %w", e)
				return nil
			}
			errs[i] = c.deleteMessage(ctx, &sqsMessages[i])
			return nil
		})
	}
	_ = workers.Wait()
	return multierr.Combine(errs...)
}

// parseMessage parses the passed SQS message into an internal Message interface
func (c *Controller) parseMessage(raw *sqstypes.Message) (messages.Message, error) {
	if raw == nil || raw.Body == nil {
		return nil, fmt.Errorf("message or message body is nil")
	}
	msg, err := c.parser.Parse(*raw.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing sqs message, %w", err)
	}
	return msg, nil
}

// handleMessage routes one parsed message through the reconciler.
func (c *Controller) handleMessage(ctx context.Context, msg messages.Message) error {
	ctx = logr.NewContext(ctx, logr.FromContextOrDiscard(ctx).WithValues("message-kind", string(msg.Kind())))
	receivedMessages.WithLabelValues(string(msg.Kind())).Inc()

	var err error
	if typed, ok := msg.(taskstatechange.Message); ok {
		if typed.Stopped() {
			err = c.reconciler.Reconcile(ctx, typed.TerminationEvent())
		} else {
			err = c.reconciler.Promote(ctx, typed.Detail.TaskArn, typed.Detail.StartedAt)
		}
	}
	messageLatency.Observe(time.Since(msg.StartTime()).Seconds())
	return err
}

// deleteMessage removes the passed SQS message from the queue and fires a metric for the deletion
func (c *Controller) deleteMessage(ctx context.Context, msg *sqstypes.Message) error {
	if err := c.sqsProvider.DeleteSQSMessage(ctx, msg); err != nil {
		return fmt.Errorf("deleting sqs message, %w", err)
	}
	deletedMessages.Inc()
	return nil
}
