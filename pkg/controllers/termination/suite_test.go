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

package termination_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	servicesqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/controllers/termination"
	"github.com/outpost-run/outpost/pkg/controllers/termination/messages"
	"github.com/outpost-run/outpost/pkg/controllers/termination/messages/taskstatechange"
	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/sqs"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
	"github.com/outpost-run/outpost/pkg/test"
)

var ctx context.Context
var registry *agents.Registry
var store *fake.DispatchStore
var warmPool *poolStub
var artifacts *artifactStub
var workspaces *workspaceStub
var sqsapi *fake.SQSAPI
var fakeClock *clocktesting.FakeClock
var reconciler *termination.Reconciler
var controller *termination.Controller

func TestTermination(t *testing.T) {
	ctx = test.Context(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Termination")
}

var _ = BeforeEach(func() {
	registry = test.Registry()
	store = fake.NewDispatchStore()
	warmPool = &poolStub{}
	artifacts = &artifactStub{}
	workspaces = &workspaceStub{}
	sqsapi = fake.NewSQSAPI()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	reconciler = termination.NewReconciler(registry, store, warmPool, artifacts, workspaces, fakeClock)
	queueProvider := lo.Must(sqs.NewDefaultProvider(sqsapi, "outpost-termination-events"))
	controller = termination.NewController(queueProvider, reconciler, fakeClock)
})

// boundRecord persists a dispatch bound to a fresh runtime handle in the
// given status, at the version the dispatcher would have left it.
func boundRecord(status v1.DispatchStatus) *v1.Dispatch {
	record := test.Dispatch(v1.Dispatch{
		Status:        status,
		RuntimeHandle: fake.RandomRuntimeHandle(),
		Version:       2,
	})
	ExpectWithOffset(1, store.Create(ctx, record)).To(Succeed())
	return record
}

func storedRecord(dispatchID string) *v1.Dispatch {
	return lo.Must(store.Get(ctx, dispatchID))
}

var _ = Describe("Reconciling stop reports", func() {
	It("should settle an exit 0 worker through completion", func() {
		record := boundRecord(v1.StatusRunning)
		successes := testutil.ToFloat64(metrics.DispatchesTerminal.WithLabelValues("claude", "SUCCESS"))
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: record.RuntimeHandle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusSuccess))
		Expect(lo.FromPtr(stored.ExitCode)).To(Equal(0))
		Expect(stored.ArtifactHandle).To(Equal("artifacts/" + record.DispatchID))
		Expect(stored.EndedAt).ToNot(BeNil())
		Expect(*stored.EndedAt).To(BeTemporally("~", *event.StoppedAt, time.Second))
		Expect(stored.Version).To(Equal(int64(4)))
		Expect(artifacts.published()).To(ConsistOf(record.DispatchID))
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: record.RuntimeHandle, outcome: "SUCCESS"}))
		Expect(warmPool.replenishes()).To(ConsistOf("claude"))
		Expect(workspaces.released()).To(ConsistOf(record.DispatchID))
		Expect(testutil.ToFloat64(metrics.DispatchesTerminal.WithLabelValues("claude", "SUCCESS"))).To(Equal(successes + 1))
	})
	It("should fail a worker that exits nonzero and still publish its artifacts", func() {
		record := boundRecord(v1.StatusRunning)
		event := test.TerminationEvent(v1.TerminationEvent{
			RuntimeHandle: record.RuntimeHandle,
			ExitCode:      lo.ToPtr(3),
		})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusFailed))
		Expect(lo.FromPtr(stored.ExitCode)).To(Equal(3))
		Expect(stored.ErrorKind).To(BeEmpty())
		Expect(stored.ErrorMessage).To(Equal(event.StopReason))
		Expect(stored.ArtifactHandle).To(Equal("artifacts/" + record.DispatchID))
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: record.RuntimeHandle, outcome: "FAILED"}))
	})
	It("should mark a worker that never started as a launch failure", func() {
		record := boundRecord(v1.StatusProvisioning)
		event := &v1.TerminationEvent{
			RuntimeHandle: record.RuntimeHandle,
			StopCode:      v1.StopCodeTaskFailedToStart,
			StopReason:    "CannotPullContainerError: pull access denied",
			StoppedAt:     lo.ToPtr(time.Now().UTC()),
		}

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusFailed))
		Expect(stored.ErrorKind).To(Equal(v1.ErrorKindLaunch))
		Expect(stored.ErrorMessage).To(Equal(event.StopReason))
		Expect(stored.ExitCode).To(BeNil())
		Expect(artifacts.published()).To(BeEmpty())
		Expect(stored.Version).To(Equal(int64(3)))
	})
	It("should time out a worker stopped past its deadline", func() {
		record := boundRecord(v1.StatusRunning)
		event := test.TerminationEvent(v1.TerminationEvent{
			RuntimeHandle: record.RuntimeHandle,
			StopReason:    "Task stopped: execution Timeout exceeded",
			ExitCode:      lo.ToPtr(137),
		})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusTimeout))
		Expect(lo.FromPtr(stored.ExitCode)).To(Equal(137))
		Expect(artifacts.published()).To(BeEmpty())
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: record.RuntimeHandle, outcome: "TIMEOUT"}))
	})
	It("should map a user initiated stop to cancelled", func() {
		record := boundRecord(v1.StatusRunning)
		event := test.TerminationEvent(v1.TerminationEvent{
			RuntimeHandle: record.RuntimeHandle,
			StopCode:      v1.StopCodeUserInitiated,
			StopReason:    "dispatch cancelled",
			ExitCode:      lo.ToPtr(137),
		})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusCancelled))
		Expect(stored.ErrorMessage).To(Equal("dispatch cancelled"))
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: record.RuntimeHandle, outcome: "CANCELLED"}))
	})
	It("should not overwrite a record cancelled before the worker exited", func() {
		record := test.Dispatch(v1.Dispatch{
			Status:        v1.StatusCancelled,
			RuntimeHandle: fake.RandomRuntimeHandle(),
			Version:       3,
		})
		Expect(store.Create(ctx, record)).To(Succeed())
		cancellations := testutil.ToFloat64(metrics.DispatchesTerminal.WithLabelValues("claude", "CANCELLED"))
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: record.RuntimeHandle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusCancelled))
		Expect(stored.Version).To(Equal(int64(3)))
		Expect(artifacts.published()).To(BeEmpty())
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: record.RuntimeHandle, outcome: "CANCELLED"}))
		Expect(testutil.ToFloat64(metrics.DispatchesTerminal.WithLabelValues("claude", "CANCELLED"))).To(Equal(cancellations))
	})
	It("should settle a replayed event exactly once", func() {
		record := boundRecord(v1.StatusRunning)
		successes := testutil.ToFloat64(metrics.DispatchesTerminal.WithLabelValues("claude", "SUCCESS"))
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: record.RuntimeHandle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusSuccess))
		Expect(stored.Version).To(Equal(int64(4)))
		Expect(warmPool.replenishes()).To(ConsistOf("claude"))
		Expect(testutil.ToFloat64(metrics.DispatchesTerminal.WithLabelValues("claude", "SUCCESS"))).To(Equal(successes + 1))
	})
	It("should clear the slot of a worker no dispatch ever bound", func() {
		handle := fake.RandomRuntimeHandle()
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: handle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: handle, outcome: pool.OutcomeUnhealthy}))
		Expect(warmPool.replenishes()).To(BeEmpty())
	})
	It("should degrade the dispatch when artifact publication fails", func() {
		record := boundRecord(v1.StatusRunning)
		artifacts.err = fmt.Errorf("the bucket is sealed")
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: record.RuntimeHandle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusFailed))
		Expect(stored.ErrorKind).To(Equal(v1.ErrorKindArtifact))
		Expect(stored.ErrorMessage).To(Equal("publishing artifacts failed"))
		Expect(stored.ArtifactHandle).To(BeEmpty())
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: record.RuntimeHandle, outcome: "FAILED"}))
	})
	It("should walk a provisioning record whose start confirmation was lost", func() {
		record := boundRecord(v1.StatusProvisioning)
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: record.RuntimeHandle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusSuccess))
		Expect(stored.StartedAt).ToNot(BeNil())
		Expect(stored.ArtifactHandle).To(Equal("artifacts/" + record.DispatchID))
		Expect(stored.Version).To(Equal(int64(5)))
	})
	It("should settle the live record when a handle matches several", func() {
		handle := fake.RandomRuntimeHandle()
		settled := test.Dispatch(v1.Dispatch{Status: v1.StatusFailed, RuntimeHandle: handle, Version: 3})
		live := test.Dispatch(v1.Dispatch{Status: v1.StatusRunning, RuntimeHandle: handle, Version: 2})
		Expect(store.Create(ctx, settled)).To(Succeed())
		Expect(store.Create(ctx, live)).To(Succeed())
		event := test.TerminationEvent(v1.TerminationEvent{RuntimeHandle: handle})

		Expect(reconciler.Reconcile(ctx, event)).To(Succeed())
		Expect(storedRecord(live.DispatchID).Status).To(Equal(v1.StatusSuccess))
		Expect(storedRecord(settled.DispatchID).Status).To(Equal(v1.StatusFailed))
	})
})

var _ = Describe("Start confirmations", func() {
	It("should move a provisioning dispatch to running", func() {
		record := boundRecord(v1.StatusProvisioning)
		startedAt := lo.ToPtr(time.Now().UTC())

		Expect(reconciler.Promote(ctx, record.RuntimeHandle, startedAt)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusRunning))
		Expect(stored.StartedAt).ToNot(BeNil())
		Expect(*stored.StartedAt).To(BeTemporally("~", *startedAt, time.Second))
		Expect(stored.Version).To(Equal(int64(3)))
		Expect(warmPool.promotions()).To(ConsistOf(record.RuntimeHandle))
	})
	It("should leave a dispatch already past provisioning alone", func() {
		record := boundRecord(v1.StatusRunning)

		Expect(reconciler.Promote(ctx, record.RuntimeHandle, lo.ToPtr(time.Now().UTC()))).To(Succeed())
		Expect(storedRecord(record.DispatchID).Version).To(Equal(int64(2)))
	})
	It("should confirm pool slots bound to no dispatch", func() {
		handle := fake.RandomRuntimeHandle()

		Expect(reconciler.Promote(ctx, handle, nil)).To(Succeed())
		Expect(warmPool.promotions()).To(ConsistOf(handle))
	})
})

var _ = Describe("Processing messages", func() {
	It("should settle a dispatch from a stopped task message", func() {
		record := boundRecord(v1.StatusRunning)
		ExpectMessagesCreated(stoppedTaskMessage(record.RuntimeHandle, 0))

		Expect(controller.Poll(ctx)).To(Succeed())
		Expect(sqsapi.ReceiveMessageBehavior.SuccessfulCalls()).To(Equal(1))
		Expect(sqsapi.DeleteMessageBehavior.SuccessfulCalls()).To(Equal(1))
		Expect(storedRecord(record.DispatchID).Status).To(Equal(v1.StatusSuccess))
	})
	It("should take the exit code from the worker container only", func() {
		record := boundRecord(v1.StatusRunning)
		message := stoppedTaskMessage(record.RuntimeHandle, 7)
		ExpectMessagesCreated(message)

		Expect(controller.Poll(ctx)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusFailed))
		Expect(lo.FromPtr(stored.ExitCode)).To(Equal(7))
	})
	It("should promote a dispatch from a running task message", func() {
		record := boundRecord(v1.StatusProvisioning)
		ExpectMessagesCreated(runningTaskMessage(record.RuntimeHandle))

		Expect(controller.Poll(ctx)).To(Succeed())
		stored := storedRecord(record.DispatchID)
		Expect(stored.Status).To(Equal(v1.StatusRunning))
		Expect(stored.StartedAt).ToNot(BeNil())
		Expect(sqsapi.DeleteMessageBehavior.SuccessfulCalls()).To(Equal(1))
	})
	It("should delete a message it cannot parse", func() {
		sqsapi.ReceiveMessageBehavior.Output.Set(&servicesqs.ReceiveMessageOutput{Messages: []sqstypes.Message{{
			Body:          aws.String("not even json"),
			MessageId:     aws.String(uuid.NewString()),
			ReceiptHandle: aws.String("receipt-garbage"),
		}}})

		Expect(controller.Poll(ctx)).To(Succeed())
		Expect(sqsapi.DeleteMessageBehavior.SuccessfulCalls()).To(Equal(1))
	})
	It("should drop task states between start and stop", func() {
		record := boundRecord(v1.StatusRunning)
		ExpectMessagesCreated(taskMessage(record.RuntimeHandle, "DEACTIVATING"))

		Expect(controller.Poll(ctx)).To(Succeed())
		Expect(storedRecord(record.DispatchID).Version).To(Equal(int64(2)))
		Expect(sqsapi.DeleteMessageBehavior.SuccessfulCalls()).To(Equal(1))
	})
	It("should drop events from unrelated sources", func() {
		message := taskMessage(fake.RandomRuntimeHandle(), "STOPPED")
		message.Source = "aws.ec2"
		message.DetailType = "EC2 Instance State-change Notification"
		ExpectMessagesCreated(message)

		Expect(controller.Poll(ctx)).To(Succeed())
		Expect(warmPool.releases()).To(BeEmpty())
		Expect(sqsapi.DeleteMessageBehavior.SuccessfulCalls()).To(Equal(1))
	})
	It("should keep a message whose handling fails", func() {
		record := boundRecord(v1.StatusRunning)
		ExpectMessagesCreated(stoppedTaskMessage(record.RuntimeHandle, 0))
		store.NextError.Set(fmt.Errorf("the table is on fire"), fake.MaxCalls(1))

		Expect(controller.Poll(ctx)).ToNot(Succeed())
		Expect(sqsapi.DeleteMessageBehavior.SuccessfulCalls()).To(Equal(0))
		Expect(storedRecord(record.DispatchID).Status).To(Equal(v1.StatusRunning))
	})
	It("should resolve the queue url once across polls", func() {
		for i := 0; i < 10; i++ {
			Expect(controller.Poll(ctx)).To(Succeed())
		}
		Expect(sqsapi.GetQueueURLBehavior.SuccessfulCalls()).To(Equal(1))
	})
})

func ExpectMessagesCreated(msgs ...interface{}) {
	raw := lo.Map(msgs, func(m interface{}, _ int) sqstypes.Message {
		return sqstypes.Message{
			Body:          aws.String(string(lo.Must(json.Marshal(m)))),
			MessageId:     aws.String(uuid.NewString()),
			ReceiptHandle: aws.String(fmt.Sprintf("receipt-%s", uuid.NewString())),
		}
	})
	sqsapi.ReceiveMessageBehavior.Output.Set(&servicesqs.ReceiveMessageOutput{Messages: raw})
}

func taskMessage(handle, lastStatus string) taskstatechange.Message {
	return taskstatechange.Message{
		Metadata: messages.Metadata{
			Version:    "0",
			Account:    fake.DefaultAccount,
			DetailType: "ECS Task State Change",
			ID:         uuid.NewString(),
			Region:     fake.DefaultRegion,
			Resources:  []string{handle},
			Source:     "aws.ecs",
			Time:       time.Now(),
		},
		Detail: taskstatechange.Detail{
			ClusterArn:    fmt.Sprintf("arn:aws:ecs:%s:%s:cluster/%s", fake.DefaultRegion, fake.DefaultAccount, fake.DefaultCluster),
			TaskArn:       handle,
			LastStatus:    lastStatus,
			DesiredStatus: lastStatus,
		},
	}
}

func stoppedTaskMessage(handle string, exitCode int) taskstatechange.Message {
	message := taskMessage(handle, "STOPPED")
	message.Detail.StopCode = string(v1.StopCodeEssentialContainerExited)
	message.Detail.StoppedReason = "Essential container in task exited"
	message.Detail.StoppedAt = lo.ToPtr(time.Now().UTC())
	message.Detail.Containers = []taskstatechange.Container{
		{Name: "worker", ExitCode: lo.ToPtr(exitCode)},
		{Name: "log-router", ExitCode: lo.ToPtr(0)},
	}
	return message
}

func runningTaskMessage(handle string) taskstatechange.Message {
	message := taskMessage(handle, "RUNNING")
	message.Detail.StartedAt = lo.ToPtr(time.Now().UTC())
	return message
}

type releasedSlot struct {
	slotID  string
	outcome string
}

type poolStub struct {
	mu       sync.Mutex
	released []releasedSlot
	promoted []string
	refilled []string
}

func (p *poolStub) Acquire(_ context.Context, _ *agents.Agent, _ string) (*v1.Slot, error) {
	return nil, pool.ErrNoWarmCapacity
}

func (p *poolStub) Release(_ context.Context, slotID string, outcome string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, releasedSlot{slotID: slotID, outcome: outcome})
	return nil
}

func (p *poolStub) Promote(_ context.Context, slotID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = append(p.promoted, slotID)
	return nil
}

func (p *poolStub) Replenish(_ context.Context, agent *agents.Agent) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refilled = append(p.refilled, agent.Name)
	return 1, nil
}

func (p *poolStub) Reap(_ context.Context, _ *agents.Agent) error {
	return nil
}

func (p *poolStub) releases() []releasedSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]releasedSlot{}, p.released...)
}

func (p *poolStub) promotions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.promoted...)
}

func (p *poolStub) replenishes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.refilled...)
}

type artifactStub struct {
	mu        sync.Mutex
	err       error
	publishes []string
}

func (a *artifactStub) Publish(_ context.Context, record *v1.Dispatch) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.publishes = append(a.publishes, record.DispatchID)
	return "artifacts/" + record.DispatchID, nil
}

func (a *artifactStub) Artifacts(_ context.Context, _ *v1.Dispatch, _ time.Duration) ([]v1.Artifact, error) {
	return nil, nil
}

func (a *artifactStub) published() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.publishes...)
}

type workspaceStub struct {
	mu       sync.Mutex
	releases []string
}

func (w *workspaceStub) Prepare(_ context.Context, _ *v1.Dispatch) (*workspace.Mount, error) {
	return &workspace.Mount{}, nil
}

func (w *workspaceStub) ReleaseLease(_ context.Context, record *v1.Dispatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releases = append(w.releases, record.DispatchID)
	return nil
}

func (w *workspaceStub) released() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.releases...)
}
