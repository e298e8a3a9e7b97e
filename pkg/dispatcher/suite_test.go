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

package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	awscache "github.com/outpost-run/outpost/pkg/cache"
	"github.com/outpost-run/outpost/pkg/dispatcher"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/providers/fleet"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/providers/secrets"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
	"github.com/outpost-run/outpost/pkg/test"
)

var ctx context.Context
var registry *agents.Registry
var store *fake.DispatchStore
var claims *fake.IdempotencyStore
var warmPool *poolStub
var launchers *launcherStub
var workers *runtimeStub
var smapi *fake.SecretsManagerAPI
var logPages *logsStub
var artifacts *artifactStub
var fleets *fleetStub
var workspaces *workspaceStub
var capacity *awscache.UnavailableCapacity
var fakeClock *clocktesting.FakeClock
var disp *dispatcher.Dispatcher

func TestDispatcher(t *testing.T) {
	ctx = test.Context(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dispatcher")
}

var _ = BeforeEach(func() {
	registry = test.Registry()
	store = fake.NewDispatchStore()
	claims = fake.NewIdempotencyStore()
	warmPool = &poolStub{}
	launchers = &launcherStub{}
	workers = &runtimeStub{}
	smapi = fake.NewSecretsManagerAPI()
	logPages = &logsStub{}
	artifacts = &artifactStub{}
	fleets = &fleetStub{snapshot: &fleet.Snapshot{}}
	workspaces = &workspaceStub{}
	capacity = awscache.NewUnavailableCapacity()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	disp = dispatcher.New(registry, store, claims, warmPool, launchers,
		secrets.NewDefaultProvider(smapi, gocache.New(time.Minute, time.Minute)),
		workers, logPages, artifacts, fleets, workspaces, capacity, fakeClock)
})

// onlyRecord returns the tenant's single stored dispatch record.
func onlyRecord(tenantID string) *v1.Dispatch {
	page := lo.Must(store.List(ctx, tenantID, v1.ListQuery{}))
	ExpectWithOffset(1, page.Items).To(HaveLen(1))
	return page.Items[0]
}

var _ = Describe("Create", func() {
	It("should place a request on a warm slot", func() {
		slot := test.Slot()
		warmPool.slot = slot
		warm := testutil.ToFloat64(metrics.AcquisitionOutcomes.WithLabelValues("claude", "warm"))

		result, err := disp.Create(ctx, test.DispatchRequest())
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Idempotent).To(BeFalse())
		Expect(result.Status).To(Equal(v1.StatusProvisioning))
		Expect(result.RuntimeHandle).To(Equal(slot.SlotID))
		Expect(result.Version).To(Equal(int64(2)))
		Expect(result.ModelID).To(Equal("claude-flagship-1"))
		Expect(launchers.bound()).To(Equal(1))
		Expect(launchers.coldLaunched()).To(Equal(0))
		Expect(testutil.ToFloat64(metrics.AcquisitionOutcomes.WithLabelValues("claude", "warm"))).To(Equal(warm + 1))
	})
	It("should cold launch when the warm pool is empty", func() {
		cold := testutil.ToFloat64(metrics.AcquisitionOutcomes.WithLabelValues("claude", "cold"))

		result, err := disp.Create(ctx, test.DispatchRequest())
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.StatusProvisioning))
		Expect(result.RuntimeHandle).ToNot(BeEmpty())
		Expect(launchers.coldLaunched()).To(Equal(1))
		Expect(testutil.ToFloat64(metrics.AcquisitionOutcomes.WithLabelValues("claude", "cold"))).To(Equal(cold + 1))
	})
	It("should resolve tier aliases to the agent's concrete model id", func() {
		result, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{ModelID: "balanced"}))
		Expect(err).ToNot(HaveOccurred())
		Expect(result.ModelID).To(Equal("claude-balanced-1"))
	})
	It("should reject an invalid request without creating a record", func() {
		request := test.DispatchRequest(v1.DispatchRequest{Task: "too short"})

		result, err := disp.Create(ctx, request)
		Expect(errors.IsValidation(err)).To(BeTrue())
		Expect(result).To(BeNil())
		page := lo.Must(store.List(ctx, request.TenantID, v1.ListQuery{}))
		Expect(page.Items).To(BeEmpty())
	})
	It("should reject an unknown agent", func() {
		_, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{Agent: "mystery"}))
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should reject a model outside the agent's registry", func() {
		_, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{ModelID: "gpt-unknown"}))
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	Context("admission", func() {
		const tenant = "team-admitted"
		It("should reject at quota before claiming or persisting anything", func() {
			for i := 0; i < 10; i++ {
				Expect(store.Create(ctx, test.Dispatch(v1.Dispatch{TenantID: tenant}))).To(Succeed())
			}

			_, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{TenantID: tenant, IdempotencyKey: "at-quota"}))
			Expect(errors.IsQuota(err)).To(BeTrue())
			page := lo.Must(store.List(ctx, tenant, v1.ListQuery{}))
			Expect(page.Items).To(HaveLen(10))
			_, err = claims.Lookup(ctx, tenant, "at-quota")
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})
		It("should not count terminal dispatches against the quota", func() {
			for i := 0; i < 10; i++ {
				Expect(store.Create(ctx, test.Dispatch(v1.Dispatch{TenantID: tenant, Status: v1.StatusSuccess}))).To(Succeed())
			}

			_, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{TenantID: tenant}))
			Expect(err).ToNot(HaveOccurred())
		})
		It("should honor per-tenant quota overrides", func() {
			for i := 0; i < 10; i++ {
				Expect(store.Create(ctx, test.Dispatch(v1.Dispatch{TenantID: "team-burst"}))).To(Succeed())
			}

			_, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{TenantID: "team-burst"}))
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("idempotency", func() {
		It("should replay the prior record for a claimed key", func() {
			request := test.DispatchRequest(v1.DispatchRequest{IdempotencyKey: "retry-5481"})

			first, err := disp.Create(ctx, request)
			Expect(err).ToNot(HaveOccurred())
			second, err := disp.Create(ctx, request)
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Idempotent).To(BeTrue())
			Expect(second.DispatchID).To(Equal(first.DispatchID))
			page := lo.Must(store.List(ctx, request.TenantID, v1.ListQuery{}))
			Expect(page.Items).To(HaveLen(1))
			Expect(launchers.coldLaunched()).To(Equal(1))
		})
		It("should scope claims to the tenant", func() {
			first, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{TenantID: "team-a", IdempotencyKey: "shared"}))
			Expect(err).ToNot(HaveOccurred())
			second, err := disp.Create(ctx, test.DispatchRequest(v1.DispatchRequest{TenantID: "team-b", IdempotencyKey: "shared"}))
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Idempotent).To(BeFalse())
			Expect(second.DispatchID).ToNot(Equal(first.DispatchID))
		})
	})

	Context("placement failures", func() {
		It("should fail the dispatch and recycle the slot when binding fails", func() {
			slot := test.Slot()
			warmPool.slot = slot
			launchers.bindErr = errors.New(v1.ErrorKindInternal, "assignment write refused")
			request := test.DispatchRequest()

			_, err := disp.Create(ctx, request)
			Expect(err).To(HaveOccurred())
			record := onlyRecord(request.TenantID)
			Expect(record.Status).To(Equal(v1.StatusFailed))
			Expect(record.ErrorKind).To(Equal(v1.ErrorKindLaunch))
			Expect(record.EndedAt).ToNot(BeNil())
			Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: slot.SlotID, outcome: pool.OutcomeFailedToBind}))
		})
		It("should fail the dispatch when the cold launch fails", func() {
			launchers.launchErr = errors.New(v1.ErrorKindLaunch, "task definition rejected")
			request := test.DispatchRequest()

			_, err := disp.Create(ctx, request)
			Expect(errors.IsLaunch(err)).To(BeTrue())
			record := onlyRecord(request.TenantID)
			Expect(record.Status).To(Equal(v1.StatusFailed))
			Expect(record.ErrorKind).To(Equal(v1.ErrorKindLaunch))
		})
		It("should turn capacity-marked agents away with a retry hint", func() {
			capacity.MarkUnavailable(ctx, "claude", "RunTask capacity failure")
			request := test.DispatchRequest()

			_, err := disp.Create(ctx, request)
			Expect(errors.IsUnavailable(err)).To(BeTrue())
			Expect(errors.RetryAfterOf(err)).To(BeNumerically(">", 0))
			Expect(launchers.coldLaunched()).To(Equal(0))
			record := onlyRecord(request.TenantID)
			Expect(record.Status).To(Equal(v1.StatusFailed))
			Expect(record.ErrorKind).To(Equal(v1.ErrorKindUnavailable))
		})
		It("should surface capacity failures from the launch itself as unavailable", func() {
			launchers.launchErr = errors.NewUnavailable(time.Minute, "no container capacity")
			request := test.DispatchRequest()

			_, err := disp.Create(ctx, request)
			Expect(errors.IsUnavailable(err)).To(BeTrue())
			record := onlyRecord(request.TenantID)
			Expect(record.Status).To(Equal(v1.StatusFailed))
			Expect(record.ErrorKind).To(Equal(v1.ErrorKindUnavailable))
		})
		It("should fail the dispatch when a secret handle does not resolve", func() {
			smapi.GetSecretValueBehavior.Error.Set(fake.NotFoundSecret())
			request := test.DispatchRequest()

			_, err := disp.Create(ctx, request)
			Expect(errors.IsLaunch(err)).To(BeTrue())
			record := onlyRecord(request.TenantID)
			Expect(record.Status).To(Equal(v1.StatusFailed))
			Expect(record.ErrorKind).To(Equal(v1.ErrorKindLaunch))
			Expect(launchers.coldLaunched()).To(Equal(0))
		})
		It("should retry transient secret faults before placing", func() {
			smapi.GetSecretValueBehavior.Error.Set(&smithy.GenericAPIError{Code: "ThrottlingException"}, fake.MaxCalls(2))

			result, err := disp.Create(ctx, test.DispatchRequest())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(v1.StatusProvisioning))
		})
	})

	It("should return the terminal record when cancellation wins the placement race", func() {
		slot := test.Slot()
		warmPool.slot = slot
		launchers.onBind = func(record *v1.Dispatch) {
			fresh := lo.Must(store.Get(ctx, record.DispatchID))
			endedAt := time.Now().UTC()
			lo.Must(store.UpdateStatus(ctx, fresh, v1.StatusPatch{Status: v1.StatusCancelled, EndedAt: &endedAt}))
		}

		result, err := disp.Create(ctx, test.DispatchRequest())
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(v1.StatusCancelled))
		Expect(warmPool.releases()).To(ConsistOf(releasedSlot{slotID: slot.SlotID, outcome: string(v1.StatusCancelled)}))
	})
})

var _ = Describe("Get", func() {
	It("should return the record with a page of worker logs", func() {
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusRunning, RuntimeHandle: fake.RandomRuntimeHandle()})
		Expect(store.Create(ctx, record)).To(Succeed())
		logPages.page = &v1.LogPage{Lines: []string{"booted", "cloning repo"}, NextOffset: 2}

		detail, err := disp.Get(ctx, record.TenantID, record.DispatchID, v1.LogQuery{})
		Expect(err).ToNot(HaveOccurred())
		Expect(detail.DispatchID).To(Equal(record.DispatchID))
		Expect(detail.Logs.Lines).To(HaveLen(2))
		Expect(detail.Logs.NextOffset).To(Equal(int64(2)))
	})
	It("should skip the log read when asked", func() {
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusRunning, RuntimeHandle: fake.RandomRuntimeHandle()})
		Expect(store.Create(ctx, record)).To(Succeed())

		detail, err := disp.Get(ctx, record.TenantID, record.DispatchID, v1.LogQuery{SkipLogs: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(detail.Logs).To(BeNil())
		Expect(logPages.pages()).To(Equal(0))
	})
	It("should serve the record even when the log read fails", func() {
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusRunning, RuntimeHandle: fake.RandomRuntimeHandle()})
		Expect(store.Create(ctx, record)).To(Succeed())
		logPages.err = errors.New(v1.ErrorKindTransient, "log stream throttled")

		detail, err := disp.Get(ctx, record.TenantID, record.DispatchID, v1.LogQuery{})
		Expect(err).ToNot(HaveOccurred())
		Expect(detail.Logs).To(BeNil())
	})
	It("should hide other tenants' dispatches", func() {
		record := test.Dispatch()
		Expect(store.Create(ctx, record)).To(Succeed())

		_, err := disp.Get(ctx, "team-other", record.DispatchID, v1.LogQuery{})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("Cancel", func() {
	It("should cancel a pending dispatch without touching the runtime", func() {
		record := test.Dispatch()
		Expect(store.Create(ctx, record)).To(Succeed())

		got, err := disp.Cancel(ctx, record.TenantID, record.DispatchID, "operator request")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.StatusCancelled))
		Expect(got.EndedAt).ToNot(BeNil())
		Expect(workers.stopped()).To(BeEmpty())
	})
	It("should stop the worker of a running dispatch", func() {
		handle := fake.RandomRuntimeHandle()
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusRunning, RuntimeHandle: handle})
		Expect(store.Create(ctx, record)).To(Succeed())

		got, err := disp.Cancel(ctx, record.TenantID, record.DispatchID, "operator request")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(v1.StatusCancelled))
		Expect(workers.stopped()).To(ConsistOf(handle))
	})
	It("should refuse to cancel a terminal dispatch", func() {
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusSuccess})
		Expect(store.Create(ctx, record)).To(Succeed())

		_, err := disp.Cancel(ctx, record.TenantID, record.DispatchID, "too late")
		Expect(errors.IsConflict(err)).To(BeTrue())
		stored := lo.Must(store.Get(ctx, record.DispatchID))
		Expect(stored.Status).To(Equal(v1.StatusSuccess))
	})
	It("should hide other tenants' dispatches", func() {
		record := test.Dispatch()
		Expect(store.Create(ctx, record)).To(Succeed())

		_, err := disp.Cancel(ctx, "team-other", record.DispatchID, "not yours")
		Expect(errors.IsNotFound(err)).To(BeTrue())
		stored := lo.Must(store.Get(ctx, record.DispatchID))
		Expect(stored.Status).To(Equal(v1.StatusPending))
	})
})

var _ = Describe("Artifacts", func() {
	It("should refuse while the dispatch is active", func() {
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusRunning})
		Expect(store.Create(ctx, record)).To(Succeed())

		_, err := disp.Artifacts(ctx, record.TenantID, record.DispatchID, time.Minute)
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
	It("should presign the artifacts of a finished dispatch", func() {
		record := test.Dispatch(v1.Dispatch{Status: v1.StatusSuccess, ArtifactHandle: "artifacts/d-1/"})
		Expect(store.Create(ctx, record)).To(Succeed())
		artifacts.artifacts = []v1.Artifact{{Type: "diff", Handle: "https://example/diff", SizeBytes: 512}}

		got, err := disp.Artifacts(ctx, record.TenantID, record.DispatchID, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Type).To(Equal("diff"))
	})
})

// poolStub hands out one configured warm slot and records releases. Without a
// slot it reports an empty pool.
type poolStub struct {
	mu       sync.Mutex
	slot     *v1.Slot
	err      error
	released []releasedSlot
}

type releasedSlot struct {
	slotID  string
	outcome string
}

func (p *poolStub) Acquire(context.Context, *agents.Agent, string) (*v1.Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.slot == nil {
		return nil, pool.ErrNoWarmCapacity
	}
	return p.slot, nil
}

func (p *poolStub) Release(_ context.Context, slotID, outcome string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, releasedSlot{slotID: slotID, outcome: outcome})
	return nil
}

func (p *poolStub) Promote(context.Context, string) error                 { return nil }
func (p *poolStub) Replenish(context.Context, *agents.Agent) (int, error) { return 0, nil }
func (p *poolStub) Reap(context.Context, *agents.Agent) error             { return nil }

func (p *poolStub) releases() []releasedSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]releasedSlot{}, p.released...)
}

// launcherStub answers binds with the slot id and cold launches with a fresh
// handle. onBind runs before Bind returns, for provoking placement races.
type launcherStub struct {
	mu        sync.Mutex
	bindErr   error
	launchErr error
	onBind    func(record *v1.Dispatch)
	binds     int
	launches  int
}

func (l *launcherStub) Launch(_ context.Context, _ *v1.Dispatch, _ *secrets.Bundle) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return "", l.launchErr
	}
	l.launches++
	return fake.RandomRuntimeHandle(), nil
}

func (l *launcherStub) Bind(_ context.Context, record *v1.Dispatch, _ *secrets.Bundle, slot *v1.Slot) (string, error) {
	if l.onBind != nil {
		l.onBind(record)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bindErr != nil {
		return "", l.bindErr
	}
	l.binds++
	return slot.SlotID, nil
}

func (l *launcherStub) LaunchPlaceholder(context.Context, *agents.Agent) (string, error) {
	return fake.RandomRuntimeHandle(), nil
}

func (l *launcherStub) bound() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.binds
}

func (l *launcherStub) coldLaunched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// runtimeStub records stop requests.
type runtimeStub struct {
	mu    sync.Mutex
	stops []string
}

func (r *runtimeStub) Launch(context.Context, *runtime.LaunchSpec) (string, error) {
	return fake.RandomRuntimeHandle(), nil
}

func (r *runtimeStub) Stop(_ context.Context, handle, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, handle)
	return nil
}

func (r *runtimeStub) Describe(_ context.Context, handle string) (*runtime.Status, error) {
	return &runtime.Status{RuntimeHandle: handle, State: runtime.StateUnknown}, nil
}

func (r *runtimeStub) List(context.Context) ([]string, error) {
	return nil, nil
}

func (r *runtimeStub) stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.stops...)
}

type logsStub struct {
	mu    sync.Mutex
	page  *v1.LogPage
	err   error
	calls int
}

func (l *logsStub) Page(context.Context, string, v1.LogQuery) (*v1.LogPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	if l.page == nil {
		return &v1.LogPage{Lines: []string{}}, nil
	}
	return l.page, nil
}

func (l *logsStub) pages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type artifactStub struct {
	artifacts []v1.Artifact
	handle    string
	err       error
}

func (a *artifactStub) Publish(context.Context, *v1.Dispatch) (string, error) {
	return a.handle, a.err
}

func (a *artifactStub) Artifacts(context.Context, *v1.Dispatch, time.Duration) ([]v1.Artifact, error) {
	return a.artifacts, a.err
}

type fleetStub struct {
	snapshot *fleet.Snapshot
}

func (f *fleetStub) Snapshot(context.Context) (*fleet.Snapshot, error) { return f.snapshot, nil }

type workspaceStub struct {
	mu       sync.Mutex
	released []string
}

func (w *workspaceStub) Prepare(context.Context, *v1.Dispatch) (*workspace.Mount, error) {
	return &workspace.Mount{}, nil
}

func (w *workspaceStub) ReleaseLease(_ context.Context, record *v1.Dispatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = append(w.released, record.DispatchID)
	return nil
}
