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

// Package dispatcher drives the request path: it admits a dispatch request,
// persists its record, and places it on a warm worker or a cold launch. Every
// failure past the initial write lands the record in a terminal state, so
// PENDING records never outlive their request.
package dispatcher

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/cache"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/providers/artifact"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
	"github.com/outpost-run/outpost/pkg/providers/fleet"
	"github.com/outpost-run/outpost/pkg/providers/idempotency"
	"github.com/outpost-run/outpost/pkg/providers/launcher"
	"github.com/outpost-run/outpost/pkg/providers/logs"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/providers/secrets"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
	"github.com/outpost-run/outpost/pkg/utils/idgen"
)

const (
	// RecordRetention is how long a dispatch record outlives its creation
	// before the store's TTL sweep removes it.
	RecordRetention = 30 * 24 * time.Hour

	// Secret resolution is a read, so it retries transient faults with
	// backoff before the dispatch is failed.
	resolveAttempts  = 5
	resolveBaseDelay = 100 * time.Millisecond
	resolveMaxDelay  = 3 * time.Second
)

// CreateResult is the created record, or the prior record when the request's
// idempotency key had already been claimed.
type CreateResult struct {
	*v1.Dispatch
	Idempotent bool `json:"idempotent,omitempty"`
}

// Detail pairs a dispatch record with a page of its worker logs.
type Detail struct {
	*v1.Dispatch
	Logs *v1.LogPage `json:"logs,omitempty"`
}

type Dispatcher struct {
	registry            *agents.Registry
	dispatchStore       dispatch.Store
	idempotencyStore    idempotency.Store
	poolProvider        pool.Provider
	launcherProvider    launcher.Provider
	secretsProvider     secrets.Provider
	runtimeProvider     runtime.Provider
	logsProvider        logs.Provider
	artifactProvider    artifact.Provider
	fleetProvider       fleet.Provider
	workspaceProvider   workspace.Provider
	unavailableCapacity *cache.UnavailableCapacity
	clock               clock.Clock
}

func New(registry *agents.Registry, dispatchStore dispatch.Store, idempotencyStore idempotency.Store,
	poolProvider pool.Provider, launcherProvider launcher.Provider, secretsProvider secrets.Provider,
	runtimeProvider runtime.Provider, logsProvider logs.Provider, artifactProvider artifact.Provider,
	fleetProvider fleet.Provider, workspaceProvider workspace.Provider,
	unavailableCapacity *cache.UnavailableCapacity, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		registry:            registry,
		dispatchStore:       dispatchStore,
		idempotencyStore:    idempotencyStore,
		poolProvider:        poolProvider,
		launcherProvider:    launcherProvider,
		secretsProvider:     secretsProvider,
		runtimeProvider:     runtimeProvider,
		logsProvider:        logsProvider,
		artifactProvider:    artifactProvider,
		fleetProvider:       fleetProvider,
		workspaceProvider:   workspaceProvider,
		unavailableCapacity: unavailableCapacity,
		clock:               clk,
	}
}

// Create admits, persists, and places a dispatch. Admission runs before the
// idempotency claim and the PENDING write so a rejected request leaves no
// record behind. Idempotent replays return the prior record untouched.
func (d *Dispatcher) Create(ctx context.Context, request *v1.DispatchRequest) (*CreateResult, error) {
	if err := request.Validate(); err != nil {
		return nil, errors.Wrap(v1.ErrorKindValidation, err, "validating dispatch request")
	}
	agent, err := d.registry.Get(request.Agent)
	if err != nil {
		return nil, err
	}
	modelID, err := agent.ResolveModel(request.ModelID)
	if err != nil {
		return nil, err
	}
	active, err := d.dispatchStore.CountActive(ctx, request.TenantID)
	if err != nil {
		return nil, err
	}
	if quota := d.registry.QuotaFor(request.TenantID); active >= quota {
		return nil, errors.New(v1.ErrorKindQuota,
			"tenant %s holds %d active dispatches of a quota of %d", request.TenantID, active, quota)
	}
	dispatchID, err := idgen.NewDispatchID()
	if err != nil {
		return nil, err
	}
	if request.IdempotencyKey != "" {
		holder, err := d.idempotencyStore.Claim(ctx, request.TenantID, request.IdempotencyKey, dispatchID)
		if err != nil {
			return nil, err
		}
		if holder != dispatchID {
			prior, err := d.dispatchStore.Get(ctx, holder)
			if err != nil {
				return nil, errors.Wrap(v1.ErrorKindInternal, err,
					"resolving a claimed idempotency key to dispatch %s", holder)
			}
			logr.FromContextOrDiscard(ctx).Info("replayed dispatch for claimed idempotency key",
				"dispatch-id", prior.DispatchID,
				"tenant-id", prior.TenantID,
			)
			return &CreateResult{Dispatch: prior, Idempotent: true}, nil
		}
	}
	now := d.clock.Now().UTC()
	record := &v1.Dispatch{
		DispatchID:        dispatchID,
		TenantID:          request.TenantID,
		IdempotencyKey:    request.IdempotencyKey,
		Agent:             agent.Name,
		ModelID:           modelID,
		Task:              request.Task,
		Repo:              request.Repo,
		Branch:            request.Branch,
		ContextLevel:      request.ContextLevel,
		WorkspaceMode:     request.WorkspaceMode,
		TimeoutSeconds:    request.TimeoutSeconds,
		Constraints:       request.Constraints,
		Tags:              request.Tags,
		AdditionalSecrets: request.AdditionalSecrets,
		Status:            v1.StatusPending,
		Version:           1,
		CreatedAt:         now,
		TTL:               now.Add(RecordRetention),
	}
	if err := d.dispatchStore.Create(ctx, record); err != nil {
		return nil, err
	}
	metrics.DispatchesCreated.WithLabelValues(agent.Name).Inc()
	logr.FromContextOrDiscard(ctx).Info("created dispatch",
		"dispatch-id", record.DispatchID,
		"tenant-id", record.TenantID,
		"agent", record.Agent,
	)
	return d.place(ctx, agent, record)
}

// place puts a persisted PENDING record on a worker: a warm slot when one is
// acquirable, a cold launch otherwise. Any failure from here on terminalizes
// the record before returning.
func (d *Dispatcher) place(ctx context.Context, agent *agents.Agent, record *v1.Dispatch) (*CreateResult, error) {
	bundle, err := d.resolveSecrets(ctx, agent, record)
	if err != nil {
		// Exhausted transient retries surface as UNAVAILABLE; anything else
		// is a launch-path failure. Either way the cause names handles only.
		kind := v1.ErrorKindLaunch
		if errors.IsTransient(err) {
			kind = v1.ErrorKindUnavailable
		}
		d.fail(ctx, record.DispatchID, kind, "resolving secret handles failed")
		return nil, errors.Wrap(kind, err, "resolving secret handles for dispatch %s", record.DispatchID)
	}
	slot, err := d.acquire(ctx, agent, record)
	if err != nil {
		return nil, err
	}

	var handle string
	if slot != nil {
		handle, err = d.launcherProvider.Bind(ctx, record, bundle, slot)
		if err != nil {
			// The slot may hold a partial assignment, so it is recycled
			// rather than reused.
			if releaseErr := d.poolProvider.Release(ctx, slot.SlotID, pool.OutcomeFailedToBind); releaseErr != nil {
				logr.FromContextOrDiscard(ctx).Error(releaseErr, "releasing slot after failed bind", "slot-id", slot.SlotID)
			}
			d.fail(ctx, record.DispatchID, d.launchErrorKind(err), "binding to a warm worker failed")
			return nil, err
		}
	} else {
		handle, err = d.launcherProvider.Launch(ctx, record, bundle)
		if err != nil {
			if errors.IsTransient(err) || errors.IsUnavailable(err) {
				d.fail(ctx, record.DispatchID, v1.ErrorKindUnavailable, "no capacity to launch a worker")
				return nil, errors.NewUnavailable(d.unavailableCapacity.RetryAfter(agent.Name),
					"no capacity to launch a worker for agent %q", agent.Name)
			}
			d.fail(ctx, record.DispatchID, d.launchErrorKind(err), "launching a worker failed")
			return nil, err
		}
	}
	return d.provision(ctx, record, slot, handle)
}

// provision moves PENDING to PROVISIONING with the runtime handle. Losing
// that transition means cancellation won the race, so the fresh worker is
// torn down and the terminal record returned as-is.
func (d *Dispatcher) provision(ctx context.Context, record *v1.Dispatch, slot *v1.Slot, handle string) (*CreateResult, error) {
	updated, err := dispatch.UpdateWithRetry(ctx, d.dispatchStore, record.DispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
		if fresh.Status != v1.StatusPending {
			return nil, errors.New(v1.ErrorKindConflict,
				"dispatch %s moved to %s before provisioning", fresh.DispatchID, fresh.Status)
		}
		return &v1.StatusPatch{Status: v1.StatusProvisioning, RuntimeHandle: &handle}, nil
	})
	if err == nil {
		logr.FromContextOrDiscard(ctx).Info("provisioning dispatch",
			"dispatch-id", updated.DispatchID,
			"runtime-handle", handle,
			"warm", slot != nil,
		)
		return &CreateResult{Dispatch: updated}, nil
	}
	if !errors.IsConflict(err) {
		// The write failed outright, so the handle was never persisted and
		// no termination event will ever find this record. Stop the worker
		// while we still hold its only reference; the sweeper terminalizes
		// the stale PENDING record if the FAILED write below also loses.
		d.teardown(ctx, slot, handle, pool.OutcomeFailedToBind, "the provisioning write failed")
		d.fail(ctx, record.DispatchID, v1.ErrorKindInternal, "recording the provisioning transition failed")
		return nil, err
	}
	// Cancelled mid-placement. The record is already terminal, so only the
	// just-started worker needs tearing down.
	final, getErr := d.dispatchStore.Get(ctx, record.DispatchID)
	outcome := pool.OutcomeFailedToBind
	if getErr == nil {
		outcome = string(final.Status)
	}
	d.teardown(ctx, slot, handle, outcome, "the dispatch was cancelled during placement")
	if getErr != nil {
		return nil, err
	}
	return &CreateResult{Dispatch: final}, nil
}

// acquire tries the warm pool and falls through to the cold path on EMPTY or
// on pool faults. A nil slot with nil error means cold launch; the capacity
// gate turns a marked-unavailable agent away before any launch is attempted.
func (d *Dispatcher) acquire(ctx context.Context, agent *agents.Agent, record *v1.Dispatch) (*v1.Slot, error) {
	slot, err := d.poolProvider.Acquire(ctx, agent, record.DispatchID)
	if err == nil {
		metrics.AcquisitionOutcomes.WithLabelValues(agent.Name, "warm").Inc()
		return slot, nil
	}
	if !stderrors.Is(err, pool.ErrNoWarmCapacity) {
		logr.FromContextOrDiscard(ctx).Error(err, "acquiring a warm slot, falling back to cold launch",
			"dispatch-id", record.DispatchID,
			"agent", agent.Name,
		)
	}
	if d.unavailableCapacity.IsUnavailable(agent.Name) {
		metrics.AcquisitionOutcomes.WithLabelValues(agent.Name, "unavailable").Inc()
		retryAfter := d.unavailableCapacity.RetryAfter(agent.Name)
		d.fail(ctx, record.DispatchID, v1.ErrorKindUnavailable, "no capacity to launch a worker")
		return nil, errors.NewUnavailable(retryAfter, "no capacity to launch a worker for agent %q", agent.Name)
	}
	metrics.AcquisitionOutcomes.WithLabelValues(agent.Name, "cold").Inc()
	return nil, nil
}

func (d *Dispatcher) resolveSecrets(ctx context.Context, agent *agents.Agent, record *v1.Dispatch) (*secrets.Bundle, error) {
	handles := make(map[string]string, len(agent.Secrets)+len(record.AdditionalSecrets))
	for handle, alias := range agent.Secrets {
		handles[handle] = alias
	}
	for handle, alias := range record.AdditionalSecrets {
		handles[handle] = alias
	}
	var bundle *secrets.Bundle
	err := retry.Do(func() error {
		var err error
		bundle, err = d.secretsProvider.Resolve(ctx, handles)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(resolveAttempts),
		retry.Delay(resolveBaseDelay),
		retry.MaxDelay(resolveMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(errors.IsTransient),
		retry.LastErrorOnly(true),
	)
	return bundle, err
}

// launchErrorKind keeps deterministic rejects visible as what they are and
// folds everything else into LAUNCH.
func (d *Dispatcher) launchErrorKind(err error) v1.ErrorKind {
	switch kind := errors.KindOf(err); kind {
	case v1.ErrorKindValidation, v1.ErrorKindConflict, v1.ErrorKindUnavailable:
		return kind
	default:
		return v1.ErrorKindLaunch
	}
}

// fail terminalizes a non-terminal record as FAILED best-effort. When even
// this write fails, the sweeper picks the stale record up later.
func (d *Dispatcher) fail(ctx context.Context, dispatchID string, kind v1.ErrorKind, message string) {
	var patched bool
	record, err := dispatch.UpdateWithRetry(ctx, d.dispatchStore, dispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
		if fresh.Status.Terminal() {
			patched = false
			return nil, nil
		}
		patched = true
		endedAt := d.clock.Now().UTC()
		return &v1.StatusPatch{
			Status:       v1.StatusFailed,
			ErrorKind:    kind,
			ErrorMessage: message,
			EndedAt:      &endedAt,
		}, nil
	})
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failing the dispatch", "dispatch-id", dispatchID, "kind", string(kind))
		return
	}
	if !patched {
		// Another writer got there first and owns the terminal bookkeeping.
		return
	}
	metrics.DispatchesTerminal.WithLabelValues(record.Agent, string(record.Status)).Inc()
	if err := d.workspaceProvider.ReleaseLease(ctx, record); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "releasing the workspace lease", "dispatch-id", dispatchID)
	}
}

// teardown undoes a placement whose record did not reach PROVISIONING: warm
// slots are recycled, cold workers stopped.
func (d *Dispatcher) teardown(ctx context.Context, slot *v1.Slot, handle, outcome, reason string) {
	log := logr.FromContextOrDiscard(ctx)
	if slot != nil {
		if err := d.poolProvider.Release(ctx, slot.SlotID, outcome); err != nil {
			log.Error(err, "releasing the slot during teardown", "slot-id", slot.SlotID)
		}
		return
	}
	if err := d.runtimeProvider.Stop(ctx, handle, reason); err != nil {
		log.Error(err, "stopping the worker during teardown", "runtime-handle", handle)
	}
}

// Get returns the record with a page of logs. Records belonging to another
// tenant read as NOT_FOUND so ids do not leak across tenants.
func (d *Dispatcher) Get(ctx context.Context, tenantID, dispatchID string, query v1.LogQuery) (*Detail, error) {
	record, err := d.dispatchStore.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if record.TenantID != tenantID {
		return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", dispatchID)
	}
	detail := &Detail{Dispatch: record}
	if query.SkipLogs || record.RuntimeHandle == "" {
		return detail, nil
	}
	page, err := d.logsProvider.Page(ctx, record.RuntimeHandle, query)
	if err != nil {
		// Logs are advisory on this path; the record is the answer.
		logr.FromContextOrDiscard(ctx).Error(err, "reading worker logs", "dispatch-id", dispatchID)
		return detail, nil
	}
	detail.Logs = page
	return detail, nil
}

// List pages the tenant's dispatch records, newest first.
func (d *Dispatcher) List(ctx context.Context, tenantID string, query v1.ListQuery) (*v1.ListPage, error) {
	return d.dispatchStore.List(ctx, tenantID, query)
}

// Cancel conditionally moves a non-terminal dispatch to CANCELLED and then
// stops its worker best-effort. Terminal records return CONFLICT.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, dispatchID, reason string) (*v1.Dispatch, error) {
	record, err := dispatch.UpdateWithRetry(ctx, d.dispatchStore, dispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
		if fresh.TenantID != tenantID {
			return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", dispatchID)
		}
		if fresh.Status.Terminal() {
			return nil, errors.New(v1.ErrorKindConflict, "dispatch %s is already %s", dispatchID, fresh.Status)
		}
		endedAt := d.clock.Now().UTC()
		return &v1.StatusPatch{
			Status:       v1.StatusCancelled,
			ErrorMessage: reason,
			EndedAt:      &endedAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DispatchesTerminal.WithLabelValues(record.Agent, string(record.Status)).Inc()
	log := logr.FromContextOrDiscard(ctx)
	log.Info("cancelled dispatch", "dispatch-id", dispatchID, "tenant-id", tenantID)
	if record.RuntimeHandle != "" {
		// The worker may have exited already; the reconciler respects the
		// CANCELLED state no matter what the termination event reports.
		if err := d.runtimeProvider.Stop(ctx, record.RuntimeHandle, "dispatch cancelled"); err != nil {
			log.Error(err, "stopping the cancelled worker", "runtime-handle", record.RuntimeHandle)
		}
	}
	if err := d.workspaceProvider.ReleaseLease(ctx, record); err != nil {
		log.Error(err, "releasing the workspace lease", "dispatch-id", dispatchID)
	}
	return record, nil
}

// Artifacts lists the presigned artifacts of a terminal dispatch.
func (d *Dispatcher) Artifacts(ctx context.Context, tenantID, dispatchID string, expiresIn time.Duration) ([]v1.Artifact, error) {
	record, err := d.dispatchStore.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	if record.TenantID != tenantID {
		return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", dispatchID)
	}
	if !record.Status.Terminal() {
		return nil, errors.New(v1.ErrorKindConflict, "dispatch %s is still %s", dispatchID, record.Status)
	}
	return d.artifactProvider.Artifacts(ctx, record, expiresIn)
}

// Fleet reports the cached fleet snapshot.
func (d *Dispatcher) Fleet(ctx context.Context) (*fleet.Snapshot, error) {
	return d.fleetProvider.Snapshot(ctx)
}
