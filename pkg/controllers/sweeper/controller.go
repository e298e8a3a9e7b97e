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

// Package sweeper recovers dispatches whose lifecycle events were lost. A
// dispatch that outlives twice the longest timeout any request may carry has
// stopped receiving events; the sweeper asks the runtime directly and settles
// the record through the same reconciler the event path uses. It also stops
// live workers no dispatch or pool slot claims, so a crashed launch cannot
// leak capacity forever.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/controllers/termination"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
)

const (
	// DefaultInterval is the sweep cadence when options carry none.
	DefaultInterval = 5 * time.Minute

	// pendingAge is how long a dispatch may sit PENDING before it is
	// declared lost; the dispatcher hands records to the launcher within
	// seconds or fails them itself.
	pendingAge = 5 * time.Minute

	parallelism = 10

	// stopReason settles as TIMEOUT through the stop-report mapping.
	stopReason = "dispatch timeout ceiling exceeded"

	// orphanAge spares workers whose launch has not yet written its handle to
	// the dispatch store or the pool; those writes land within seconds of
	// RunTask, so anything unclaimed this long leaked.
	orphanAge = 10 * time.Minute

	orphanStopReason = "no dispatch or pool slot claims this worker"
)

// overdueAfter bounds how long a provisioned dispatch may stay non-terminal.
// The runtime enforces each dispatch's own timeout; twice the request ceiling
// is unreachable unless the stop report never arrived.
var overdueAfter = 2 * time.Duration(v1.TimeoutMaxSeconds) * time.Second

type Controller struct {
	registry        *agents.Registry
	dispatchStore   dispatch.Store
	slotStore       pool.Store
	runtimeProvider runtime.Provider
	reconciler      *termination.Reconciler
	clock           clock.Clock
	interval        time.Duration
}

func NewController(registry *agents.Registry, dispatchStore dispatch.Store, slotStore pool.Store, runtimeProvider runtime.Provider, reconciler *termination.Reconciler, clk clock.Clock, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		registry:        registry,
		dispatchStore:   dispatchStore,
		slotStore:       slotStore,
		runtimeProvider: runtimeProvider,
		reconciler:      reconciler,
		clock:           clk,
		interval:        interval,
	}
}

func (c *Controller) Start(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithValues("controller", "sweeper")
	ctx = logr.NewContext(ctx, log)
	log.Info("sweeping for lost dispatches", "interval", c.interval)
	for ctx.Err() == nil {
		if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "sweeping dispatches")
		}
		select {
		case <-ctx.Done():
		case <-c.clock.After(c.interval):
		}
	}
}

// Sweep settles every overdue dispatch it can and stops live workers nothing
// claims. The arms run independently so one failing cannot starve the other.
func (c *Controller) Sweep(ctx context.Context) error {
	return multierr.Append(c.sweepOverdue(ctx), c.sweepOrphans(ctx))
}

func (c *Controller) sweepOverdue(ctx context.Context) error {
	candidates, err := c.candidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	workers := errgroup.Group{}
	workers.SetLimit(parallelism)
	errs := make([]error, len(candidates))
	for i, record := range candidates {
		workers.Go(func() error {
			errs[i] = c.sweep(ctx, record)
			return nil
		})
	}
	_ = workers.Wait()
	return multierr.Combine(errs...)
}

// candidates are the dispatches no event can plausibly still settle: records
// past twice the timeout ceiling in a provisioned status, plus records stuck
// PENDING past the dispatcher's own hand-off window.
func (c *Controller) candidates(ctx context.Context) ([]*v1.Dispatch, error) {
	now := c.clock.Now().UTC()
	var candidates []*v1.Dispatch
	for _, status := range []v1.DispatchStatus{v1.StatusRunning, v1.StatusProvisioning} {
		records, err := c.dispatchStore.ListByStatus(ctx, status, now.Add(-overdueAfter))
		if err != nil {
			return nil, fmt.Errorf("listing overdue %s dispatches, %w", status, err)
		}
		candidates = append(candidates, records...)
	}
	records, err := c.dispatchStore.ListByStatus(ctx, v1.StatusPending, now.Add(-pendingAge))
	if err != nil {
		return nil, fmt.Errorf("listing stuck PENDING dispatches, %w", err)
	}
	return append(candidates, records...), nil
}

func (c *Controller) sweep(ctx context.Context, record *v1.Dispatch) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("dispatch-id", record.DispatchID, "status", record.Status)
	ctx = logr.NewContext(ctx, log)

	if record.RuntimeHandle == "" {
		log.Info("sweeping dispatch that never provisioned")
		sweptDispatches.WithLabelValues(outcomeLost).Inc()
		return c.reconciler.MarkLost(ctx, record.DispatchID)
	}
	status, err := c.runtimeProvider.Describe(ctx, record.RuntimeHandle)
	if err != nil {
		return fmt.Errorf("describing the worker of dispatch %s, %w", record.DispatchID, err)
	}
	switch status.State {
	case runtime.StateStopped:
		log.Info("sweeping dispatch whose stop report was lost", "runtime-handle", record.RuntimeHandle)
		sweptDispatches.WithLabelValues(outcomeReplayed).Inc()
		return c.reconciler.Reconcile(ctx, &v1.TerminationEvent{
			RuntimeHandle: record.RuntimeHandle,
			StopCode:      status.StopCode,
			StopReason:    status.StopReason,
			ExitCode:      status.ExitCode,
			StoppedAt:     status.StoppedAt,
		})
	case runtime.StateUnknown:
		log.Info("sweeping dispatch whose worker is gone", "runtime-handle", record.RuntimeHandle)
		sweptDispatches.WithLabelValues(outcomeLost).Inc()
		return c.reconciler.MarkLost(ctx, record.DispatchID)
	default:
		// The runtime still reports the worker alive past the point its own
		// timeout enforcement must have fired. Stop it and settle the record
		// now; the eventual stop report replays as a no-op.
		log.Info("stopping worker alive past the timeout ceiling", "runtime-handle", record.RuntimeHandle, "state", status.State)
		sweptDispatches.WithLabelValues(outcomeStopped).Inc()
		if err := c.runtimeProvider.Stop(ctx, record.RuntimeHandle, stopReason); err != nil {
			return fmt.Errorf("stopping the overdue worker of dispatch %s, %w", record.DispatchID, err)
		}
		return c.reconciler.Reconcile(ctx, &v1.TerminationEvent{
			RuntimeHandle: record.RuntimeHandle,
			StopReason:    stopReason,
			StoppedAt:     lo.ToPtr(c.clock.Now().UTC()),
		})
	}
}

// sweepOrphans stops live workers no dispatch and no pool slot claims. A
// launch that crashed before its store write leaves a worker running with
// nothing left to ever stop it.
func (c *Controller) sweepOrphans(ctx context.Context) error {
	handles, err := c.runtimeProvider.List(ctx)
	if err != nil {
		return fmt.Errorf("listing live workers, %w", err)
	}
	if len(handles) == 0 {
		return nil
	}
	claimed, err := c.claimedHandles(ctx)
	if err != nil {
		return err
	}
	orphans := lo.Filter(handles, func(handle string, _ int) bool { return !claimed.Has(handle) })
	workers := errgroup.Group{}
	workers.SetLimit(parallelism)
	errs := make([]error, len(orphans))
	for i, handle := range orphans {
		workers.Go(func() error {
			errs[i] = c.sweepOrphan(ctx, handle)
			return nil
		})
	}
	_ = workers.Wait()
	return multierr.Combine(errs...)
}

// claimedHandles is every runtime handle the control plane still owns: the
// worker of any dispatch that could yet settle, plus every pool slot in any
// state.
func (c *Controller) claimedHandles(ctx context.Context) (sets.Set[string], error) {
	claimed := sets.New[string]()
	for _, status := range []v1.DispatchStatus{v1.StatusProvisioning, v1.StatusRunning, v1.StatusCompleting} {
		records, err := c.dispatchStore.ListByStatusSince(ctx, status, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("listing %s dispatches, %w", status, err)
		}
		for _, record := range records {
			if record.RuntimeHandle != "" {
				claimed.Insert(record.RuntimeHandle)
			}
		}
	}
	for _, name := range c.registry.Names() {
		slots, err := c.slotStore.ListByAgent(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("listing %s pool slots, %w", name, err)
		}
		for _, slot := range slots {
			claimed.Insert(slot.SlotID)
		}
	}
	return claimed, nil
}

func (c *Controller) sweepOrphan(ctx context.Context, handle string) error {
	status, err := c.runtimeProvider.Describe(ctx, handle)
	if err != nil {
		return fmt.Errorf("describing unclaimed worker %s, %w", handle, err)
	}
	if status.State == runtime.StateStopped || status.State == runtime.StateUnknown {
		return nil
	}
	// A worker is only an orphan once it has outlived the launch path's store
	// writes by a wide margin.
	if status.CreatedAt == nil || c.clock.Now().UTC().Sub(*status.CreatedAt) < orphanAge {
		return nil
	}
	logr.FromContextOrDiscard(ctx).Info("stopping worker nothing claims",
		"runtime-handle", handle,
		"state", status.State,
		"age", c.clock.Now().UTC().Sub(*status.CreatedAt).Truncate(time.Second).String(),
	)
	orphanedWorkers.Inc()
	if err := c.runtimeProvider.Stop(ctx, handle, orphanStopReason); err != nil {
		return fmt.Errorf("stopping orphaned worker %s, %w", handle, err)
	}
	return nil
}
