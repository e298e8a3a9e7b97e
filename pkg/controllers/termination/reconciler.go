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

package termination

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/providers/artifact"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
)

var timeoutPattern = regexp.MustCompile(`(?i)timeout`)

// Reconciler maps worker stop reports onto terminal dispatch states and
// start confirmations onto RUNNING. Every status write is conditional, so
// at-least-once event delivery produces exactly one terminal transition per
// dispatch; replays settle as no-ops.
type Reconciler struct {
	registry          *agents.Registry
	dispatchStore     dispatch.Store
	poolProvider      pool.Provider
	artifactProvider  artifact.Provider
	workspaceProvider workspace.Provider
	clock             clock.Clock
}

func NewReconciler(registry *agents.Registry, dispatchStore dispatch.Store, poolProvider pool.Provider,
	artifactProvider artifact.Provider, workspaceProvider workspace.Provider, clk clock.Clock) *Reconciler {

	return &Reconciler{
		registry:          registry,
		dispatchStore:     dispatchStore,
		poolProvider:      poolProvider,
		artifactProvider:  artifactProvider,
		workspaceProvider: workspaceProvider,
		clock:             clk,
	}
}

// Reconcile settles one stop report: find the dispatch bound to the worker,
// walk it to the mapped terminal status, publish artifacts where the outcome
// calls for them, and hand the slot back to the pool.
func (r *Reconciler) Reconcile(ctx context.Context, event *v1.TerminationEvent) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("runtime-handle", event.RuntimeHandle)
	ctx = logr.NewContext(ctx, log)

	records, err := r.dispatchStore.GetByRuntimeHandle(ctx, event.RuntimeHandle)
	if err != nil {
		return fmt.Errorf("resolving the stopped worker to a dispatch, %w", err)
	}
	record, ok := elect(records)
	if !ok {
		// A placeholder worker stopped before any dispatch bound it. There
		// is no record to settle, only the slot to clear.
		log.V(1).Info("stopped worker has no dispatch")
		if err := r.poolProvider.Release(ctx, event.RuntimeHandle, pool.OutcomeUnhealthy); err != nil {
			return fmt.Errorf("releasing the unbound slot, %w", err)
		}
		return nil
	}

	final, transitioned, err := r.settle(ctx, record.DispatchID, event)
	if err != nil {
		return fmt.Errorf("settling dispatch %s, %w", record.DispatchID, err)
	}
	return r.finish(ctx, final, event.RuntimeHandle, transitioned)
}

// MarkLost settles a dispatch whose worker the runtime no longer reports.
// A record still waiting for a worker fails outright; one that had a worker
// times out with the RUNTIME_LOST kind.
func (r *Reconciler) MarkLost(ctx context.Context, dispatchID string) error {
	wrote := false
	final, err := dispatch.UpdateWithRetry(ctx, r.dispatchStore, dispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
		wrote = false
		patch := &v1.StatusPatch{EndedAt: lo.ToPtr(r.clock.Now().UTC()), ErrorKind: v1.ErrorKindRuntimeLost}
		switch fresh.Status {
		case v1.StatusPending:
			patch.Status = v1.StatusFailed
			patch.ErrorMessage = "no worker was ever provisioned"
		case v1.StatusProvisioning, v1.StatusRunning:
			patch.Status = v1.StatusTimeout
			patch.ErrorMessage = "the runtime no longer reports the worker"
		default:
			return nil, nil
		}
		wrote = true
		return patch, nil
	})
	if err != nil {
		return fmt.Errorf("recording the loss of dispatch %s, %w", dispatchID, err)
	}
	return r.finish(ctx, final, final.RuntimeHandle, wrote)
}

// Promote acknowledges a worker start confirmation: a warming pool slot
// becomes acquirable and a PROVISIONING dispatch bound to the worker moves
// to RUNNING.
func (r *Reconciler) Promote(ctx context.Context, runtimeHandle string, startedAt *time.Time) error {
	var errs error
	if err := r.poolProvider.Promote(ctx, runtimeHandle); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("promoting slot %s, %w", runtimeHandle, err))
	}
	records, err := r.dispatchStore.GetByRuntimeHandle(ctx, runtimeHandle)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("resolving the started worker to a dispatch, %w", err))
	}
	record, ok := lo.Find(records, func(rec *v1.Dispatch) bool { return rec.Status == v1.StatusProvisioning })
	if !ok {
		return errs
	}
	started := lo.ToPtr(r.clock.Now().UTC())
	if startedAt != nil {
		started = startedAt
	}
	if _, err := dispatch.UpdateWithRetry(ctx, r.dispatchStore, record.DispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
		if fresh.Status != v1.StatusProvisioning {
			return nil, nil
		}
		return &v1.StatusPatch{Status: v1.StatusRunning, StartedAt: started}, nil
	}); err != nil {
		return multierr.Append(errs, fmt.Errorf("recording the start of dispatch %s, %w", record.DispatchID, err))
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("dispatch running", "dispatch-id", record.DispatchID, "runtime-handle", runtimeHandle)
	return errs
}

// settle walks the dispatch from wherever the event finds it to the mapped
// terminal status, one legal transition at a time, and reports whether this
// call performed the terminal write.
func (r *Reconciler) settle(ctx context.Context, dispatchID string, event *v1.TerminationEvent) (*v1.Dispatch, bool, error) {
	log := logr.FromContextOrDiscard(ctx)
	mapped, kind := terminalStatusFor(event)
	transitioned := false

	// Four hops bound the longest walk, PROVISIONING -> RUNNING ->
	// COMPLETING -> terminal, with one spare for a replayed read.
	for hops := 0; hops < 4; hops++ {
		wrote := false
		record, err := dispatch.UpdateWithRetry(ctx, r.dispatchStore, dispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
			wrote = false
			patch := nextHop(fresh, mapped, kind, event, r.clock.Now().UTC())
			if patch == nil {
				return nil, nil
			}
			wrote = patch.Status.Terminal()
			return patch, nil
		})
		if err != nil {
			return nil, transitioned, err
		}
		transitioned = transitioned || wrote

		switch {
		case record.Status.Terminal():
			if !transitioned && record.Status != mapped {
				log.Info("dropping event for settled dispatch", "dispatch-id", record.DispatchID, "status", record.Status, "event-status", mapped)
			}
			return record, transitioned, nil
		case record.Status == v1.StatusCompleting:
			if mapped != v1.StatusSuccess && mapped != v1.StatusFailed {
				// Completion already owns the record; a racing cancel or
				// timeout report lost. The owning event's redelivery
				// finishes the job if its first processing died here.
				log.Info("dropping event for completing dispatch", "dispatch-id", record.DispatchID, "event-status", mapped)
				return record, transitioned, nil
			}
			final, completed, err := r.complete(ctx, record, event, mapped, kind)
			if err != nil {
				return nil, transitioned, err
			}
			return final, transitioned || completed, nil
		}
	}
	return nil, transitioned, errors.New(v1.ErrorKindInternal, "dispatch %s did not settle", dispatchID)
}

// complete publishes staged artifacts and writes the terminal record. A
// publish failure degrades the dispatch to FAILED with errorKind ARTIFACT,
// but only while it still owns the COMPLETING state.
func (r *Reconciler) complete(ctx context.Context, record *v1.Dispatch, event *v1.TerminationEvent, mapped v1.DispatchStatus, kind v1.ErrorKind) (*v1.Dispatch, bool, error) {
	log := logr.FromContextOrDiscard(ctx)

	handle, err := r.artifactProvider.Publish(ctx, record)
	if err != nil {
		log.Error(err, "publishing artifacts", "dispatch-id", record.DispatchID)
		wrote := false
		final, err := dispatch.UpdateWithRetry(ctx, r.dispatchStore, record.DispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
			wrote = false
			if fresh.Status != v1.StatusCompleting {
				return nil, nil
			}
			patch := terminalPatch(v1.StatusFailed, v1.ErrorKindArtifact, event, r.clock.Now().UTC())
			patch.ErrorMessage = "publishing artifacts failed"
			wrote = true
			return patch, nil
		})
		if err != nil {
			return nil, false, err
		}
		return final, wrote, nil
	}

	wrote := false
	final, err := dispatch.UpdateWithRetry(ctx, r.dispatchStore, record.DispatchID, func(fresh *v1.Dispatch) (*v1.StatusPatch, error) {
		wrote = false
		if fresh.Status.Terminal() {
			return nil, nil
		}
		patch := terminalPatch(mapped, kind, event, r.clock.Now().UTC())
		if handle != "" {
			patch.ArtifactHandle = lo.ToPtr(handle)
		}
		wrote = true
		return patch, nil
	})
	if err != nil {
		return nil, false, err
	}
	return final, wrote, nil
}

// finish clears the slot and workspace lease bound to a settled record and,
// when this call performed the terminal write, counts the outcome and
// replenishes the agent's pool. Both clears run on replays too; they are
// idempotent and a cold-launched handle matches no slot at all.
func (r *Reconciler) finish(ctx context.Context, final *v1.Dispatch, runtimeHandle string, transitioned bool) error {
	log := logr.FromContextOrDiscard(ctx)
	var errs error
	if runtimeHandle != "" {
		if err := r.poolProvider.Release(ctx, runtimeHandle, string(final.Status)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("releasing slot %s, %w", runtimeHandle, err))
		}
	}
	if err := r.workspaceProvider.ReleaseLease(ctx, final); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("releasing the workspace lease of dispatch %s, %w", final.DispatchID, err))
	}
	if !transitioned {
		return errs
	}

	metrics.DispatchesTerminal.WithLabelValues(final.Agent, string(final.Status)).Inc()
	log.Info("settled dispatch", "dispatch-id", final.DispatchID, "status", final.Status, "exit-code", final.ExitCode)
	if agent, err := r.registry.Get(final.Agent); err != nil {
		log.V(1).Info("agent no longer registered, skipping replenish", "agent", final.Agent)
	} else if _, err := r.poolProvider.Replenish(ctx, agent); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("replenishing the %s pool, %w", agent.Name, err))
	}
	return errs
}

// elect picks the dispatch an event settles: the single non-terminal record
// when one exists, otherwise the newest record for the replay check.
func elect(records []*v1.Dispatch) (*v1.Dispatch, bool) {
	if len(records) == 0 {
		return nil, false
	}
	if record, ok := lo.Find(records, func(rec *v1.Dispatch) bool { return !rec.Status.Terminal() }); ok {
		return record, true
	}
	return lo.MaxBy(records, func(a, b *v1.Dispatch) bool { return a.CreatedAt.After(b.CreatedAt) }), true
}

// terminalStatusFor maps the runtime's stop report onto the dispatch state
// machine.
func terminalStatusFor(event *v1.TerminationEvent) (v1.DispatchStatus, v1.ErrorKind) {
	switch {
	case event.StopCode == v1.StopCodeUserInitiated:
		return v1.StatusCancelled, ""
	case timeoutPattern.MatchString(event.StopReason):
		return v1.StatusTimeout, ""
	case event.ExitCode != nil && *event.ExitCode == 0:
		return v1.StatusSuccess, ""
	case event.StopCode == v1.StopCodeTaskFailedToStart:
		return v1.StatusFailed, v1.ErrorKindLaunch
	default:
		return v1.StatusFailed, ""
	}
}

// nextHop returns the next legal transition toward mapped, or nil when the
// record is terminal or must publish artifacts before its terminal write.
func nextHop(fresh *v1.Dispatch, mapped v1.DispatchStatus, kind v1.ErrorKind, event *v1.TerminationEvent, now time.Time) *v1.StatusPatch {
	if fresh.Status.Terminal() || fresh.Status == v1.StatusCompleting {
		return nil
	}
	publishes := mapped == v1.StatusSuccess || mapped == v1.StatusFailed
	switch fresh.Status {
	case v1.StatusRunning:
		if publishes {
			return &v1.StatusPatch{Status: v1.StatusCompleting}
		}
	case v1.StatusProvisioning:
		// An exit code means the worker demonstrably ran and the start
		// confirmation lost the race. Promote first so completion routes
		// through artifact publication.
		if publishes && event.ExitCode != nil {
			return &v1.StatusPatch{Status: v1.StatusRunning, StartedAt: startedAtFor(event, now)}
		}
	}
	return terminalPatch(mapped, kind, event, now)
}

func terminalPatch(status v1.DispatchStatus, kind v1.ErrorKind, event *v1.TerminationEvent, now time.Time) *v1.StatusPatch {
	ended := now
	if event.StoppedAt != nil {
		ended = *event.StoppedAt
	}
	patch := &v1.StatusPatch{
		Status:   status,
		ExitCode: event.ExitCode,
		EndedAt:  lo.ToPtr(ended),
	}
	if status != v1.StatusSuccess {
		patch.ErrorKind = kind
		patch.ErrorMessage = event.StopReason
	}
	return patch
}

func startedAtFor(event *v1.TerminationEvent, now time.Time) *time.Time {
	if event.StoppedAt != nil {
		return event.StoppedAt
	}
	return lo.ToPtr(now)
}
