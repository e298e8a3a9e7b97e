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

// Package pool manages pre-provisioned workers. Slots advance
// WARMING -> WARM -> ACQUIRED -> RELEASING through conditional writes, so any
// number of dispatchers and controllers can race on the same pool and each
// slot is still handed to exactly one dispatch.
package pool

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
)

// ErrNoWarmCapacity signals that no warm slot could be acquired and the
// caller should fall back to a cold launch.
var ErrNoWarmCapacity = stderrors.New("the warm pool has no available slot")

// Release outcomes beyond the terminal dispatch statuses the termination
// reconciler passes through.
const (
	OutcomeExpired      = "EXPIRED"
	OutcomeUnhealthy    = "UNHEALTHY"
	OutcomeFailedToBind = "FAILED_TO_BIND"
)

// acquireAttempts bounds how many warm candidates one acquisition tries
// before falling back cold.
const acquireAttempts = 3

// PlaceholderLauncher starts idle pool workers. The launcher provider
// implements it; the indirection keeps this package off the full launcher
// surface.
type PlaceholderLauncher interface {
	LaunchPlaceholder(ctx context.Context, agent *agents.Agent) (string, error)
}

type Provider interface {
	// Acquire hands the oldest warm slot to dispatchID, or ErrNoWarmCapacity
	// when every candidate is gone or contended away.
	Acquire(ctx context.Context, agent *agents.Agent, dispatchID string) (*v1.Slot, error)
	// Release tears a slot down: mark RELEASING, stop the worker best-effort,
	// delete the record. Releasing an unknown slot is a no-op.
	Release(ctx context.Context, slotID string, outcome string) error
	// Promote confirms a warming worker is running and makes its slot
	// acquirable. Promoting a slot past WARMING is a no-op.
	Promote(ctx context.Context, slotID string) error
	// Replenish cold-starts placeholders until the agent's pool holds minWarm
	// warm-or-warming slots, bounded by maxTotal. Returns how many launched.
	Replenish(ctx context.Context, agent *agents.Agent) (int, error)
	// Reap releases warm slots past their idle timeout and slots the runtime
	// stopped confirming, and promotes warming slots it can confirm.
	Reap(ctx context.Context, agent *agents.Agent) error
}

type DefaultProvider struct {
	store    Store
	runtime  runtime.Provider
	launcher PlaceholderLauncher
	clock    clock.Clock
}

func NewDefaultProvider(store Store, runtimeProvider runtime.Provider, launcher PlaceholderLauncher, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{store: store, runtime: runtimeProvider, launcher: launcher, clock: clk}
}

func (p *DefaultProvider) Acquire(ctx context.Context, agent *agents.Agent, dispatchID string) (*v1.Slot, error) {
	slots, err := p.store.ListByAgent(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	warm := lo.Filter(slots, func(slot *v1.Slot, _ int) bool { return slot.State == v1.SlotStateWarm })
	sort.Slice(warm, func(i, j int) bool { return warm[i].CreatedAt.Before(warm[j].CreatedAt) })

	for i, candidate := range warm {
		if i == acquireAttempts {
			break
		}
		slot, err := p.store.Transition(ctx, candidate.SlotID, v1.SlotStateWarm, v1.SlotStateAcquired, Mutation{
			AcquiredBy: lo.ToPtr(dispatchID),
		})
		if err != nil {
			// Another dispatch got there first, or the reaper did. Try the
			// next candidate.
			if errors.IsConflict(err) || errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		logr.FromContextOrDiscard(ctx).V(1).Info("acquired warm slot", "slot-id", slot.SlotID, "agent", agent.Name)
		return slot, nil
	}
	return nil, ErrNoWarmCapacity
}

func (p *DefaultProvider) Release(ctx context.Context, slotID string, outcome string) error {
	slot, err := p.store.Get(ctx, slotID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if slot.State != v1.SlotStateReleasing {
		if _, err := p.store.Transition(ctx, slotID, slot.State, v1.SlotStateReleasing, Mutation{}); err != nil {
			// A concurrent releaser won the transition and is tearing the
			// slot down.
			if errors.IsConflict(err) || errors.IsNotFound(err) {
				return nil
			}
			return err
		}
	}
	if err := p.runtime.Stop(ctx, slotID, "released from warm pool: "+outcome); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "stopping a released warm worker", "slot-id", slotID)
	}
	if err := p.store.Delete(ctx, slotID); err != nil {
		return err
	}
	logr.FromContextOrDiscard(ctx).Info("released warm slot", "slot-id", slotID, "agent", slot.Agent, "outcome", outcome)
	return nil
}

func (p *DefaultProvider) Promote(ctx context.Context, slotID string) error {
	slot, err := p.store.Get(ctx, slotID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if slot.State != v1.SlotStateWarming {
		return nil
	}
	if _, err := p.store.Transition(ctx, slotID, v1.SlotStateWarming, v1.SlotStateWarm, Mutation{
		LastHealthyAt: lo.ToPtr(p.clock.Now()),
	}); err != nil && !errors.IsConflict(err) && !errors.IsNotFound(err) {
		return err
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("promoted warming slot", "slot-id", slotID, "agent", slot.Agent)
	return nil
}

func (p *DefaultProvider) Replenish(ctx context.Context, agent *agents.Agent) (int, error) {
	counts, err := p.store.CountByState(ctx, agent.Name)
	if err != nil {
		return 0, err
	}
	warmish := counts[v1.SlotStateWarming] + counts[v1.SlotStateWarm]
	active := warmish + counts[v1.SlotStateAcquired]
	want := min(agent.Pool.MinWarm-warmish, agent.Pool.MaxTotal-active)

	launched := 0
	for ; launched < want; launched++ {
		if err := p.launchPlaceholder(ctx, agent); err != nil {
			return launched, err
		}
	}
	if launched > 0 {
		logr.FromContextOrDiscard(ctx).Info("replenished warm pool", "agent", agent.Name, "launched", launched)
	}
	return launched, nil
}

func (p *DefaultProvider) launchPlaceholder(ctx context.Context, agent *agents.Agent) error {
	handle, err := p.launcher.LaunchPlaceholder(ctx, agent)
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	return p.store.Put(ctx, &v1.Slot{
		SlotID:        handle,
		Agent:         agent.Name,
		State:         v1.SlotStateWarming,
		CreatedAt:     now,
		LastHealthyAt: now,
		TTL:           now.Add(2 * agent.Pool.WarmTimeout()),
	})
}

func (p *DefaultProvider) Reap(ctx context.Context, agent *agents.Agent) error {
	slots, err := p.store.ListByAgent(ctx, agent.Name)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	var errs error
	for _, slot := range slots {
		switch {
		case slot.State == v1.SlotStateAcquired:
			// The dispatch lifecycle owns acquired slots.
		case slot.State == v1.SlotStateReleasing:
			// A releaser died mid-teardown. Finish the job.
			errs = multierr.Append(errs, p.Release(ctx, slot.SlotID, OutcomeUnhealthy))
		case slot.State == v1.SlotStateWarm && now.Sub(slot.CreatedAt) > agent.Pool.WarmTimeout():
			errs = multierr.Append(errs, p.Release(ctx, slot.SlotID, OutcomeExpired))
		default:
			errs = multierr.Append(errs, p.checkHealth(ctx, agent, slot, now))
		}
	}
	return errs
}

func (p *DefaultProvider) checkHealth(ctx context.Context, agent *agents.Agent, slot *v1.Slot, now time.Time) error {
	status, err := p.runtime.Describe(ctx, slot.SlotID)
	if err != nil {
		return err
	}
	if status.State == runtime.StateRunning {
		if slot.State == v1.SlotStateWarming {
			return p.Promote(ctx, slot.SlotID)
		}
		if err := p.store.Touch(ctx, slot.SlotID, now); err != nil && !errors.IsNotFound(err) {
			return err
		}
		return nil
	}
	if now.Sub(slot.LastHealthyAt) > 2*agent.Pool.HealthCheckPeriod() {
		metrics.HealthCheckFailures.WithLabelValues(agent.Name).Inc()
		return p.Release(ctx, slot.SlotID, OutcomeUnhealthy)
	}
	return nil
}
