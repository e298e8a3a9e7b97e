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

// Package pool keeps every agent's warm pool at its configured size: expired
// and unconfirmed slots are reaped, missing capacity is relaunched, and the
// pool depth gauge tracks what the store holds. Acquisition replenishes
// opportunistically; this loop is what heals the pool when nothing is being
// dispatched.
package pool

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/providers/pool"
)

var slotStates = []v1.SlotState{v1.SlotStateWarming, v1.SlotStateWarm, v1.SlotStateAcquired, v1.SlotStateReleasing}

type Controller struct {
	registry     *agents.Registry
	poolProvider pool.Provider
	slotStore    pool.Store
	clock        clock.Clock
}

func NewController(registry *agents.Registry, poolProvider pool.Provider, slotStore pool.Store, clk clock.Clock) *Controller {
	return &Controller{
		registry:     registry,
		poolProvider: poolProvider,
		slotStore:    slotStore,
		clock:        clk,
	}
}

// Start runs one reconcile loop per agent, each on the agent's own health
// check period, until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithValues("controller", "pool")
	ctx = logr.NewContext(ctx, log)
	log.Info("reconciling warm pools", "agents", c.registry.Names())
	workers := errgroup.Group{}
	for _, name := range c.registry.Names() {
		agent, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		workers.Go(func() error {
			c.run(ctx, agent)
			return nil
		})
	}
	_ = workers.Wait()
}

func (c *Controller) run(ctx context.Context, agent *agents.Agent) {
	log := logr.FromContextOrDiscard(ctx).WithValues("agent", agent.Name)
	ctx = logr.NewContext(ctx, log)
	for ctx.Err() == nil {
		if err := c.Reconcile(ctx, agent); err != nil && ctx.Err() == nil {
			log.Error(err, "reconciling warm pool")
		}
		select {
		case <-ctx.Done():
		case <-c.clock.After(agent.Pool.HealthCheckPeriod()):
		}
	}
}

// Reconcile runs one reap-then-replenish pass for the agent and refreshes its
// pool depth gauge. Reaping first frees the capacity replenish then refills.
func (c *Controller) Reconcile(ctx context.Context, agent *agents.Agent) error {
	log := logr.FromContextOrDiscard(ctx)
	var errs error
	if err := c.poolProvider.Reap(ctx, agent); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reaping the %s pool, %w", agent.Name, err))
	}
	launched, err := c.poolProvider.Replenish(ctx, agent)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("replenishing the %s pool, %w", agent.Name, err))
	}
	if launched > 0 {
		log.V(1).Info("replenished warm pool", "launched", launched)
	}
	if err := c.observe(ctx, agent); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (c *Controller) observe(ctx context.Context, agent *agents.Agent) error {
	counts, err := c.slotStore.CountByState(ctx, agent.Name)
	if err != nil {
		return fmt.Errorf("counting %s slots, %w", agent.Name, err)
	}
	for _, state := range slotStates {
		metrics.PoolSlots.WithLabelValues(agent.Name, string(state)).Set(float64(counts[state]))
	}
	return nil
}
