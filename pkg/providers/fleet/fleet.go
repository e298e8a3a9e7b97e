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

// Package fleet assembles the operator-facing view of the system: pool depth
// and health per agent, recent dispatch counts, and cluster utilization.
package fleet

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
	"github.com/outpost-run/outpost/pkg/providers/pool"
)

const (
	// trailingWindow is how far back dispatch counts look.
	trailingWindow = time.Hour

	snapshotKey = "fleet-snapshot"
)

// AgentFleet is one agent's slice of the snapshot.
type AgentFleet struct {
	Warm      int `json:"warm"`
	Acquired  int `json:"acquired"`
	Releasing int `json:"releasing"`
	// FailingHealthCheckRate is the fraction of pooled (non-acquired) slots
	// currently past their health confirmation window.
	FailingHealthCheckRate float64                   `json:"failingHealthCheckRate"`
	Dispatches             map[v1.DispatchStatus]int `json:"dispatches"`
}

// ClusterStats is a coarse utilization proxy from the runtime.
type ClusterStats struct {
	RunningTasks int `json:"runningTasks"`
	PendingTasks int `json:"pendingTasks"`
}

type Snapshot struct {
	Agents     map[string]*AgentFleet `json:"agents"`
	Cluster    ClusterStats           `json:"cluster"`
	CapturedAt time.Time              `json:"capturedAt"`
}

type Provider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

type DefaultProvider struct {
	slotStore     pool.Store
	dispatchStore dispatch.Store
	registry      *agents.Registry
	api           sdk.ECSAPI
	cluster       string
	// cache holds the last snapshot for its TTL; group collapses concurrent
	// rebuilds into one.
	cache *cache.Cache
	group singleflight.Group
	clock clock.Clock
}

func NewDefaultProvider(slotStore pool.Store, dispatchStore dispatch.Store, registry *agents.Registry, api sdk.ECSAPI, cluster string, cache *cache.Cache, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		slotStore:     slotStore,
		dispatchStore: dispatchStore,
		registry:      registry,
		api:           api,
		cluster:       cluster,
		cache:         cache,
		clock:         clk,
	}
}

func (p *DefaultProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	if cached, ok := p.cache.Get(snapshotKey); ok {
		return cached.(*Snapshot), nil
	}
	out, err, _ := p.group.Do(snapshotKey, func() (any, error) {
		snapshot, err := p.build(ctx)
		if err != nil {
			return nil, err
		}
		p.cache.SetDefault(snapshotKey, snapshot)
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*Snapshot), nil
}

func (p *DefaultProvider) build(ctx context.Context) (*Snapshot, error) {
	now := p.clock.Now()
	snapshot := &Snapshot{Agents: map[string]*AgentFleet{}, CapturedAt: now}
	for _, name := range p.registry.Names() {
		agent, err := p.registry.Get(name)
		if err != nil {
			return nil, err
		}
		fleet, err := p.agentFleet(ctx, agent, now)
		if err != nil {
			return nil, err
		}
		snapshot.Agents[name] = fleet
	}
	since := now.Add(-trailingWindow)
	for _, status := range append(v1.ActiveStatuses(), v1.TerminalStatuses()...) {
		records, err := p.dispatchStore.ListByStatusSince(ctx, status, since)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if fleet, ok := snapshot.Agents[record.Agent]; ok {
				fleet.Dispatches[status]++
			}
		}
	}
	p.clusterStats(ctx, snapshot)
	return snapshot, nil
}

func (p *DefaultProvider) agentFleet(ctx context.Context, agent *agents.Agent, now time.Time) (*AgentFleet, error) {
	slots, err := p.slotStore.ListByAgent(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	fleet := &AgentFleet{Dispatches: map[v1.DispatchStatus]int{}}
	checked, failing := 0, 0
	for _, slot := range slots {
		switch slot.State {
		case v1.SlotStateWarm:
			fleet.Warm++
			checked++
			if now.Sub(slot.LastHealthyAt) > agent.Pool.HealthCheckPeriod() {
				failing++
			}
		case v1.SlotStateWarming:
			checked++
			// Same confirmation grace the reaper applies to fresh slots.
			if now.Sub(slot.CreatedAt) > 2*agent.Pool.HealthCheckPeriod() {
				failing++
			}
		case v1.SlotStateAcquired:
			fleet.Acquired++
		case v1.SlotStateReleasing:
			fleet.Releasing++
		}
	}
	if checked > 0 {
		fleet.FailingHealthCheckRate = float64(failing) / float64(checked)
	}
	return fleet, nil
}

// clusterStats is best effort: a runtime describe outage should not take the
// fleet view down with it.
func (p *DefaultProvider) clusterStats(ctx context.Context, snapshot *Snapshot) {
	out, err := p.api.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{p.cluster}})
	if err != nil || len(out.Clusters) == 0 {
		logr.FromContextOrDiscard(ctx).V(1).Info("skipping cluster statistics", "error", err)
		return
	}
	snapshot.Cluster = ClusterStats{
		RunningTasks: int(out.Clusters[0].RunningTasksCount),
		PendingTasks: int(out.Clusters[0].PendingTasksCount),
	}
}
