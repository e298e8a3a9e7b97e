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

package controllers

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	poolcontroller "github.com/outpost-run/outpost/pkg/controllers/pool"
	"github.com/outpost-run/outpost/pkg/controllers/sweeper"
	"github.com/outpost-run/outpost/pkg/controllers/termination"
	"github.com/outpost-run/outpost/pkg/operator/options"
	"github.com/outpost-run/outpost/pkg/providers/artifact"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/providers/sqs"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
)

// Controller runs a reconciliation loop until its context is cancelled.
type Controller interface {
	Start(ctx context.Context)
}

// NewControllers wires the background loops that keep dispatch records
// converging on runtime reality: the warm pool reconciler, the sweeper, and,
// when a termination queue is configured, the lifecycle event consumer.
func NewControllers(ctx context.Context, clk clock.Clock, registry *agents.Registry, dispatchStore dispatch.Store,
	slotStore pool.Store, poolProvider pool.Provider, runtimeProvider runtime.Provider, artifactProvider artifact.Provider,
	workspaceProvider workspace.Provider, sqsClient sdk.SQSAPI) []Controller {

	reconciler := termination.NewReconciler(registry, dispatchStore, poolProvider, artifactProvider, workspaceProvider, clk)
	controllers := []Controller{
		poolcontroller.NewController(registry, poolProvider, slotStore, clk),
		sweeper.NewController(registry, dispatchStore, slotStore, runtimeProvider, reconciler, clk, options.FromContext(ctx).SweepInterval),
	}
	if queue := options.FromContext(ctx).TerminationQueue; queue != "" {
		controllers = append(controllers, termination.NewController(lo.Must(sqs.NewDefaultProvider(sqsClient, queue)), reconciler, clk))
	}
	return controllers
}

// Start runs every controller and blocks until all of them have returned.
func Start(ctx context.Context, controllers ...Controller) {
	wg := &sync.WaitGroup{}
	for _, c := range controllers {
		wg.Add(1)
		go func(c Controller) {
			defer wg.Done()
			c.Start(ctx)
		}(c)
	}
	wg.Wait()
}
