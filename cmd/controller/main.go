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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/controllers"
	"github.com/outpost-run/outpost/pkg/dispatcher"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/operator"
	"github.com/outpost-run/outpost/pkg/operator/options"
	"github.com/outpost-run/outpost/pkg/server"
	"github.com/outpost-run/outpost/pkg/utils/log"
)

const shutdownGrace = 15 * time.Second

func main() {
	opts := options.New().MustParse()
	logger := log.Setup(opts.LogLevel).WithValues("version", operator.Version)

	ctx, cancel := context.WithCancel(options.ToContext(logr.NewContext(context.Background(), logger), opts))
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("shutdown requested")
		cancel()
		<-signals
		os.Exit(1) // second signal, exit without draining
	}()

	clk := clock.RealClock{}
	ctx, op := operator.NewOperator(ctx, clk)
	disp := dispatcher.New(op.Registry, op.DispatchStore, op.IdempotencyStore, op.PoolProvider, op.LauncherProvider,
		op.SecretsProvider, op.RuntimeProvider, op.LogsProvider, op.ArtifactProvider, op.FleetProvider,
		op.WorkspaceProvider, op.UnavailableCapacity, clk)

	api := server.New(disp, opts.HTTPPort, opts.RequestTimeout, logger)
	metricsServer := metrics.Server(opts.MetricsPort)

	go func() {
		logger.Info("serving api", "port", opts.HTTPPort)
		if err := api.Start(); err != nil {
			logger.Error(err, "api server failed")
			cancel()
		}
	}()
	go func() {
		logger.Info("serving metrics", "port", opts.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server failed")
			cancel()
		}
	}()

	controllers.Start(ctx, controllers.NewControllers(ctx, clk, op.Registry, op.DispatchStore, op.SlotStore,
		op.PoolProvider, op.RuntimeProvider, op.ArtifactProvider, op.WorkspaceProvider, op.SQSAPI)...)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := api.Shutdown(drainCtx); err != nil {
		logger.Error(err, "draining api server")
	}
	if err := metricsServer.Shutdown(drainCtx); err != nil {
		logger.Error(err, "draining metrics server")
	}
	logger.Info("shutdown complete")
}
