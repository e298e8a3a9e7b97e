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

package operator

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	servicesqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	dockerclient "github.com/docker/docker/client"
	"github.com/go-logr/logr"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/outpost-run/outpost/pkg/agents"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	awscache "github.com/outpost-run/outpost/pkg/cache"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/operator/options"
	"github.com/outpost-run/outpost/pkg/providers/artifact"
	"github.com/outpost-run/outpost/pkg/providers/blob"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
	"github.com/outpost-run/outpost/pkg/providers/fleet"
	"github.com/outpost-run/outpost/pkg/providers/idempotency"
	"github.com/outpost-run/outpost/pkg/providers/launcher"
	"github.com/outpost-run/outpost/pkg/providers/logs"
	"github.com/outpost-run/outpost/pkg/providers/pool"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/providers/runtime/docker"
	"github.com/outpost-run/outpost/pkg/providers/secrets"
	"github.com/outpost-run/outpost/pkg/providers/workspace"
)

// Version is injected at build time.
var Version = "unversioned"

// logStreamPrefix is the awslogs-stream-prefix the worker task definitions
// are registered with; streams land as <prefix>/<container>/<task-id>.
const logStreamPrefix = "outpost"

// Operator is the composition root: AWS clients, the agent registry, and the
// provider graph the dispatch API and controllers are assembled from.
type Operator struct {
	Config aws.Config
	Clock  clock.Clock

	Registry            *agents.Registry
	UnavailableCapacity *awscache.UnavailableCapacity
	SQSAPI              sdk.SQSAPI

	DispatchStore     dispatch.Store
	SlotStore         pool.Store
	IdempotencyStore  idempotency.Store
	WorkspaceProvider workspace.Provider
	BlobProvider      blob.Provider
	RuntimeProvider   runtime.Provider
	LauncherProvider  launcher.Provider
	PoolProvider      pool.Provider
	SecretsProvider   secrets.Provider
	LogsProvider      logs.Provider
	ArtifactProvider  artifact.Provider
	FleetProvider     fleet.Provider
}

func NewOperator(ctx context.Context, clk clock.Clock) (context.Context, *Operator) {
	opts := options.FromContext(ctx)
	log := logr.FromContextOrDiscard(ctx)

	registry := lo.Must(agents.Load(opts.AgentRegistry))
	log.Info("loaded agent registry", "agents", registry.Names())

	cfg := prometheusv2.WithPrometheusMetrics(WithUserAgent(lo.Must(config.LoadDefaultConfig(ctx))), metrics.Registry)
	if cfg.Region == "" {
		log.V(1).Info("retrieving region from IMDS")
		region := lo.Must(imds.NewFromConfig(cfg).GetRegion(ctx, nil))
		cfg.Region = region.Region
	}
	log.WithValues("region", cfg.Region).V(1).Info("discovered region")

	ddbapi := dynamodb.NewFromConfig(cfg)
	ecsapi := ecs.NewFromConfig(cfg)
	s3api := s3.NewFromConfig(cfg)
	sqsapi := servicesqs.NewFromConfig(cfg)
	smapi := secretsmanager.NewFromConfig(cfg)
	cwlapi := cloudwatchlogs.NewFromConfig(cfg)

	unavailableCapacity := awscache.NewUnavailableCapacity()
	dispatchStore := dispatch.NewDefaultStore(ddbapi, opts.DispatchTable)
	slotStore := pool.NewDefaultStore(ddbapi, opts.SlotTable)
	idempotencyStore := idempotency.NewDefaultStore(ddbapi, opts.IdempotencyTable, clk)
	workspaceProvider := workspace.NewDefaultProvider(ddbapi, opts.WorkspaceTable, clk)
	blobProvider := blob.NewDefaultProvider(s3api, s3.NewPresignClient(s3.NewFromConfig(cfg)), opts.ArtifactBucket)

	var runtimeProvider runtime.Provider
	switch opts.RuntimeKind() {
	case options.RuntimeDocker:
		runtimeProvider = docker.NewProvider(lo.Must(dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())))
	default:
		lo.Must0(CheckClusterConnectivity(ctx, ecsapi))
		log.WithValues("cluster", opts.Cluster).V(1).Info("verified runtime cluster")
		runtimeProvider = runtime.NewECSProvider(ctx, ecsapi, unavailableCapacity, opts.Cluster, opts.SubnetIDs(), opts.SecurityGroupIDs(), opts.AssignPublicIP)
	}

	launcherProvider := launcher.NewDefaultProvider(runtimeProvider, workspaceProvider, blobProvider, registry, opts.LogGroup)
	poolProvider := pool.NewDefaultProvider(slotStore, runtimeProvider, launcherProvider, clk)
	secretsProvider := secrets.NewDefaultProvider(smapi, cache.New(awscache.SecretTTL, awscache.DefaultCleanupInterval))
	logsProvider := logs.NewDefaultProvider(cwlapi, opts.LogGroup, logStreamPrefix)
	artifactProvider := artifact.NewDefaultProvider(blobProvider, clk)
	fleetProvider := fleet.NewDefaultProvider(slotStore, dispatchStore, registry, ecsapi, opts.Cluster, cache.New(awscache.FleetSnapshotTTL, awscache.DefaultCleanupInterval), clk)

	return ctx, &Operator{
		Config:              cfg,
		Clock:               clk,
		Registry:            registry,
		UnavailableCapacity: unavailableCapacity,
		SQSAPI:              sqsapi,
		DispatchStore:       dispatchStore,
		SlotStore:           slotStore,
		IdempotencyStore:    idempotencyStore,
		WorkspaceProvider:   workspaceProvider,
		BlobProvider:        blobProvider,
		RuntimeProvider:     runtimeProvider,
		LauncherProvider:    launcherProvider,
		PoolProvider:        poolProvider,
		SecretsProvider:     secretsProvider,
		LogsProvider:        logsProvider,
		ArtifactProvider:    artifactProvider,
		FleetProvider:       fleetProvider,
	}
}

// WithUserAgent adds an outpost specific user-agent string to AWS session
func WithUserAgent(cfg aws.Config) aws.Config {
	userAgent := fmt.Sprintf("outpost-%s", Version)
	cfg.APIOptions = append(cfg.APIOptions,
		awsmiddleware.AddUserAgentKey(userAgent),
	)
	return cfg
}

// CheckClusterConnectivity describes the configured cluster before anything
// launches into it, giving an early indicator that the runtime is reachable
// and the cluster exists.
func CheckClusterConnectivity(ctx context.Context, api sdk.ECSAPI) error {
	cluster := options.FromContext(ctx).Cluster
	out, err := api.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{cluster}})
	if err != nil {
		return err
	}
	if len(out.Clusters) == 0 {
		return fmt.Errorf("cluster %q was not found", cluster)
	}
	if status := aws.ToString(out.Clusters[0].Status); status != "ACTIVE" {
		return fmt.Errorf("cluster %q is %s", cluster, status)
	}
	return nil
}
