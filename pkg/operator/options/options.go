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

package options

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/outpost-run/outpost/pkg/utils/env"
)

// RuntimeKind selects the container runtime workers run on.
type RuntimeKind string

const (
	RuntimeECS    RuntimeKind = "ecs"
	RuntimeDocker RuntimeKind = "docker"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	HTTPPort    int
	MetricsPort int
	LogLevel    string

	Runtime          string
	Cluster          string
	Subnets          string
	SecurityGroups   string
	AssignPublicIP   bool
	DispatchTable    string
	SlotTable        string
	IdempotencyTable string
	WorkspaceTable   string
	ArtifactBucket   string
	LogGroup         string
	TerminationQueue string
	AgentRegistry    string
	SweepInterval    time.Duration
	RequestTimeout   time.Duration
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("outpost", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.HTTPPort, "http-port", env.WithDefaultInt("OUTPOST_HTTP_PORT", 8080), "The port the dispatch API binds to")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("OUTPOST_METRICS_PORT", 8081), "The port the metric endpoint binds to for operating metrics about the controller itself")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("OUTPOST_LOG_LEVEL", "info"), "Log verbosity (debug, info, error)")

	f.StringVar(&opts.Runtime, "runtime", env.WithDefaultString("OUTPOST_RUNTIME", string(RuntimeECS)), "The container runtime workers run on, either ecs or docker")
	f.StringVar(&opts.Cluster, "cluster", env.WithDefaultString("OUTPOST_CLUSTER", ""), "The ECS cluster worker tasks launch into")
	f.StringVar(&opts.Subnets, "subnets", env.WithDefaultString("OUTPOST_SUBNETS", ""), "Comma separated subnet ids worker tasks attach to")
	f.StringVar(&opts.SecurityGroups, "security-groups", env.WithDefaultString("OUTPOST_SECURITY_GROUPS", ""), "Comma separated security group ids worker tasks attach to")
	f.BoolVar(&opts.AssignPublicIP, "assign-public-ip", env.WithDefaultBool("OUTPOST_ASSIGN_PUBLIC_IP", false), "Assign public addresses to worker tasks; required when the subnets have no NAT path")
	f.StringVar(&opts.DispatchTable, "dispatch-table", env.WithDefaultString("OUTPOST_DISPATCH_TABLE", "outpost-dispatches"), "The DynamoDB table holding dispatch records")
	f.StringVar(&opts.SlotTable, "slot-table", env.WithDefaultString("OUTPOST_SLOT_TABLE", "outpost-slots"), "The DynamoDB table holding warm pool slots")
	f.StringVar(&opts.IdempotencyTable, "idempotency-table", env.WithDefaultString("OUTPOST_IDEMPOTENCY_TABLE", "outpost-idempotency"), "The DynamoDB table holding idempotency claims")
	f.StringVar(&opts.WorkspaceTable, "workspace-table", env.WithDefaultString("OUTPOST_WORKSPACE_TABLE", "outpost-workspaces"), "The DynamoDB table holding persistent workspace leases")
	f.StringVar(&opts.ArtifactBucket, "artifact-bucket", env.WithDefaultString("OUTPOST_ARTIFACT_BUCKET", ""), "The S3 bucket workers stage outputs to and artifacts publish into")
	f.StringVar(&opts.LogGroup, "log-group", env.WithDefaultString("OUTPOST_LOG_GROUP", "/outpost/workers"), "The CloudWatch log group worker containers write to")
	f.StringVar(&opts.TerminationQueue, "termination-queue", env.WithDefaultString("OUTPOST_TERMINATION_QUEUE", ""), "The SQS queue receiving worker lifecycle events; empty disables the consumer and leaves recovery to the sweeper")
	f.StringVar(&opts.AgentRegistry, "agent-registry", env.WithDefaultString("OUTPOST_AGENT_REGISTRY", "/etc/outpost/agents.yaml"), "Path to the agent registry document")
	f.DurationVar(&opts.SweepInterval, "sweep-interval", env.WithDefaultDuration("OUTPOST_SWEEP_INTERVAL", 5*time.Minute), "How often the sweeper looks for dispatches whose events were lost")
	f.DurationVar(&opts.RequestTimeout, "request-timeout", env.WithDefaultDuration("OUTPOST_REQUEST_TIMEOUT", 30*time.Second), "Per request deadline on the dispatch API")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) RuntimeKind() RuntimeKind {
	return RuntimeKind(o.Runtime)
}

func (o Options) SubnetIDs() []string {
	return splitList(o.Subnets)
}

func (o Options) SecurityGroupIDs() []string {
	return splitList(o.SecurityGroups)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// FromContext returns the Options injected at startup; calling it off a
// context that never carried them is a programmer error.
func FromContext(ctx context.Context) *Options {
	retrieved, ok := ctx.Value(optionsKey{}).(*Options)
	if !ok {
		panic("options.FromContext called before options.ToContext")
	}
	return retrieved
}
