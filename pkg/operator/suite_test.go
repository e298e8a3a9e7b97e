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

package operator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/operator"
	"github.com/outpost-run/outpost/pkg/operator/options"
)

var ctx context.Context
var ecsapi *fake.ECSAPI

func TestOperator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Operator")
}

var _ = BeforeEach(func() {
	opts := options.New()
	lo.Must0(opts.Parse([]string{
		"--cluster", fake.DefaultCluster,
		"--subnets", "subnet-1a",
		"--security-groups", "sg-workers",
		"--artifact-bucket", fake.DefaultArtifactBucket,
	}))
	ctx = options.ToContext(context.Background(), opts)
	ecsapi = &fake.ECSAPI{}
})

var _ = Describe("Cluster connectivity", func() {
	It("should pass when the configured cluster is active", func() {
		Expect(operator.CheckClusterConnectivity(ctx, ecsapi)).To(Succeed())
		Expect(ecsapi.DescribeClustersBehavior.CalledWithInput.Pop().Clusters).To(ConsistOf(fake.DefaultCluster))
	})
	It("should fail when the cluster does not exist", func() {
		ecsapi.DescribeClustersBehavior.Output.Set(&ecs.DescribeClustersOutput{})
		Expect(operator.CheckClusterConnectivity(ctx, ecsapi)).To(MatchError(ContainSubstring("was not found")))
	})
	It("should fail when the cluster is not active", func() {
		ecsapi.DescribeClustersBehavior.Output.Set(&ecs.DescribeClustersOutput{
			Clusters: []ecstypes.Cluster{{
				ClusterName: aws.String(fake.DefaultCluster),
				Status:      aws.String("INACTIVE"),
			}},
		})
		Expect(operator.CheckClusterConnectivity(ctx, ecsapi)).To(MatchError(ContainSubstring("is INACTIVE")))
	})
	It("should surface runtime api errors", func() {
		ecsapi.DescribeClustersBehavior.Error.Set(fmt.Errorf("dial tcp: connection refused"))
		Expect(operator.CheckClusterConnectivity(ctx, ecsapi)).To(MatchError(ContainSubstring("connection refused")))
	})
})

var _ = Describe("User agent", func() {
	It("should stamp the client config with the process identity", func() {
		cfg := operator.WithUserAgent(aws.Config{})
		Expect(cfg.APIOptions).To(HaveLen(1))
	})
})
