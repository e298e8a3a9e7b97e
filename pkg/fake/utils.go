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

package fake

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultRegion           = "us-west-2"
	DefaultAccount          = "123456789012"
	DefaultCluster          = "outpost-workers"
	DefaultDispatchTable    = "outpost-dispatches"
	DefaultSlotTable        = "outpost-slots"
	DefaultIdempotencyTable = "outpost-idempotency"
	DefaultWorkspaceTable   = "outpost-workspaces"
	DefaultArtifactBucket   = "outpost-artifacts"
	DefaultLogGroup         = "/outpost/workers"
)

// RandomRuntimeHandle returns a plausible ECS task ARN in the default cluster.
func RandomRuntimeHandle() string {
	return fmt.Sprintf("arn:aws:ecs:%s:%s:task/%s/%s", DefaultRegion, DefaultAccount, DefaultCluster, randomHex())
}

// RandomSecretHandle returns a plausible Secrets Manager name for an agent.
func RandomSecretHandle(agent string) string {
	return fmt.Sprintf("outpost/%s/%s", agent, randomHex()[:8])
}

func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
