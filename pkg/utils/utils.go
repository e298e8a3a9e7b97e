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

package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"
)

const dockerHandlePrefix = "docker://"

var (
	taskIDRegex = regexp.MustCompile(`^arn:aws[\w-]*:ecs:[^:]*:\d+:task/(?P<Cluster>[^/]+)/(?P<TaskID>[0-9a-fA-F-]+)$`)
)

// ParseTaskID parses the runtime handle stored on a dispatch to get the short
// ECS task id; streams and assignment objects key on it.
func ParseTaskID(runtimeHandle string) (string, error) {
	matches := taskIDRegex.FindStringSubmatch(runtimeHandle)
	if matches == nil {
		return "", fmt.Errorf("parsing task id %s", runtimeHandle)
	}
	for i, name := range taskIDRegex.SubexpNames() {
		if name == "TaskID" {
			return matches[i], nil
		}
	}
	return "", fmt.Errorf("parsing task id %s", runtimeHandle)
}

// DockerHandle builds the runtime handle of a locally run worker container.
func DockerHandle(containerID string) string {
	return dockerHandlePrefix + containerID
}

// ParseContainerID parses a docker runtime handle to get the container id.
func ParseContainerID(runtimeHandle string) (string, error) {
	if !strings.HasPrefix(runtimeHandle, dockerHandlePrefix) {
		return "", fmt.Errorf("parsing container id %s", runtimeHandle)
	}
	return strings.TrimPrefix(runtimeHandle, dockerHandlePrefix), nil
}

// MergeTags takes a variadic list of maps and merges them together into a list
// of ECS tags to be passed into ECS API calls. Nil maps merge away.
func MergeTags(tags ...map[string]string) []ecstypes.Tag {
	return lo.MapToSlice(lo.Assign(tags...), func(k, v string) ecstypes.Tag {
		return ecstypes.Tag{Key: aws.String(k), Value: aws.String(v)}
	})
}
