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

package taskstatechange

import (
	"strings"
	"time"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/controllers/termination/messages"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
)

// Message contains the properties defined in AWS EventBridge schema
// aws.ecs@ECSTaskStateChange v0.
type Message struct {
	messages.Metadata

	Detail Detail `json:"detail"`
}

type Detail struct {
	ClusterArn    string      `json:"clusterArn"`
	TaskArn       string      `json:"taskArn"`
	LastStatus    string      `json:"lastStatus"`
	DesiredStatus string      `json:"desiredStatus"`
	StopCode      string      `json:"stopCode"`
	StoppedReason string      `json:"stoppedReason"`
	StartedAt     *time.Time  `json:"startedAt"`
	StoppedAt     *time.Time  `json:"stoppedAt"`
	Containers    []Container `json:"containers"`
}

type Container struct {
	Name     string `json:"name"`
	ExitCode *int   `json:"exitCode"`
}

func (m Message) RuntimeHandles() []string {
	return []string{m.Detail.TaskArn}
}

func (Message) Kind() messages.Kind {
	return messages.TaskStateChangeKind
}

// Stopped reports whether the task reached its final state, as opposed to a
// startup confirmation.
func (m Message) Stopped() bool {
	return strings.EqualFold(m.Detail.LastStatus, "STOPPED")
}

// TerminationEvent flattens the stopped task into the event shape the status
// reconciler consumes. The exit code is the worker container's; sidecars are
// ignored.
func (m Message) TerminationEvent() *v1.TerminationEvent {
	event := &v1.TerminationEvent{
		RuntimeHandle: m.Detail.TaskArn,
		StopCode:      v1.StopCode(m.Detail.StopCode),
		StopReason:    m.Detail.StoppedReason,
		StoppedAt:     m.Detail.StoppedAt,
	}
	for _, container := range m.Detail.Containers {
		if container.Name == runtime.WorkerContainerName {
			event.ExitCode = container.ExitCode
		}
	}
	return event
}
