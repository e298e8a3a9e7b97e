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

package v1

import "time"

// StopCode is the runtime's reason class for stopping a worker. The values
// match what the container runtime reports verbatim.
type StopCode string

const (
	StopCodeUserInitiated            StopCode = "UserInitiated"
	StopCodeTaskFailedToStart        StopCode = "TaskFailedToStart"
	StopCodeEssentialContainerExited StopCode = "EssentialContainerExited"
	StopCodeServiceScheduler         StopCode = "ServiceSchedulerInitiated"
	StopCodeSpotInterruption         StopCode = "SpotInterruption"
	StopCodeTerminationNotice        StopCode = "TerminationNotice"
)

// TerminationEvent is the out-of-band notification that a worker stopped.
// Delivery is at-least-once and unordered.
type TerminationEvent struct {
	RuntimeHandle string     `json:"runtimeHandle"`
	StopCode      StopCode   `json:"stopCode,omitempty"`
	StopReason    string     `json:"stopReason,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
}
