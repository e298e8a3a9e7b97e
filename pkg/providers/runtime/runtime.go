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

package runtime

import (
	"context"
	"time"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
)

// LaunchSpec is everything a runtime needs to start one worker. Env may carry
// resolved secret values; implementations must never log or persist it.
type LaunchSpec struct {
	Agent          string
	TaskDefinition string
	Image          string
	// DispatchID is set when launching directly for a dispatch; warm
	// placeholders leave it empty.
	DispatchID string
	TenantID   string
	Env        map[string]string
	CpuUnits   int
	MemoryMb   int
	DiskGb     int
	Tags       map[string]string
}

// State is the runtime's coarse view of a worker.
type State string

const (
	StateProvisioning State = "PROVISIONING"
	StateRunning      State = "RUNNING"
	StateStopped      State = "STOPPED"
	// StateUnknown means the runtime no longer knows the handle at all; the
	// sweeper treats this as a lost worker.
	StateUnknown State = "UNKNOWN"
)

// Status is a point-in-time description of one worker.
type Status struct {
	RuntimeHandle string
	State         State
	StopCode      v1.StopCode
	StopReason    string
	ExitCode      *int
	CreatedAt     *time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
}

type Provider interface {
	// Launch starts a worker and returns its runtime handle.
	Launch(ctx context.Context, spec *LaunchSpec) (string, error)
	// Stop requests termination; stopping an already-gone worker is not an
	// error.
	Stop(ctx context.Context, runtimeHandle, reason string) error
	// Describe reports current worker state; unknown handles return a Status
	// with StateUnknown rather than an error.
	Describe(ctx context.Context, runtimeHandle string) (*Status, error)
	// List returns the handles of every live worker this control plane
	// started, whether or not anything still tracks them.
	List(ctx context.Context) ([]string, error)
}
