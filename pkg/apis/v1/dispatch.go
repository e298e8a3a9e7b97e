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

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// DispatchStatus is the lifecycle state of a dispatch record.
type DispatchStatus string

const (
	StatusPending      DispatchStatus = "PENDING"
	StatusProvisioning DispatchStatus = "PROVISIONING"
	StatusRunning      DispatchStatus = "RUNNING"
	StatusCompleting   DispatchStatus = "COMPLETING"
	StatusSuccess      DispatchStatus = "SUCCESS"
	StatusFailed       DispatchStatus = "FAILED"
	StatusTimeout      DispatchStatus = "TIMEOUT"
	StatusCancelled    DispatchStatus = "CANCELLED"
)

// ErrorKind classifies a failed dispatch for callers. The same kinds double
// as the caller-visible error taxonomy on the API surface.
type ErrorKind string

const (
	ErrorKindValidation   ErrorKind = "VALIDATION"
	ErrorKindQuota        ErrorKind = "QUOTA"
	ErrorKindUnavailable  ErrorKind = "UNAVAILABLE"
	ErrorKindNotFound     ErrorKind = "NOT_FOUND"
	ErrorKindConflict     ErrorKind = "CONFLICT"
	ErrorKindStaleVersion ErrorKind = "STALE_VERSION"
	ErrorKindTransient    ErrorKind = "TRANSIENT"
	ErrorKindLaunch       ErrorKind = "LAUNCH"
	ErrorKindRuntimeLost  ErrorKind = "RUNTIME_LOST"
	ErrorKindArtifact     ErrorKind = "ARTIFACT"
	ErrorKindInternal     ErrorKind = "INTERNAL"
)

var (
	terminalStatuses = sets.New(StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled)

	// allowedTransitions is the full transition relation of the dispatch state
	// machine. Terminal states have no successors; they are frozen except for
	// artifactHandle and ttl.
	allowedTransitions = map[DispatchStatus]sets.Set[DispatchStatus]{
		StatusPending:      sets.New(StatusProvisioning, StatusCancelled, StatusFailed),
		StatusProvisioning: sets.New(StatusRunning, StatusFailed, StatusTimeout, StatusCancelled),
		StatusRunning:      sets.New(StatusCompleting, StatusFailed, StatusTimeout, StatusCancelled),
		StatusCompleting:   sets.New(StatusSuccess, StatusFailed),
	}
)

// Terminal reports whether the status can never transition again.
func (s DispatchStatus) Terminal() bool {
	return terminalStatuses.Has(s)
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s DispatchStatus) CanTransition(next DispatchStatus) bool {
	return allowedTransitions[s].Has(next)
}

// TerminalStatuses returns the terminal states in stable order.
func TerminalStatuses() []DispatchStatus {
	return []DispatchStatus{StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled}
}

// ActiveStatuses returns the non-terminal states in lifecycle order.
func ActiveStatuses() []DispatchStatus {
	return []DispatchStatus{StatusPending, StatusProvisioning, StatusRunning, StatusCompleting}
}

// Dispatch is the authoritative record of one task execution. It is created
// by the dispatcher, advanced by the dispatcher (provisioning fields), the
// termination reconciler and the sweeper (terminal fields), and deleted only
// by TTL expiry.
type Dispatch struct {
	DispatchID     string            `json:"dispatchId"`
	TenantID       string            `json:"tenantId"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Agent          string            `json:"agent"`
	ModelID        string            `json:"modelId"`
	Task           string            `json:"task"`
	Repo           string            `json:"repo,omitempty"`
	Branch         string            `json:"branch,omitempty"`
	ContextLevel   ContextLevel      `json:"contextLevel"`
	WorkspaceMode  WorkspaceMode     `json:"workspaceMode"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Constraints    *Constraints      `json:"constraints,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	// AdditionalSecrets maps secret handles to the environment variable alias
	// the worker receives. Values are resolved at launch and never persisted.
	AdditionalSecrets map[string]string `json:"additionalSecrets,omitempty"`

	Status         DispatchStatus `json:"status"`
	RuntimeHandle  string         `json:"runtimeHandle,omitempty"`
	ExitCode       *int           `json:"exitCode,omitempty"`
	ErrorKind      ErrorKind      `json:"errorKind,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	ArtifactHandle string         `json:"artifactHandle,omitempty"`

	// Version increases by exactly one on every successful write; writers
	// supply the version they read and lose on mismatch.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	TTL       time.Time  `json:"ttl"`
}

// StatusPatch is the set of fields a conditional status update may change
// alongside the status itself. Nil fields are left untouched.
type StatusPatch struct {
	Status         DispatchStatus
	RuntimeHandle  *string
	ExitCode       *int
	ErrorKind      ErrorKind
	ErrorMessage   string
	ArtifactHandle *string
	StartedAt      *time.Time
	EndedAt        *time.Time
}
