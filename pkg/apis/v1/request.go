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

// ContextLevel controls how much repository context the worker receives.
type ContextLevel string

const (
	ContextLevelMinimal  ContextLevel = "minimal"
	ContextLevelStandard ContextLevel = "standard"
	ContextLevelFull     ContextLevel = "full"
)

// WorkspaceMode selects the workspace the worker mounts.
type WorkspaceMode string

const (
	WorkspaceModeNone       WorkspaceMode = "none"
	WorkspaceModeMinimal    WorkspaceMode = "minimal"
	WorkspaceModeFull       WorkspaceMode = "full"
	WorkspaceModePersistent WorkspaceMode = "persistent"
)

// Constraints are caller-requested resource caps, each bounded by the
// per-agent tier ceilings at validation time.
type Constraints struct {
	MaxMemoryMb int `json:"maxMemoryMb,omitempty"`
	MaxCpuUnits int `json:"maxCpuUnits,omitempty"`
	MaxDiskGb   int `json:"maxDiskGb,omitempty"`
}

// DispatchRequest is the caller-supplied body of createDispatch. Validate
// normalizes and checks it; everything downstream consumes the validated
// value only.
type DispatchRequest struct {
	TenantID          string            `json:"-"`
	IdempotencyKey    string            `json:"idempotencyKey,omitempty"`
	Agent             string            `json:"agent"`
	ModelID           string            `json:"modelId,omitempty"`
	Task              string            `json:"task"`
	Repo              string            `json:"repo,omitempty"`
	Branch            string            `json:"branch,omitempty"`
	ContextLevel      ContextLevel      `json:"contextLevel,omitempty"`
	WorkspaceMode     WorkspaceMode     `json:"workspaceMode,omitempty"`
	TimeoutSeconds    int               `json:"timeoutSeconds,omitempty"`
	Constraints       *Constraints      `json:"constraints,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	AdditionalSecrets map[string]string `json:"additionalSecrets,omitempty"`
}

// ListQuery filters listDispatches. Tags filter with AND semantics.
type ListQuery struct {
	Status DispatchStatus
	Agent  string
	Tags   map[string]string
	Since  time.Time
	Limit  int
	Cursor string
}

// ListPage is one page of dispatch records.
type ListPage struct {
	Items      []*Dispatch `json:"items"`
	NextCursor string      `json:"nextCursor,omitempty"`
	HasMore    bool        `json:"hasMore"`
}

// LogQuery selects the log page returned with getDispatch.
type LogQuery struct {
	Offset   int64
	Limit    int
	SkipLogs bool
}

// LogPage is a window of worker output lines.
type LogPage struct {
	Lines      []string `json:"lines"`
	NextOffset int64    `json:"nextOffset"`
}

// Artifact describes one published output object with a presigned location.
type Artifact struct {
	Type        string    `json:"type"`
	Handle      string    `json:"handle"`
	ExpiresAt   time.Time `json:"expiresAt"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentType string    `json:"contentType"`
}
