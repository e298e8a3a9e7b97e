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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/utils/idgen"
)

// MustMerge layers overrides onto defaults, panicking on merge failure.
func MustMerge[T any](dest T, overrides ...T) T {
	for _, override := range overrides {
		if err := mergo.Merge(&dest, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("merging test override, %s", err))
		}
	}
	return dest
}

// RandomTenantID returns a plausible tenant identifier.
func RandomTenantID() string {
	return "team-" + strings.ToLower(randomdata.SillyName())
}

// DispatchRequest returns a valid request with overridable fields.
func DispatchRequest(overrides ...v1.DispatchRequest) *v1.DispatchRequest {
	request := MustMerge(v1.DispatchRequest{
		TenantID:       RandomTenantID(),
		Agent:          "claude",
		Task:           "Summarize open incidents in the payments repo and draft a status update.",
		TimeoutSeconds: 3600,
		ContextLevel:   v1.ContextLevelStandard,
		WorkspaceMode:  v1.WorkspaceModeNone,
	}, overrides...)
	return &request
}

// Dispatch returns a persisted-shaped dispatch record with overridable fields.
func Dispatch(overrides ...v1.Dispatch) *v1.Dispatch {
	now := time.Now().UTC()
	dispatch := MustMerge(v1.Dispatch{
		DispatchID:     lo.Must(idgen.NewDispatchID()),
		TenantID:       RandomTenantID(),
		Agent:          "claude",
		Task:           "Summarize open incidents in the payments repo and draft a status update.",
		ModelID:        "claude-flagship-1",
		TimeoutSeconds: 3600,
		ContextLevel:   v1.ContextLevelStandard,
		WorkspaceMode:  v1.WorkspaceModeNone,
		Status:         v1.StatusPending,
		Version:        1,
		CreatedAt:      now,
		TTL:            now.Add(30 * 24 * time.Hour),
	}, overrides...)
	return &dispatch
}

// Slot returns a warm pool slot record with overridable fields.
func Slot(overrides ...v1.Slot) *v1.Slot {
	now := time.Now().UTC()
	slot := MustMerge(v1.Slot{
		SlotID:        fake.RandomRuntimeHandle(),
		Agent:         "claude",
		State:         v1.SlotStateWarm,
		CreatedAt:     now.Add(-time.Minute),
		LastHealthyAt: now,
		TTL:           now.Add(30 * time.Minute),
	}, overrides...)
	return &slot
}

// TerminationEvent returns a runtime termination event with overridable fields.
func TerminationEvent(overrides ...v1.TerminationEvent) *v1.TerminationEvent {
	event := MustMerge(v1.TerminationEvent{
		RuntimeHandle: fake.RandomRuntimeHandle(),
		StopCode:      v1.StopCodeEssentialContainerExited,
		StopReason:    "Essential container in task exited",
		ExitCode:      lo.ToPtr(0),
		StoppedAt:     lo.ToPtr(time.Now().UTC()),
	}, overrides...)
	return &event
}
