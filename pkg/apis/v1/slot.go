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

// SlotState is the lifecycle state of a warm pool slot.
type SlotState string

const (
	SlotStateWarming   SlotState = "WARMING"
	SlotStateWarm      SlotState = "WARM"
	SlotStateAcquired  SlotState = "ACQUIRED"
	SlotStateReleasing SlotState = "RELEASING"
)

var slotTransitions = map[SlotState]sets.Set[SlotState]{
	SlotStateWarming:  sets.New(SlotStateWarm, SlotStateReleasing),
	SlotStateWarm:     sets.New(SlotStateAcquired, SlotStateReleasing),
	SlotStateAcquired: sets.New(SlotStateReleasing),
}

// CanTransition reports whether a slot may move from s to next.
func (s SlotState) CanTransition(next SlotState) bool {
	return slotTransitions[s].Has(next)
}

// Slot is one pre-provisioned worker owned by the warm pool. slotId equals
// the runtime handle once the worker is provisioned.
type Slot struct {
	SlotID        string    `json:"slotId"`
	Agent         string    `json:"agent"`
	State         SlotState `json:"state"`
	AcquiredBy    string    `json:"acquiredBy,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHealthyAt time.Time `json:"lastHealthyAt"`
	TTL           time.Time `json:"ttl"`
}
