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
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/pool"
)

// SlotStore is an in-memory pool store with the same conditional transition
// semantics as the DynamoDB one, so pool behavior can be tested against real
// contention.
type SlotStore struct {
	mu    sync.Mutex
	slots map[string]*v1.Slot

	NextError AtomicError
	// TransitionError fails upcoming Transition calls only, so a test can
	// lose a conditional write race on purpose.
	TransitionError AtomicError
}

func NewSlotStore() *SlotStore {
	return &SlotStore{slots: map[string]*v1.Slot{}}
}

func (s *SlotStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = map[string]*v1.Slot{}
	s.NextError.Reset()
	s.TransitionError.Reset()
}

func (s *SlotStore) Put(_ context.Context, slot *v1.Slot) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *slot
	s.slots[slot.SlotID] = &copied
	return nil
}

func (s *SlotStore) Get(_ context.Context, slotID string) (*v1.Slot, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return nil, errors.New(v1.ErrorKindNotFound, "slot %s not found", slotID)
	}
	copied := *slot
	return &copied, nil
}

func (s *SlotStore) Transition(_ context.Context, slotID string, from, to v1.SlotState, mutation pool.Mutation) (*v1.Slot, error) {
	if err := s.TransitionError.Get(); err != nil {
		return nil, err
	}
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	if !from.CanTransition(to) {
		return nil, errors.New(v1.ErrorKindConflict, "slot %s cannot move from %s to %s", slotID, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return nil, errors.New(v1.ErrorKindNotFound, "slot %s not found", slotID)
	}
	if slot.State != from || (mutation.IfAcquiredBy != nil && slot.AcquiredBy != *mutation.IfAcquiredBy) {
		return nil, errors.New(v1.ErrorKindConflict, "slot %s is no longer %s", slotID, from)
	}
	slot.State = to
	if mutation.AcquiredBy != nil {
		slot.AcquiredBy = *mutation.AcquiredBy
	}
	if mutation.LastHealthyAt != nil {
		slot.LastHealthyAt = *mutation.LastHealthyAt
	}
	if mutation.TTL != nil {
		slot.TTL = *mutation.TTL
	}
	copied := *slot
	return &copied, nil
}

func (s *SlotStore) Touch(_ context.Context, slotID string, at time.Time) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return errors.New(v1.ErrorKindNotFound, "slot %s not found", slotID)
	}
	slot.LastHealthyAt = at
	return nil
}

func (s *SlotStore) ListByAgent(_ context.Context, agent string) ([]*v1.Slot, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var slots []*v1.Slot
	for _, slot := range s.slots {
		if slot.Agent == agent {
			copied := *slot
			slots = append(slots, &copied)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].CreatedAt.Before(slots[j].CreatedAt) })
	return slots, nil
}

func (s *SlotStore) CountByState(ctx context.Context, agent string) (map[v1.SlotState]int, error) {
	slots, err := s.ListByAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	counts := map[v1.SlotState]int{}
	for _, slot := range slots {
		counts[slot.State]++
	}
	return counts, nil
}

func (s *SlotStore) Delete(_ context.Context, slotID string) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slotID)
	return nil
}
