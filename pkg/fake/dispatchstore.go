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

	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/dispatch"
)

// DispatchStore is an in-memory dispatch store that keeps the conditional
// write semantics of the DynamoDB one: creates are put-if-absent and updates
// bump the version exactly when the caller read the current one. Stale
// writes can be provoked by updating a record behind the caller's back.
type DispatchStore struct {
	mu      sync.Mutex
	records map[string]*v1.Dispatch

	NextError AtomicError
}

func NewDispatchStore() *DispatchStore {
	return &DispatchStore{records: map[string]*v1.Dispatch{}}
}

func (s *DispatchStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]*v1.Dispatch{}
	s.NextError.Reset()
}

func (s *DispatchStore) Create(_ context.Context, record *v1.Dispatch) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.DispatchID]; ok {
		return errors.New(v1.ErrorKindConflict, "dispatch %s already exists", record.DispatchID)
	}
	s.records[record.DispatchID] = clone(record)
	return nil
}

func (s *DispatchStore) Get(_ context.Context, dispatchID string) (*v1.Dispatch, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[dispatchID]
	if !ok {
		return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", dispatchID)
	}
	return clone(record), nil
}

func (s *DispatchStore) UpdateStatus(_ context.Context, record *v1.Dispatch, patch v1.StatusPatch) (*v1.Dispatch, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	if !record.Status.CanTransition(patch.Status) {
		return nil, errors.New(v1.ErrorKindConflict,
			"dispatch %s cannot move from %s to %s", record.DispatchID, record.Status, patch.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[record.DispatchID]
	if !ok {
		return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", record.DispatchID)
	}
	if stored.Version != record.Version {
		return nil, errors.New(v1.ErrorKindStaleVersion,
			"dispatch %s version %d is stale", record.DispatchID, record.Version)
	}
	stored.Status = patch.Status
	stored.Version++
	if patch.RuntimeHandle != nil {
		stored.RuntimeHandle = *patch.RuntimeHandle
	}
	if patch.ExitCode != nil {
		code := *patch.ExitCode
		stored.ExitCode = &code
	}
	if patch.ErrorKind != "" {
		stored.ErrorKind = patch.ErrorKind
	}
	if patch.ErrorMessage != "" {
		stored.ErrorMessage = patch.ErrorMessage
	}
	if patch.ArtifactHandle != nil {
		stored.ArtifactHandle = *patch.ArtifactHandle
	}
	if patch.StartedAt != nil {
		at := *patch.StartedAt
		stored.StartedAt = &at
	}
	if patch.EndedAt != nil {
		at := *patch.EndedAt
		stored.EndedAt = &at
	}
	return clone(stored), nil
}

func (s *DispatchStore) List(_ context.Context, tenantID string, query v1.ListQuery) (*v1.ListPage, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = dispatch.DefaultPageSize
	}
	if limit > dispatch.MaxPageSize {
		limit = dispatch.MaxPageSize
	}
	matches := s.sorted(func(record *v1.Dispatch) bool {
		if record.TenantID != tenantID {
			return false
		}
		if !query.Since.IsZero() && record.CreatedAt.Before(query.Since) {
			return false
		}
		if query.Status != "" && record.Status != query.Status {
			return false
		}
		if query.Agent != "" && record.Agent != query.Agent {
			return false
		}
		for key, value := range query.Tags {
			if record.Tags[key] != value {
				return false
			}
		}
		return true
	}, true)
	if query.Cursor != "" {
		after := false
		matches = lo.Filter(matches, func(record *v1.Dispatch, _ int) bool {
			if after {
				return true
			}
			if record.DispatchID == query.Cursor {
				after = true
			}
			return false
		})
	}
	page := &v1.ListPage{Items: matches}
	if len(matches) > limit {
		page.Items = matches[:limit]
		page.NextCursor = matches[limit-1].DispatchID
		page.HasMore = true
	}
	return page, nil
}

func (s *DispatchStore) ListByStatus(_ context.Context, status v1.DispatchStatus, olderThan time.Time) ([]*v1.Dispatch, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	return s.sorted(func(record *v1.Dispatch) bool {
		return record.Status == status && record.CreatedAt.Before(olderThan)
	}, false), nil
}

func (s *DispatchStore) ListByStatusSince(_ context.Context, status v1.DispatchStatus, since time.Time) ([]*v1.Dispatch, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	return s.sorted(func(record *v1.Dispatch) bool {
		return record.Status == status && !record.CreatedAt.Before(since)
	}, true), nil
}

func (s *DispatchStore) GetByRuntimeHandle(_ context.Context, runtimeHandle string) ([]*v1.Dispatch, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	return s.sorted(func(record *v1.Dispatch) bool {
		return record.RuntimeHandle != "" && record.RuntimeHandle == runtimeHandle
	}, false), nil
}

func (s *DispatchStore) CountActive(_ context.Context, tenantID string) (int, error) {
	if err := s.NextError.Get(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, record := range s.records {
		if record.TenantID == tenantID && !record.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *DispatchStore) sorted(match func(*v1.Dispatch) bool, newestFirst bool) []*v1.Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := []*v1.Dispatch{}
	for _, record := range s.records {
		if match(record) {
			records = append(records, clone(record))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if newestFirst {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}
