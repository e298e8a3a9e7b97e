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
	"fmt"
	"sync"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
)

// IdempotencyStore is an in-memory put-if-absent claim table.
type IdempotencyStore struct {
	mu     sync.Mutex
	claims map[string]string

	NextError AtomicError
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{claims: map[string]string{}}
}

func (s *IdempotencyStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = map[string]string{}
	s.NextError.Reset()
}

func (s *IdempotencyStore) Claim(_ context.Context, tenantID, key, dispatchID string) (string, error) {
	if err := s.NextError.Get(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claimKey := fmt.Sprintf("%s/%s", tenantID, key)
	if holder, ok := s.claims[claimKey]; ok {
		return holder, nil
	}
	s.claims[claimKey] = dispatchID
	return dispatchID, nil
}

func (s *IdempotencyStore) Lookup(_ context.Context, tenantID, key string) (string, error) {
	if err := s.NextError.Get(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.claims[fmt.Sprintf("%s/%s", tenantID, key)]
	if !ok {
		return "", errors.New(v1.ErrorKindNotFound, "idempotency key not claimed")
	}
	return holder, nil
}
