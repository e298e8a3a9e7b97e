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

package cache

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
)

// UnavailableCapacity stores agents whose cold launches recently failed with
// a capacity shortage. While an agent is in the cache the dispatcher skips
// the cold-launch attempt and answers UNAVAILABLE with a retry hint.
type UnavailableCapacity struct {
	// key: agent, value: unavailable reason
	cache *cache.Cache
}

func NewUnavailableCapacity() *UnavailableCapacity {
	return &UnavailableCapacity{
		cache: cache.New(UnavailableCapacityTTL, DefaultCleanupInterval),
	}
}

// IsUnavailable returns true if the agent appears in the cache
func (u *UnavailableCapacity) IsUnavailable(agent string) bool {
	_, found := u.cache.Get(agent)
	return found
}

// MarkUnavailable communicates a recently observed capacity shortage for the agent
func (u *UnavailableCapacity) MarkUnavailable(ctx context.Context, agent, reason string) {
	// even if the key is already in the cache, we still need to call Set to extend the cached entry's TTL
	logr.FromContextOrDiscard(ctx).V(1).Info("suppressing cold launches for agent",
		"agent", agent,
		"unavailable-reason", reason,
		"unavailable-capacity-ttl", UnavailableCapacityTTL)
	u.cache.SetDefault(agent, reason)
}

// RetryAfter returns the remaining suppression window for the agent, or zero
// when the agent is launchable.
func (u *UnavailableCapacity) RetryAfter(agent string) time.Duration {
	_, expiry, found := u.cache.GetWithExpiration(agent)
	if !found {
		return 0
	}
	remaining := time.Until(expiry)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Flush clears the cache; tests use it between scenarios.
func (u *UnavailableCapacity) Flush() {
	u.cache.Flush()
}
