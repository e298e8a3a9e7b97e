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

import "time"

const (
	// DefaultTTL restricts the general cache validity, balancing staleness
	// against the query cost of a miss.
	DefaultTTL = time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = 10 * time.Minute
	// UnavailableCapacityTTL is how long an agent stays cold-launch-suppressed
	// after the runtime reports a capacity shortage.
	UnavailableCapacityTTL = 3 * time.Minute
	// SecretTTL bounds how long a resolved secret value may be reused.
	SecretTTL = time.Minute
	// FleetSnapshotTTL bounds the query cost of fleet status reads.
	FleetSnapshotTTL = 30 * time.Second
)
