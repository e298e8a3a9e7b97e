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

package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const dispatchPrefix = "d-"

// NewDispatchID returns a globally unique, lexicographically sortable
// dispatch identifier. UUIDv7 embeds a millisecond timestamp in its leading
// bits, so string ordering follows creation order.
func NewDispatchID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating dispatch id, %w", err)
	}
	return dispatchPrefix + id.String(), nil
}

// IsDispatchID reports whether s has the shape of a generated dispatch id.
func IsDispatchID(s string) bool {
	if !strings.HasPrefix(s, dispatchPrefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(s, dispatchPrefix))
	return err == nil
}
