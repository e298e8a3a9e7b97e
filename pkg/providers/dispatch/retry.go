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

package dispatch

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/metrics"
)

// UpdateWithRetry reads the record, lets mutate decide the patch against the
// freshest copy, and writes conditionally. A lost version race re-reads and
// reapplies up to three times, so concurrent writers serialize instead of
// failing through to callers. A nil patch means the record already is where
// mutate wants it and returns it unchanged.
func UpdateWithRetry(ctx context.Context, store Store, dispatchID string, mutate func(*v1.Dispatch) (*v1.StatusPatch, error)) (*v1.Dispatch, error) {
	var record *v1.Dispatch
	if err := retry.Do(func() error {
		var err error
		if record, err = store.Get(ctx, dispatchID); err != nil {
			return err
		}
		patch, err := mutate(record)
		if err != nil {
			return err
		}
		if patch == nil {
			return nil
		}
		record, err = store.UpdateStatus(ctx, record, *patch)
		return err
	},
		retry.Delay(50*time.Millisecond),
		retry.Attempts(3),
		retry.RetryIf(errors.IsStaleVersion),
		retry.OnRetry(func(_ uint, _ error) { metrics.StaleVersionRetries.Inc() }),
		retry.LastErrorOnly(true),
	); err != nil {
		return nil, err
	}
	return record, nil
}
