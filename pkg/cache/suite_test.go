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

package cache_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/outpost-run/outpost/pkg/cache"
)

var ctx = context.Background()

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache")
}

var _ = Describe("UnavailableCapacity", func() {
	var capacity *cache.UnavailableCapacity

	BeforeEach(func() {
		capacity = cache.NewUnavailableCapacity()
	})

	It("should suppress an agent after a shortage", func() {
		Expect(capacity.IsUnavailable("claude")).To(BeFalse())
		capacity.MarkUnavailable(ctx, "claude", "no container instances with enough memory")
		Expect(capacity.IsUnavailable("claude")).To(BeTrue())
		Expect(capacity.IsUnavailable("codex")).To(BeFalse())
	})
	It("should advertise the remaining suppression window", func() {
		Expect(capacity.RetryAfter("claude")).To(BeZero())
		capacity.MarkUnavailable(ctx, "claude", "no container instances with enough memory")
		retryAfter := capacity.RetryAfter("claude")
		Expect(retryAfter).To(BeNumerically(">", 0))
		Expect(retryAfter).To(BeNumerically("<=", cache.UnavailableCapacityTTL))
	})
	It("should clear on flush", func() {
		capacity.MarkUnavailable(ctx, "claude", "no container instances with enough memory")
		capacity.Flush()
		Expect(capacity.IsUnavailable("claude")).To(BeFalse())
		Expect(capacity.RetryAfter("claude")).To(BeZero())
	})
	It("should extend the window on a repeat shortage", func() {
		capacity.MarkUnavailable(ctx, "claude", "no container instances with enough memory")
		first := capacity.RetryAfter("claude")
		time.Sleep(10 * time.Millisecond)
		capacity.MarkUnavailable(ctx, "claude", "still short")
		Expect(capacity.RetryAfter("claude")).To(BeNumerically(">=", first-5*time.Millisecond))
	})
})
