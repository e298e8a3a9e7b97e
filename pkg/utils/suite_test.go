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

package utils_test

import (
	"strings"
	"testing"

	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/utils"
)

func TestUtils(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Utils")
}

var _ = Describe("ParseTaskID", func() {
	It("should parse the task id out of a task ARN runtime handle", func() {
		handle := fake.RandomRuntimeHandle()
		taskID, err := utils.ParseTaskID(handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(handle).To(HaveSuffix("/" + taskID))
		Expect(taskID).ToNot(ContainSubstring("/"))
	})
	It("should fail for handles of other runtimes", func() {
		for _, handle := range []string{
			utils.DockerHandle("deadbeef"),
			"arn:aws:s3:::outpost-artifacts",
			"i-01234567890abcdef",
			"",
		} {
			_, err := utils.ParseTaskID(handle)
			Expect(err).To(HaveOccurred())
		}
	})
})

var _ = Describe("ParseContainerID", func() {
	It("should round trip a container id through its runtime handle", func() {
		containerID, err := utils.ParseContainerID(utils.DockerHandle("deadbeef"))
		Expect(err).ToNot(HaveOccurred())
		Expect(containerID).To(Equal("deadbeef"))
	})
	It("should fail for task ARN runtime handles", func() {
		_, err := utils.ParseContainerID(fake.RandomRuntimeHandle())
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("MergeTags", func() {
	It("should merge tag maps with the last write winning", func() {
		tags := utils.MergeTags(
			map[string]string{"outpost.run/agent": "claude", "outpost.run/role": "warm"},
			nil,
			map[string]string{"outpost.run/role": "dispatch"},
		)
		Expect(lo.SliceToMap(tags, func(t ecstypes.Tag) (string, string) {
			return lo.FromPtr(t.Key), lo.FromPtr(t.Value)
		})).To(Equal(map[string]string{
			"outpost.run/agent": "claude",
			"outpost.run/role":  "dispatch",
		}))
	})
})

var _ = Describe("DockerHandle", func() {
	It("should prefix the container id with the runtime scheme", func() {
		Expect(strings.HasPrefix(utils.DockerHandle("deadbeef"), "docker://")).To(BeTrue())
	})
})
