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

package blob_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/providers/blob"
	"github.com/outpost-run/outpost/pkg/test"
)

var ctx context.Context
var s3api *fake.S3API
var provider *blob.DefaultProvider

func TestBlob(t *testing.T) {
	ctx = test.Context(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Blob")
}

var _ = BeforeEach(func() {
	s3api = fake.NewS3API()
	provider = blob.NewDefaultProvider(s3api, s3api, fake.DefaultArtifactBucket)
})

var _ = Describe("Blob", func() {
	It("should round-trip an object", func() {
		Expect(provider.Put(ctx, "bootstrap/d-1.toml", []byte("[dispatch]"), "application/toml")).To(Succeed())
		data, err := provider.Get(ctx, "bootstrap/d-1.toml")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("[dispatch]"))

		head, err := provider.Head(ctx, "bootstrap/d-1.toml")
		Expect(err).ToNot(HaveOccurred())
		Expect(head.SizeBytes).To(Equal(int64(len("[dispatch]"))))
		Expect(head.ContentType).To(Equal("application/toml"))
	})
	It("should classify missing objects as not found", func() {
		_, err := provider.Get(ctx, "bootstrap/absent.toml")
		Expect(errors.IsNotFound(err)).To(BeTrue())
		_, err = provider.Head(ctx, "bootstrap/absent.toml")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should list only the requested prefix", func() {
		Expect(provider.Put(ctx, "staging/task-a/out.patch", []byte("a"), "text/plain")).To(Succeed())
		Expect(provider.Put(ctx, "staging/task-a/run.log", []byte("b"), "text/plain")).To(Succeed())
		Expect(provider.Put(ctx, "staging/task-b/run.log", []byte("c"), "text/plain")).To(Succeed())

		objects, err := provider.List(ctx, "staging/task-a/")
		Expect(err).ToNot(HaveOccurred())
		Expect(objects).To(HaveLen(2))
		Expect(objects[0].Key).To(Equal("staging/task-a/out.patch"))
		Expect(objects[1].Key).To(Equal("staging/task-a/run.log"))
	})
	It("should copy objects within the bucket", func() {
		Expect(provider.Put(ctx, "staging/task-a/out.patch", []byte("diff"), "text/plain")).To(Succeed())
		Expect(provider.Copy(ctx, "staging/task-a/out.patch", "artifacts/d-1/out.patch")).To(Succeed())
		data, err := provider.Get(ctx, "artifacts/d-1/out.patch")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("diff"))
	})
	It("should presign object reads", func() {
		url, err := provider.PresignGet(ctx, "artifacts/d-1/out.patch", 15*time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(url).To(ContainSubstring("artifacts/d-1/out.patch"))
		Expect(url).To(ContainSubstring("X-Amz-Signature"))
	})
})
