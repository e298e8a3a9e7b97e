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

package idempotency_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/fake"
	"github.com/outpost-run/outpost/pkg/providers/idempotency"
	"github.com/outpost-run/outpost/pkg/test"
)

var ctx context.Context
var ddbapi *fake.DynamoDBAPI
var fakeClock *clocktesting.FakeClock
var store *idempotency.DefaultStore

func TestIdempotency(t *testing.T) {
	ctx = test.Context(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Idempotency")
}

var _ = BeforeEach(func() {
	ddbapi = fake.NewDynamoDBAPI()
	fakeClock = clocktesting.NewFakeClock(time.Now())
	store = idempotency.NewDefaultStore(ddbapi, fake.DefaultIdempotencyTable, fakeClock)
})

var _ = Describe("Claim", func() {
	It("should claim a fresh key for the caller", func() {
		holder, err := store.Claim(ctx, "team-payments", "retry-batch-7", "d-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(holder).To(Equal("d-1"))

		input := ddbapi.PutItemBehavior.CalledWithInput.Pop()
		Expect(lo.FromPtr(input.ConditionExpression)).To(ContainSubstring("attribute_not_exists"))
		Expect(input.Item["tenantId"]).To(Equal(&ddbtypes.AttributeValueMemberS{Value: "team-payments"}))
		Expect(input.Item["idempotencyKey"]).To(Equal(&ddbtypes.AttributeValueMemberS{Value: "retry-batch-7"}))
		Expect(input.Item["expiresAt"]).To(Equal(&ddbtypes.AttributeValueMemberN{
			Value: strconv.FormatInt(fakeClock.Now().Add(24*time.Hour).Unix(), 10),
		}))
	})
	It("should hand a replay the original holder without a second read", func() {
		ddbapi.PutItemBehavior.Error.Set(&ddbtypes.ConditionalCheckFailedException{
			Item: map[string]ddbtypes.AttributeValue{
				"dispatchId": &ddbtypes.AttributeValueMemberS{Value: "d-original"},
			},
		})
		holder, err := store.Claim(ctx, "team-payments", "retry-batch-7", "d-2")
		Expect(err).ToNot(HaveOccurred())
		Expect(holder).To(Equal("d-original"))
		Expect(ddbapi.GetItemBehavior.Calls()).To(Equal(0))
	})
	It("should fall back to a read when the holder does not ride the exception", func() {
		ddbapi.PutItemBehavior.Error.Set(&ddbtypes.ConditionalCheckFailedException{})
		ddbapi.GetItemBehavior.Output.Set(&dynamodb.GetItemOutput{
			Item: map[string]ddbtypes.AttributeValue{
				"dispatchId": &ddbtypes.AttributeValueMemberS{Value: "d-original"},
			},
		})
		holder, err := store.Claim(ctx, "team-payments", "retry-batch-7", "d-2")
		Expect(err).ToNot(HaveOccurred())
		Expect(holder).To(Equal("d-original"))
		Expect(ddbapi.GetItemBehavior.Calls()).To(Equal(1))
	})
})

var _ = Describe("Lookup", func() {
	It("should return not found for an unclaimed key", func() {
		_, err := store.Lookup(ctx, "team-payments", "never-claimed")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
