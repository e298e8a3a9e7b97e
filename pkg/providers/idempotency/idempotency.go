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

// Package idempotency deduplicates create requests. A claim is a put-if-absent
// on (tenantId, idempotencyKey), so exactly one dispatch ever holds a key and
// every retry resolves to that dispatch until the claim expires.
package idempotency

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"k8s.io/utils/clock"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
)

// ClaimTTL is how long a claim shields its key from re-execution. Retries
// after expiry create a fresh dispatch.
const ClaimTTL = 24 * time.Hour

type Store interface {
	// Claim atomically claims (tenantID, key) for dispatchID and returns the
	// holding dispatch id: dispatchID itself when the claim is fresh, or the
	// id of the earlier dispatch when the key was already claimed.
	Claim(ctx context.Context, tenantID, key, dispatchID string) (string, error)
	Lookup(ctx context.Context, tenantID, key string) (string, error)
}

type item struct {
	TenantID       string `dynamodbav:"tenantId"`
	IdempotencyKey string `dynamodbav:"idempotencyKey"`
	DispatchID     string `dynamodbav:"dispatchId"`
	CreatedAt      int64  `dynamodbav:"createdAt"`
	ExpiresAt      int64  `dynamodbav:"expiresAt"`
}

type DefaultStore struct {
	api       sdk.DynamoDBAPI
	tableName string
	clock     clock.Clock
}

func NewDefaultStore(api sdk.DynamoDBAPI, tableName string, clk clock.Clock) *DefaultStore {
	return &DefaultStore{api: api, tableName: tableName, clock: clk}
}

func (s *DefaultStore) Claim(ctx context.Context, tenantID, key, dispatchID string) (string, error) {
	now := s.clock.Now()
	attrs, err := attributevalue.MarshalMap(item{
		TenantID:       tenantID,
		IdempotencyKey: key,
		DispatchID:     dispatchID,
		CreatedAt:      now.UnixMilli(),
		ExpiresAt:      now.Add(ClaimTTL).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshalling the idempotency claim, %w", err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("idempotencyKey"))).
		Build()
	if err != nil {
		return "", fmt.Errorf("building the claim condition, %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.tableName),
		Item:                                attrs,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	}); err != nil {
		// The losing writer receives the holder on the exception, so a claim
		// race usually resolves without a second read.
		var failed *ddbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &failed) {
			if len(failed.Item) == 0 {
				return s.Lookup(ctx, tenantID, key)
			}
			holder := item{}
			if err := attributevalue.UnmarshalMap(failed.Item, &holder); err != nil {
				return "", fmt.Errorf("unmarshalling the claim holder, %w", err)
			}
			return holder.DispatchID, nil
		}
		return "", errors.ClassifyAWS(err, "claiming idempotency key for tenant %s", tenantID)
	}
	return dispatchID, nil
}

func (s *DefaultStore) Lookup(ctx context.Context, tenantID, key string) (string, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            keyFor(tenantID, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", errors.ClassifyAWS(err, "looking up an idempotency key for tenant %s", tenantID)
	}
	if len(out.Item) == 0 {
		return "", errors.New(v1.ErrorKindNotFound, "idempotency key not claimed")
	}
	holder := item{}
	if err := attributevalue.UnmarshalMap(out.Item, &holder); err != nil {
		return "", fmt.Errorf("unmarshalling the claim holder, %w", err)
	}
	return holder.DispatchID, nil
}

func keyFor(tenantID, key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"tenantId":       &ddbtypes.AttributeValueMemberS{Value: tenantID},
		"idempotencyKey": &ddbtypes.AttributeValueMemberS{Value: key},
	}
}
