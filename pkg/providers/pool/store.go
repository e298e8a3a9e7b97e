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

package pool

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

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
)

// AgentCreatedIndex orders an agent's slots by creation time so acquisition
// can prefer the oldest warm worker.
const AgentCreatedIndex = "agent-created"

// Mutation carries the attributes a transition may change, plus an optional
// guard on the current holder.
type Mutation struct {
	AcquiredBy    *string
	LastHealthyAt *time.Time
	TTL           *time.Time
	// IfAcquiredBy additionally conditions the write on the slot being held
	// by this dispatch, so releases cannot race a re-acquisition.
	IfAcquiredBy *string
}

type Store interface {
	Put(ctx context.Context, slot *v1.Slot) error
	Get(ctx context.Context, slotID string) (*v1.Slot, error)
	// Transition conditionally moves a slot between states. Losing the state
	// race is a CONFLICT, a vanished slot is NOT_FOUND, and neither writes.
	Transition(ctx context.Context, slotID string, from, to v1.SlotState, mutation Mutation) (*v1.Slot, error)
	// Touch refreshes lastHealthyAt for a slot confirmed running.
	Touch(ctx context.Context, slotID string, at time.Time) error
	ListByAgent(ctx context.Context, agent string) ([]*v1.Slot, error)
	CountByState(ctx context.Context, agent string) (map[v1.SlotState]int, error)
	Delete(ctx context.Context, slotID string) error
}

type slotItem struct {
	SlotID        string `dynamodbav:"slotId"`
	Agent         string `dynamodbav:"agent"`
	State         string `dynamodbav:"state"`
	AcquiredBy    string `dynamodbav:"acquiredBy,omitempty"`
	CreatedAt     int64  `dynamodbav:"createdAt"`
	LastHealthyAt int64  `dynamodbav:"lastHealthyAt,omitempty"`
	ExpiresAt     int64  `dynamodbav:"expiresAt"`
}

func slotToItem(slot *v1.Slot) *slotItem {
	return &slotItem{
		SlotID:        slot.SlotID,
		Agent:         slot.Agent,
		State:         string(slot.State),
		AcquiredBy:    slot.AcquiredBy,
		CreatedAt:     slot.CreatedAt.UnixMilli(),
		LastHealthyAt: slot.LastHealthyAt.UnixMilli(),
		ExpiresAt:     slot.TTL.Unix(),
	}
}

func itemToSlot(it *slotItem) *v1.Slot {
	return &v1.Slot{
		SlotID:        it.SlotID,
		Agent:         it.Agent,
		State:         v1.SlotState(it.State),
		AcquiredBy:    it.AcquiredBy,
		CreatedAt:     time.UnixMilli(it.CreatedAt).UTC(),
		LastHealthyAt: time.UnixMilli(it.LastHealthyAt).UTC(),
		TTL:           time.Unix(it.ExpiresAt, 0).UTC(),
	}
}

func unmarshalSlot(attrs map[string]ddbtypes.AttributeValue) (*v1.Slot, error) {
	it := &slotItem{}
	if err := attributevalue.UnmarshalMap(attrs, it); err != nil {
		return nil, fmt.Errorf("unmarshalling a slot item, %w", err)
	}
	return itemToSlot(it), nil
}

type DefaultStore struct {
	api       sdk.DynamoDBAPI
	tableName string
}

func NewDefaultStore(api sdk.DynamoDBAPI, tableName string) *DefaultStore {
	return &DefaultStore{api: api, tableName: tableName}
}

func (s *DefaultStore) Put(ctx context.Context, slot *v1.Slot) error {
	attrs, err := attributevalue.MarshalMap(slotToItem(slot))
	if err != nil {
		return fmt.Errorf("marshalling slot %s, %w", slot.SlotID, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      attrs,
	}); err != nil {
		return errors.ClassifyAWS(err, "storing slot %s", slot.SlotID)
	}
	return nil
}

func (s *DefaultStore) Get(ctx context.Context, slotID string) (*v1.Slot, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            slotKey(slotID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.ClassifyAWS(err, "getting slot %s", slotID)
	}
	if len(out.Item) == 0 {
		return nil, errors.New(v1.ErrorKindNotFound, "slot %s not found", slotID)
	}
	return unmarshalSlot(out.Item)
}

func (s *DefaultStore) Transition(ctx context.Context, slotID string, from, to v1.SlotState, mutation Mutation) (*v1.Slot, error) {
	if !from.CanTransition(to) {
		return nil, errors.New(v1.ErrorKindConflict, "slot %s cannot move from %s to %s", slotID, from, to)
	}
	update := expression.Set(expression.Name("state"), expression.Value(string(to)))
	if mutation.AcquiredBy != nil {
		update = update.Set(expression.Name("acquiredBy"), expression.Value(*mutation.AcquiredBy))
	}
	if mutation.LastHealthyAt != nil {
		update = update.Set(expression.Name("lastHealthyAt"), expression.Value(mutation.LastHealthyAt.UnixMilli()))
	}
	if mutation.TTL != nil {
		update = update.Set(expression.Name("expiresAt"), expression.Value(mutation.TTL.Unix()))
	}
	cond := expression.Name("state").Equal(expression.Value(string(from)))
	if mutation.IfAcquiredBy != nil {
		cond = cond.And(expression.Name("acquiredBy").Equal(expression.Value(*mutation.IfAcquiredBy)))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("building the transition expression, %w", err)
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 slotKey(slotID),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        ddbtypes.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var failed *ddbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &failed) {
			if len(failed.Item) == 0 {
				return nil, errors.New(v1.ErrorKindNotFound, "slot %s not found", slotID)
			}
			return nil, errors.New(v1.ErrorKindConflict, "slot %s is no longer %s", slotID, from)
		}
		return nil, errors.ClassifyAWS(err, "transitioning slot %s", slotID)
	}
	return unmarshalSlot(out.Attributes)
}

func (s *DefaultStore) Touch(ctx context.Context, slotID string, at time.Time) error {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("lastHealthyAt"), expression.Value(at.UnixMilli()))).
		WithCondition(expression.AttributeExists(expression.Name("slotId"))).
		Build()
	if err != nil {
		return fmt.Errorf("building the touch expression, %w", err)
	}
	if _, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       slotKey(slotID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return errors.New(v1.ErrorKindNotFound, "slot %s not found", slotID)
		}
		return errors.ClassifyAWS(err, "touching slot %s", slotID)
	}
	return nil
}

func (s *DefaultStore) ListByAgent(ctx context.Context, agent string) ([]*v1.Slot, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("agent").Equal(expression.Value(agent))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building the agent query, %w", err)
	}
	var slots []*v1.Slot
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(AgentCreatedIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errors.ClassifyAWS(err, "listing slots for agent %s", agent)
		}
		for _, attrs := range out.Items {
			slot, err := unmarshalSlot(attrs)
			if err != nil {
				return nil, err
			}
			slots = append(slots, slot)
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return slots, nil
		}
	}
}

func (s *DefaultStore) CountByState(ctx context.Context, agent string) (map[v1.SlotState]int, error) {
	slots, err := s.ListByAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	counts := map[v1.SlotState]int{}
	for _, slot := range slots {
		counts[slot.State]++
	}
	return counts, nil
}

func (s *DefaultStore) Delete(ctx context.Context, slotID string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       slotKey(slotID),
	}); err != nil {
		return errors.ClassifyAWS(err, "deleting slot %s", slotID)
	}
	return nil
}

func slotKey(slotID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"slotId": &ddbtypes.AttributeValueMemberS{Value: slotID},
	}
}
